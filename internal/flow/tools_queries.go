package flow

import (
	"context"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/rank"
	"github.com/BTreeMap/SakePipe/internal/store"
)

// summaryFanOut bounds concurrent rank reads in get_tasting_summary.
const summaryFanOut = 4

type tastingHistoryArgs struct {
	SakeID   string `json:"sake_id"`
	TasterID string `json:"taster_id"`
	Limit    int    `json:"limit"`
}

func (r *ToolRegistry) getTastingHistory(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args tastingHistoryArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = DefaultToolHistoryLimit
	}
	tastings, err := r.store.ListTastings(ctx, store.TastingFilter{SakeID: args.SakeID, TasterID: args.TasterID, Limit: args.Limit})
	if err != nil {
		return nil, err
	}
	if tastings == nil {
		tastings = []models.TastingDetail{}
	}
	return map[string]interface{}{"tastings": tastings, "count": len(tastings)}, nil
}

type sakeRankingsArgs struct {
	Limit       int `json:"limit"`
	MinTastings int `json:"min_tastings"`
}

func (r *ToolRegistry) getSakeRankings(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args sakeRankingsArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = DefaultToolRankingsLimit
	}
	if args.MinTastings <= 0 {
		args.MinTastings = DefaultToolMinTastings
	}
	rankings, err := r.store.SakeRankings(ctx, store.RankingFilter{Limit: args.Limit, MinTastings: args.MinTastings})
	if err != nil {
		return nil, err
	}
	if rankings == nil {
		rankings = []models.SakeRanking{}
	}
	return map[string]interface{}{"rankings": rankings}, nil
}

type tasterRankArgs struct {
	TasterID string `json:"taster_id"`
}

// TasterRank is a taster's current tier and progress.
type TasterRank struct {
	TasterID     string         `json:"taster_id"`
	Name         string         `json:"name"`
	TastingCount int            `json:"tasting_count"`
	Rank         rank.Tier      `json:"rank"`
	Next         *rank.Progress `json:"next,omitempty"`
}

func (r *ToolRegistry) getTasterRank(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args tasterRankArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("taster_id", args.TasterID); err != nil {
		return nil, err
	}
	return r.TasterRank(ctx, args.TasterID)
}

// TasterRank computes the rank of a taster from their distinct tasting count and
// refreshes the display cache when it is stale.
func (r *ToolRegistry) TasterRank(ctx context.Context, tasterID string) (*TasterRank, error) {
	taster, err := r.store.GetTaster(ctx, tasterID)
	if err != nil {
		return nil, err
	}
	count, err := r.store.CountDistinctTastings(ctx, tasterID)
	if err != nil {
		return nil, err
	}
	tier := rank.RankFor(count)
	if taster.RankCache != tier.Label {
		label := tier.Label
		if _, err := r.store.UpdateTaster(ctx, tasterID, models.TasterUpdate{RankCache: &label}); err != nil {
			slog.Warn("ToolRegistry.TasterRank: failed to refresh rank cache", "error", err, "tasterID", tasterID)
		}
	}
	return &TasterRank{
		TasterID:     taster.ID,
		Name:         taster.Name,
		TastingCount: count,
		Rank:         tier,
		Next:         rank.NextRankFor(count),
	}, nil
}

type tastingSummaryArgs struct {
	TastingID string `json:"tasting_id"`
}

// LevelUp is a scorer whose tier changed with a tasting.
type LevelUp struct {
	TasterID   string `json:"taster_id"`
	TasterName string `json:"taster_name"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// TastingSummary aggregates the scores of one tasting.
type TastingSummary struct {
	TastingID    string               `json:"tasting_id"`
	SakeName     string               `json:"sake_name"`
	Date         string               `json:"date"`
	Location     string               `json:"location,omitempty"`
	Scores       []models.ScoreDetail `json:"scores"`
	ScoreCount   int                  `json:"score_count"`
	AverageScore *float64             `json:"average_score"`
	LevelUps     []LevelUp            `json:"level_ups"`
}

func (r *ToolRegistry) getTastingSummary(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args tastingSummaryArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("tasting_id", args.TastingID); err != nil {
		return nil, err
	}
	return r.TastingSummary(ctx, args.TastingID)
}

// TastingSummary loads a tasting's scores and reports which scorers changed tier.
// Each scorer's count before this tasting is taken as their current count minus one,
// which assumes this tasting is the only one added since they last checked.
func (r *ToolRegistry) TastingSummary(ctx context.Context, tastingID string) (*TastingSummary, error) {
	detail, err := r.store.GetTastingDetail(ctx, tastingID)
	if err != nil {
		return nil, err
	}
	summary := &TastingSummary{
		TastingID:  detail.ID,
		SakeName:   detail.SakeName,
		Date:       detail.Date,
		Location:   detail.Location,
		Scores:     detail.Scores,
		ScoreCount: len(detail.Scores),
		LevelUps:   []LevelUp{},
	}
	if summary.Scores == nil {
		summary.Scores = []models.ScoreDetail{}
	}
	if len(detail.Scores) == 0 {
		return summary, nil
	}

	var total float64
	for _, s := range detail.Scores {
		total += s.Score.Score
	}
	avg := math.Round(total/float64(len(detail.Scores))*100) / 100
	summary.AverageScore = &avg

	changes := make([]*rank.Change, len(detail.Scores))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryFanOut)
	for i, s := range detail.Scores {
		g.Go(func() error {
			current, err := r.store.CountDistinctTastings(gctx, s.TasterID)
			if err != nil {
				return err
			}
			changes[i] = rank.Compare(current-1, current)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, c := range changes {
		if c == nil {
			continue
		}
		s := detail.Scores[i]
		summary.LevelUps = append(summary.LevelUps, LevelUp{
			TasterID:   s.TasterID,
			TasterName: s.TasterName,
			From:       c.From.Label,
			To:         c.To.Label,
		})
	}
	return summary, nil
}

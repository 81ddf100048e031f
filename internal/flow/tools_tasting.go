package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SakePipe/internal/models"
)

type sendMessageArgs struct {
	Text string `json:"text"`
}

func (r *ToolRegistry) sendMessage(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args sendMessageArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("text", args.Text); err != nil {
		return nil, err
	}
	if tc.Sender == nil {
		return nil, ErrNoMessaging
	}
	id, err := tc.Sender.SendMessage(ctx, tc.To, tc.From, args.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return map[string]interface{}{"sent": true, "message_id": id}, nil
}

type identifySakeArgs struct {
	Name           string   `json:"name"`
	Brewery        string   `json:"brewery"`
	Prefecture     string   `json:"prefecture"`
	Grade          string   `json:"grade"`
	Type           string   `json:"type"`
	RiceVariety    string   `json:"rice_variety"`
	PolishingRatio *float64 `json:"polishing_ratio"`
	AlcoholPercent *float64 `json:"alcohol_percent"`
	SMV            *float64 `json:"smv"`
}

func (r *ToolRegistry) identifySake(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args identifySakeArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("name", args.Name); err != nil {
		return nil, err
	}
	existing, err := r.store.FindSakeByName(ctx, args.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return map[string]interface{}{"sake": existing, "created": false}, nil
	}
	sake := &models.Sake{
		Name:           args.Name,
		Brewery:        args.Brewery,
		Prefecture:     args.Prefecture,
		Grade:          args.Grade,
		Type:           args.Type,
		RiceVariety:    args.RiceVariety,
		PolishingRatio: args.PolishingRatio,
		AlcoholPercent: args.AlcoholPercent,
		SMV:            args.SMV,
	}
	if err := r.store.CreateSake(ctx, sake); err != nil {
		return nil, err
	}
	slog.Info("ToolRegistry.identifySake: created sake", "sakeID", sake.ID, "name", sake.Name)
	return map[string]interface{}{"sake": sake, "created": true}, nil
}

type createTastingArgs struct {
	SakeID       string `json:"sake_id"`
	Date         string `json:"date"`
	Location     string `json:"location"`
	CreatorPhone string `json:"creator_phone"`
	Notes        string `json:"notes"`
}

func (r *ToolRegistry) createTasting(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args createTastingArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("sake_id", args.SakeID); err != nil {
		return nil, err
	}
	sake, err := r.store.GetSake(ctx, args.SakeID)
	if err != nil {
		return nil, err
	}

	t := &models.Tasting{
		SakeID:   sake.ID,
		Date:     strings.TrimSpace(args.Date),
		Location: args.Location,
		Notes:    args.Notes,
	}
	creatorPhone := args.CreatorPhone
	if creatorPhone == "" {
		creatorPhone = tc.From
	}
	if creatorPhone != "" {
		res, err := r.phones.Resolve(ctx, creatorPhone)
		if err != nil {
			slog.Warn("ToolRegistry.createTasting: creator phone not resolved", "error", err)
		} else if res.Found() {
			t.CreatedBy = res.TasterID
		}
	}
	if err := r.store.CreateTasting(ctx, t); err != nil {
		return nil, err
	}
	slog.Info("ToolRegistry.createTasting: created tasting", "tastingID", t.ID, "sakeID", t.SakeID, "createdBy", t.CreatedBy)
	return map[string]interface{}{
		"tasting":   t,
		"sake_name": sake.Name,
		"url":       r.tastingURL(t.ID),
	}, nil
}

type scoreEntry struct {
	TasterName  string   `json:"taster_name"`
	TasterPhone string   `json:"taster_phone"`
	Score       *float64 `json:"score"`
	Notes       string   `json:"notes"`
}

type recordScoresArgs struct {
	TastingID string       `json:"tasting_id"`
	Scores    []scoreEntry `json:"scores"`
}

type recordedScore struct {
	ScoreID       string  `json:"score_id"`
	TasterID      string  `json:"taster_id"`
	TasterName    string  `json:"taster_name"`
	Score         float64 `json:"score"`
	CreatedTaster bool    `json:"created_taster"`
}

type failedScore struct {
	TasterName string `json:"taster_name"`
	Error      string `json:"error"`
}

func (r *ToolRegistry) recordScores(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args recordScoresArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("tasting_id", args.TastingID); err != nil {
		return nil, err
	}
	if len(args.Scores) == 0 {
		return nil, fmt.Errorf("%w: scores", ErrMissingArgument)
	}
	if _, err := r.store.GetTasting(ctx, args.TastingID); err != nil {
		return nil, err
	}

	recorded := []recordedScore{}
	failed := []failedScore{}
	for _, e := range args.Scores {
		rec, err := r.recordOne(ctx, args.TastingID, e)
		if err != nil {
			slog.Error("ToolRegistry.recordScores: score not recorded", "error", err, "tastingID", args.TastingID, "taster", e.TasterName)
			failed = append(failed, failedScore{TasterName: e.TasterName, Error: err.Error()})
			continue
		}
		recorded = append(recorded, rec)
	}
	return map[string]interface{}{
		"tasting_id": args.TastingID,
		"recorded":   recorded,
		"failed":     failed,
	}, nil
}

func (r *ToolRegistry) recordOne(ctx context.Context, tastingID string, e scoreEntry) (recordedScore, error) {
	if e.Score == nil {
		return recordedScore{}, fmt.Errorf("%w: score", ErrMissingArgument)
	}
	if err := models.ValidateBatchScore(*e.Score); err != nil {
		return recordedScore{}, err
	}
	taster, created, err := ResolveTaster(ctx, r.store, r.phones, e.TasterName, e.TasterPhone)
	if err != nil {
		return recordedScore{}, err
	}
	sc := &models.Score{TastingID: tastingID, TasterID: taster.ID, Score: *e.Score, Notes: e.Notes}
	if err := r.store.UpsertScore(ctx, sc); err != nil {
		return recordedScore{}, err
	}
	return recordedScore{
		ScoreID:       sc.ID,
		TasterID:      taster.ID,
		TasterName:    taster.Name,
		Score:         sc.Score,
		CreatedTaster: created,
	}, nil
}

type lookupTasterArgs struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (r *ToolRegistry) lookupTaster(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args lookupTasterArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Name) == "" && strings.TrimSpace(args.Phone) == "" {
		return nil, fmt.Errorf("%w: name or phone", ErrMissingArgument)
	}
	taster, created, err := ResolveTaster(ctx, r.store, r.phones, args.Name, args.Phone)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"taster": taster, "created": created}, nil
}

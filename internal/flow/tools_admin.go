package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/store"
)

type adminEditSakeArgs struct {
	ID string `json:"id"`
	models.SakeUpdate
}

func (r *ToolRegistry) adminEditSake(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args adminEditSakeArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("id", args.ID); err != nil {
		return nil, err
	}
	sake, err := r.store.UpdateSake(ctx, args.ID, args.SakeUpdate)
	if err != nil {
		return nil, err
	}
	slog.Info("ToolRegistry.adminEditSake: sake updated", "sakeID", args.ID, "by", tc.From)
	return map[string]interface{}{"sake": sake}, nil
}

type adminEditTasterArgs struct {
	ID              string  `json:"id"`
	Name            *string `json:"name"`
	ProfileImageURL *string `json:"profile_image_url"`
}

func (r *ToolRegistry) adminEditTaster(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args adminEditTasterArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("id", args.ID); err != nil {
		return nil, err
	}
	taster, err := r.store.UpdateTaster(ctx, args.ID, models.TasterUpdate{Name: args.Name, ProfileImageURL: args.ProfileImageURL})
	if err != nil {
		return nil, err
	}
	slog.Info("ToolRegistry.adminEditTaster: taster updated", "tasterID", args.ID, "by", tc.From)
	return map[string]interface{}{"taster": taster}, nil
}

type adminEditTastingArgs struct {
	ID string `json:"id"`
	models.TastingUpdate
}

func (r *ToolRegistry) adminEditTasting(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args adminEditTastingArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := requireString("id", args.ID); err != nil {
		return nil, err
	}
	if args.SakeID != nil {
		if _, err := r.store.GetSake(ctx, *args.SakeID); err != nil {
			return nil, err
		}
	}
	tasting, err := r.store.UpdateTasting(ctx, args.ID, args.TastingUpdate)
	if err != nil {
		return nil, err
	}
	slog.Info("ToolRegistry.adminEditTasting: tasting updated", "tastingID", args.ID, "by", tc.From)
	return map[string]interface{}{"tasting": tasting, "url": r.tastingURL(tasting.ID)}, nil
}

type adminDeleteArgs struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func (r *ToolRegistry) adminDeleteRecord(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args adminDeleteArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if !validTable(args.Table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, args.Table)
	}
	if err := requireString("id", args.ID); err != nil {
		return nil, err
	}
	var err error
	switch args.Table {
	case "sakes":
		err = r.store.DeleteSake(ctx, args.ID)
	case "tasters":
		err = r.store.DeleteTaster(ctx, args.ID)
	case "tastings":
		err = r.store.DeleteTasting(ctx, args.ID)
	case "scores":
		err = r.store.DeleteScore(ctx, args.ID)
	}
	if err != nil {
		return nil, err
	}
	slog.Warn("ToolRegistry.adminDeleteRecord: record deleted", "table", args.Table, "id", args.ID, "by", tc.From)
	return map[string]interface{}{"deleted": true, "table": args.Table, "id": args.ID}, nil
}

type adminListArgs struct {
	Table     string `json:"table"`
	Limit     int    `json:"limit"`
	Query     string `json:"query"`
	SakeID    string `json:"sake_id"`
	TasterID  string `json:"taster_id"`
	TastingID string `json:"tasting_id"`
}

func (r *ToolRegistry) adminListRecords(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error) {
	var args adminListArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if !validTable(args.Table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, args.Table)
	}
	var (
		records interface{}
		count   int
		err     error
	)
	switch args.Table {
	case "sakes":
		var out []models.Sake
		out, err = r.store.ListSakes(ctx, store.ListOptions{Limit: args.Limit, Query: args.Query})
		records, count = nonNil(out), len(out)
	case "tasters":
		var out []models.Taster
		out, err = r.store.ListTasters(ctx, store.ListOptions{Limit: args.Limit, Query: args.Query})
		records, count = nonNil(out), len(out)
	case "tastings":
		var out []models.TastingDetail
		out, err = r.store.ListTastings(ctx, store.TastingFilter{SakeID: args.SakeID, TasterID: args.TasterID, Limit: args.Limit})
		records, count = nonNil(out), len(out)
	case "scores":
		var out []models.ScoreDetail
		out, err = r.store.ListScores(ctx, store.ScoreFilter{TastingID: args.TastingID, TasterID: args.TasterID, Limit: args.Limit})
		records, count = nonNil(out), len(out)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"table": args.Table, "records": records, "count": count}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

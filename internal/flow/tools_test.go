package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/rank"
	"github.com/BTreeMap/SakePipe/internal/store"
	"github.com/BTreeMap/SakePipe/internal/testutil"
)

func newTestRegistry(t *testing.T) (*ToolRegistry, *store.SQLiteStore, testutil.Seed) {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	seed := testutil.SeedTestData(t, st)
	return NewToolRegistry(st, WithPublicBaseURL(testBaseURL+"/")), st, seed
}

func execTool(t *testing.T, r *ToolRegistry, tc ToolContext, name string, args interface{}, dst interface{}) error {
	t.Helper()
	raw, err := r.Execute(context.Background(), tc, toolCall(t, "call", name, args))
	if err != nil {
		return err
	}
	if dst != nil {
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			t.Fatalf("bad %s result %s: %v", name, raw, err)
		}
	}
	return nil
}

func TestDefinitions(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	names := func(admin bool) map[string]bool {
		out := map[string]bool{}
		for _, d := range r.Definitions(admin) {
			out[d.Function.Name] = true
		}
		return out
	}

	user, admin := names(false), names(true)
	if len(user) != 9 || len(admin) != 14 {
		t.Errorf("expected 9 user and 14 admin tools, got %d and %d", len(user), len(admin))
	}
	for _, n := range []string{ToolAdminEditSake, ToolAdminEditTaster, ToolAdminEditTasting, ToolAdminDeleteRecord, ToolAdminListRecords} {
		if user[n] {
			t.Errorf("%s must not be bound for non-admins", n)
		}
		if !admin[n] {
			t.Errorf("%s missing for admins", n)
		}
	}
}

func TestExecute_Rejections(t *testing.T) {
	r, _, seed := newTestRegistry(t)
	tc := ToolContext{From: testUser, To: testAssistant}

	tests := []struct {
		name    string
		tool    string
		args    interface{}
		tc      ToolContext
		wantErr error
	}{
		{"unknown tool", "pour_sake", map[string]string{}, tc, ErrUnknownTool},
		{"admin only", ToolAdminDeleteRecord, map[string]string{"table": "sakes", "id": seed.Sake.ID}, tc, ErrAdminOnly},
		{"invalid table", ToolAdminListRecords, map[string]string{"table": "users"}, ToolContext{Admin: true}, ErrInvalidTable},
		{"missing sake", ToolCreateTasting, map[string]string{"sake_id": "nope"}, tc, store.ErrNotFound},
		{"missing name", ToolIdentifySake, map[string]string{"brewery": "Asahi"}, tc, ErrMissingArgument},
		{"no sender", ToolSendMessage, map[string]string{"text": "one sec"}, tc, ErrNoMessaging},
		{"lookup needs input", ToolLookupTaster, map[string]string{}, tc, ErrMissingArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execTool(t, r, tt.tc, tt.tool, tt.args, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if got := ErrorResult(ErrAdminOnly); got != `{"error":"tool is restricted to admins"}` {
		t.Errorf("unexpected error result %s", got)
	}
}

func TestIdentifySake_FindsOrCreates(t *testing.T) {
	r, _, seed := newTestRegistry(t)
	var out struct {
		Sake    models.Sake `json:"sake"`
		Created bool        `json:"created"`
	}
	if err := execTool(t, r, ToolContext{}, ToolIdentifySake, map[string]string{"name": "DASSAI 23"}, &out); err != nil {
		t.Fatal(err)
	}
	if out.Created || out.Sake.ID != seed.Sake.ID {
		t.Errorf("expected existing sake, got %+v", out)
	}
	if err := execTool(t, r, ToolContext{}, ToolIdentifySake, map[string]interface{}{"name": "Kokuryu", "polishing_ratio": 40}, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Created || out.Sake.PolishingRatio == nil || *out.Sake.PolishingRatio != 40 {
		t.Errorf("expected new sake, got %+v", out)
	}
}

func TestCreateTasting_DefaultsCreatorToSender(t *testing.T) {
	r, _, seed := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.phones.EnsureLink(ctx, seed.Taster.ID, testUser); err != nil {
		t.Fatal(err)
	}
	var out struct {
		Tasting  models.Tasting `json:"tasting"`
		SakeName string         `json:"sake_name"`
		URL      string         `json:"url"`
	}
	if err := execTool(t, r, ToolContext{From: testUser}, ToolCreateTasting, map[string]string{"sake_id": seed.Sake.ID}, &out); err != nil {
		t.Fatal(err)
	}
	if out.Tasting.CreatedBy != seed.Taster.ID || out.SakeName != "Dassai 23" || out.Tasting.Date == "" {
		t.Errorf("unexpected tasting %+v", out)
	}
	if out.URL != testBaseURL+"/tastings/"+out.Tasting.ID {
		t.Errorf("url = %q", out.URL)
	}
}

func TestRecordScores_PartialFailure(t *testing.T) {
	r, st, seed := newTestRegistry(t)
	var out struct {
		Recorded []recordedScore `json:"recorded"`
		Failed   []failedScore   `json:"failed"`
	}
	err := execTool(t, r, ToolContext{}, ToolRecordScores, map[string]interface{}{
		"tasting_id": seed.Tasting.ID,
		"scores": []map[string]interface{}{
			{"taster_name": "Kenji", "score": 8.5},
			{"taster_name": "Aiko", "score": 11},
			{"taster_name": "Mei"},
			{"taster_name": "Yuki", "score": 7, "notes": "melon"},
		},
	}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Recorded) != 2 || len(out.Failed) != 2 {
		t.Fatalf("expected 2 recorded and 2 failed, got %+v", out)
	}
	if out.Recorded[0].TasterID != seed.Taster.ID || out.Recorded[0].CreatedTaster {
		t.Error("Kenji should match the existing taster")
	}
	if !out.Recorded[1].CreatedTaster {
		t.Error("Yuki should be created")
	}

	// Re-scoring replaces instead of duplicating.
	if err := execTool(t, r, ToolContext{}, ToolRecordScores, map[string]interface{}{
		"tasting_id": seed.Tasting.ID,
		"scores":     []map[string]interface{}{{"taster_name": "kenji", "score": 9}},
	}, nil); err != nil {
		t.Fatal(err)
	}
	scores, _ := st.ListScores(context.Background(), store.ScoreFilter{TastingID: seed.Tasting.ID})
	if len(scores) != 2 {
		t.Errorf("expected 2 scores after re-score, got %d", len(scores))
	}

	if err := execTool(t, r, ToolContext{}, ToolRecordScores, map[string]interface{}{"tasting_id": "missing", "scores": []map[string]interface{}{{"taster_name": "Kenji", "score": 5}}}, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing tasting, got %v", err)
	}
}

func TestQueryTools_Defaults(t *testing.T) {
	r, st, seed := newTestRegistry(t)
	ctx := context.Background()
	st.UpsertScore(ctx, &models.Score{TastingID: seed.Tasting.ID, TasterID: seed.Taster.ID, Score: 8})

	var history struct {
		Tastings []models.TastingDetail `json:"tastings"`
		Count    int                    `json:"count"`
	}
	if err := execTool(t, r, ToolContext{}, ToolGetTastingHistory, map[string]string{"taster_id": seed.Taster.ID}, &history); err != nil {
		t.Fatal(err)
	}
	if history.Count != 1 {
		t.Errorf("expected 1 tasting in history, got %d", history.Count)
	}

	var rankings struct {
		Rankings []models.SakeRanking `json:"rankings"`
	}
	if err := execTool(t, r, ToolContext{}, ToolGetSakeRankings, map[string]int{}, &rankings); err != nil {
		t.Fatal(err)
	}
	if len(rankings.Rankings) != 1 || rankings.Rankings[0].AverageScore != 8 {
		t.Errorf("unexpected rankings %+v", rankings.Rankings)
	}

	var tr TasterRank
	if err := execTool(t, r, ToolContext{}, ToolGetTasterRank, map[string]string{"taster_id": seed.Taster.ID}, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.TastingCount != 1 || tr.Rank.Label != rank.RankFor(1).Label || tr.Next == nil || tr.Next.Remaining != 2 {
		t.Errorf("unexpected rank %+v", tr)
	}
	taster, _ := st.GetTaster(ctx, seed.Taster.ID)
	if taster.RankCache != tr.Rank.Label {
		t.Errorf("rank cache not refreshed: %q", taster.RankCache)
	}
}

func TestTastingSummary_LevelUps(t *testing.T) {
	r, st, seed := newTestRegistry(t)
	ctx := context.Background()

	newTaster := func(name string) string {
		tr := &models.Taster{Name: name}
		if err := st.CreateTaster(ctx, tr); err != nil {
			t.Fatal(err)
		}
		return tr.ID
	}
	newTasting := func() string {
		ts := &models.Tasting{SakeID: seed.Sake.ID}
		if err := st.CreateTasting(ctx, ts); err != nil {
			t.Fatal(err)
		}
		return ts.ID
	}
	score := func(tastingID, tasterID string, v float64) {
		if err := st.UpsertScore(ctx, &models.Score{TastingID: tastingID, TasterID: tasterID, Score: v}); err != nil {
			t.Fatal(err)
		}
	}

	crosser := newTaster("Aiko")   // 2 earlier tastings, this one is the 3rd
	newcomer := newTaster("Mei")   // first tasting
	veteran := newTaster("Haruto") // 4 earlier tastings, this one is the 5th
	for i := 0; i < 2; i++ {
		score(newTasting(), crosser, 6)
	}
	for i := 0; i < 4; i++ {
		score(newTasting(), veteran, 6)
	}

	target := newTasting()
	score(target, crosser, 9)
	score(target, newcomer, 7)
	score(target, veteran, 8)

	summary, err := r.TastingSummary(ctx, target)
	if err != nil {
		t.Fatalf("TastingSummary failed: %v", err)
	}
	if summary.ScoreCount != 3 || summary.AverageScore == nil || *summary.AverageScore != 8 {
		t.Errorf("unexpected aggregate %+v", summary)
	}
	if len(summary.LevelUps) != 1 {
		t.Fatalf("expected exactly one level-up, got %+v", summary.LevelUps)
	}
	up := summary.LevelUps[0]
	if up.TasterID != crosser || up.From != rank.RankFor(2).Label || up.To != rank.RankFor(3).Label {
		t.Errorf("unexpected level-up %+v", up)
	}

	empty, err := r.TastingSummary(ctx, newTasting())
	if err != nil || empty.AverageScore != nil || len(empty.LevelUps) != 0 || empty.Scores == nil {
		t.Errorf("unexpected empty summary %+v (%v)", empty, err)
	}
}

func TestAdminTools(t *testing.T) {
	r, st, seed := newTestRegistry(t)
	ctx := context.Background()
	admin := ToolContext{From: testUser, Admin: true}

	var edited struct {
		Sake models.Sake `json:"sake"`
	}
	if err := execTool(t, r, admin, ToolAdminEditSake, map[string]string{"id": seed.Sake.ID, "prefecture": "Niigata"}, &edited); err != nil {
		t.Fatal(err)
	}
	if edited.Sake.Prefecture != "Niigata" || edited.Sake.Name != "Dassai 23" {
		t.Errorf("unexpected edit result %+v", edited.Sake)
	}

	if err := execTool(t, r, admin, ToolAdminEditTasting, map[string]string{"id": seed.Tasting.ID, "sake_id": "missing"}, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown sake reference, got %v", err)
	}

	var list struct {
		Count int `json:"count"`
	}
	if err := execTool(t, r, admin, ToolAdminListRecords, map[string]string{"table": "tasters"}, &list); err != nil || list.Count != 1 {
		t.Errorf("expected 1 taster, got %d (%v)", list.Count, err)
	}

	if err := execTool(t, r, admin, ToolAdminDeleteRecord, map[string]string{"table": "tastings", "id": seed.Tasting.ID}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetTasting(ctx, seed.Tasting.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("tasting should be deleted, got %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sender := &recordingSender{}
	var out struct {
		Sent      bool   `json:"sent"`
		MessageID string `json:"message_id"`
	}
	tc := ToolContext{Sender: sender, From: testUser, To: testAssistant}
	if err := execTool(t, r, tc, ToolSendMessage, map[string]string{"text": "Looking that up..."}, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Sent || out.MessageID != "SM-status" || len(sender.sent) != 1 || sender.sent[0] != testUser+":Looking that up..." {
		t.Errorf("unexpected send %+v %v", out, sender.sent)
	}
}

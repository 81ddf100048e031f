package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/BTreeMap/SakePipe/internal/flow"
	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/store"
	"github.com/BTreeMap/SakePipe/internal/testutil"
)

func TestSakeCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.login(t, adminCode, "")

	rr := env.do(t, http.MethodPost, "/api/sakes", models.Sake{Name: "Juyondai Honmaru", Brewery: "Takagi Shuzo"}, admin)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create sake")
	var created models.Sake
	decodeEnvelope(t, rr, &created)
	if created.ID == "" || created.Name != "Juyondai Honmaru" {
		t.Fatalf("unexpected created sake: %+v", created)
	}

	rr = env.do(t, http.MethodPost, "/api/sakes", models.Sake{Name: "dassai 23"}, admin)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "duplicate name")

	rr = env.do(t, http.MethodPost, "/api/sakes", models.Sake{Name: "  "}, admin)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty name")

	rr = env.do(t, http.MethodGet, "/api/sakes?q=juyon", nil, admin)
	var list []models.Sake
	decodeEnvelope(t, rr, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("expected search to find the new sake, got %+v", list)
	}

	grade := "Junmai Ginjo"
	rr = env.do(t, http.MethodPatch, "/api/sakes/"+created.ID, models.SakeUpdate{Grade: &grade}, admin)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update sake")
	var updated models.Sake
	decodeEnvelope(t, rr, &updated)
	if updated.Grade != grade || updated.Brewery != "Takagi Shuzo" {
		t.Errorf("update should only touch grade, got %+v", updated)
	}

	rr = env.do(t, http.MethodPatch, "/api/sakes/"+created.ID, map[string]string{}, admin)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty update")

	rr = env.do(t, http.MethodDelete, "/api/sakes/"+created.ID, nil, admin)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete sake")
	rr = env.do(t, http.MethodGet, "/api/sakes/"+created.ID, nil, admin)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get deleted sake")
}

func TestTasterCreateAndRank(t *testing.T) {
	env := newTestEnv(t, nil)
	general := env.login(t, generalCode, "")

	rr := env.do(t, http.MethodPost, "/api/tasters", createTasterRequest{Name: "Aiko", Phone: "+1 555 000 1111"}, general)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create taster")
	var res struct {
		Taster  models.Taster `json:"taster"`
		Created bool          `json:"created"`
	}
	decodeEnvelope(t, rr, &res)
	if !res.Created || res.Taster.Name != "Aiko" {
		t.Fatalf("unexpected create result: %+v", res)
	}

	// The same phone resolves to the existing taster whatever name is sent.
	rr = env.do(t, http.MethodPost, "/api/tasters", createTasterRequest{Name: "Someone Else", Phone: "+15550001111"}, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "existing phone")
	var again struct {
		Taster  models.Taster `json:"taster"`
		Created bool          `json:"created"`
	}
	decodeEnvelope(t, rr, &again)
	if again.Created || again.Taster.ID != res.Taster.ID {
		t.Errorf("expected existing taster %s, got %+v", res.Taster.ID, again)
	}

	rr = env.do(t, http.MethodPost, "/api/tasters", createTasterRequest{}, general)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "no name or phone")

	rr = env.do(t, http.MethodPost, "/api/tasters", createTasterRequest{Name: "Bad", Phone: "call me"}, general)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid phone")

	rr = env.do(t, http.MethodGet, "/api/tasters/"+env.seed.Taster.ID+"/rank", nil, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "rank")
	var rank flow.TasterRank
	decodeEnvelope(t, rr, &rank)
	if rank.TasterID != env.seed.Taster.ID || rank.TastingCount != 0 || rank.Next == nil {
		t.Errorf("unexpected rank: %+v", rank)
	}

	rr = env.do(t, http.MethodGet, "/api/tasters/missing/rank", nil, general)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing taster rank")

	name := "Kenji S."
	rr = env.do(t, http.MethodPatch, "/api/tasters/"+env.seed.Taster.ID, updateTasterRequest{Name: &name}, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "rename taster")
}

func TestTastingLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.srv.phones.EnsureLink(ctx, env.seed.Taster.ID, testPhone); err != nil {
		t.Fatalf("EnsureLink failed: %v", err)
	}
	general := env.login(t, generalCode, testPhone)
	admin := env.login(t, adminCode, "")

	rr := env.do(t, http.MethodPost, "/api/tastings", createTastingRequest{SakeID: env.seed.Sake.ID, Location: "Home"}, general)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create tasting")
	var created struct {
		Tasting models.Tasting `json:"tasting"`
		URL     string         `json:"url"`
	}
	decodeEnvelope(t, rr, &created)
	id := created.Tasting.ID
	if created.Tasting.CreatedBy != env.seed.Taster.ID {
		t.Errorf("creator should default to the caller's taster, got %q", created.Tasting.CreatedBy)
	}
	if created.Tasting.Date == "" || created.URL != "https://sake.example.com/tastings/"+id {
		t.Errorf("unexpected tasting: %+v url=%s", created.Tasting, created.URL)
	}

	bad := []struct {
		name string
		req  createTastingRequest
		want int
	}{
		{"missing sake", createTastingRequest{}, http.StatusBadRequest},
		{"bad date", createTastingRequest{SakeID: env.seed.Sake.ID, Date: "03/01/2024"}, http.StatusBadRequest},
		{"unknown sake", createTastingRequest{SakeID: "nope"}, http.StatusNotFound},
	}
	for _, tt := range bad {
		rr := env.do(t, http.MethodPost, "/api/tastings", tt.req, general)
		testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
	}

	other := models.Sake{Name: "Kokuryu"}
	if err := env.st.CreateSake(ctx, &other); err != nil {
		t.Fatalf("CreateSake failed: %v", err)
	}
	rr = env.do(t, http.MethodPatch, "/api/tastings/"+id, models.TastingUpdate{SakeID: &other.ID}, general)
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "general changes sake")
	rr = env.do(t, http.MethodPatch, "/api/tastings/"+id, models.TastingUpdate{SakeID: &other.ID}, admin)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "admin changes sake")

	loc := "Shibuya"
	rr = env.do(t, http.MethodPatch, "/api/tastings/"+id, models.TastingUpdate{Location: &loc}, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "general edits location")

	rr = env.do(t, http.MethodGet, "/api/tastings/"+id, nil, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get tasting")
	var got struct {
		Tasting models.TastingDetail  `json:"tasting"`
		Images  []models.TastingImage `json:"images"`
	}
	decodeEnvelope(t, rr, &got)
	if got.Tasting.SakeName != "Kokuryu" || got.Tasting.Location != "Shibuya" || got.Images == nil {
		t.Errorf("unexpected detail: %+v images=%v", got.Tasting, got.Images)
	}

	rr = env.do(t, http.MethodGet, "/api/tastings?sake_id="+other.ID, nil, general)
	var list []models.TastingDetail
	decodeEnvelope(t, rr, &list)
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("expected one tasting of Kokuryu, got %+v", list)
	}

	rr = env.do(t, http.MethodDelete, "/api/tastings/"+id, nil, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete tasting")
	rr = env.do(t, http.MethodGet, "/api/tastings/"+id, nil, general)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "deleted tasting")
}

func score(v float64) *float64 { return &v }

func TestRecordScores(t *testing.T) {
	env := newTestEnv(t, nil)
	general := env.login(t, generalCode, "")
	path := "/api/tastings/" + env.seed.Tasting.ID + "/scores"

	invalid := []struct {
		name string
		req  scoresRequest
	}{
		{"empty batch", scoresRequest{}},
		{"missing score", scoresRequest{Scores: []scoreInput{{TasterName: "Kenji"}}}},
		{"out of range", scoresRequest{Scores: []scoreInput{{TasterName: "Kenji", Score: score(8)}, {TasterName: "Aiko", Score: score(11)}}}},
		{"no identity", scoresRequest{Scores: []scoreInput{{Score: score(7)}}}},
	}
	for _, tt := range invalid {
		rr := env.do(t, http.MethodPost, path, tt.req, general)
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
	}
	// A rejected batch writes nothing.
	if scores, _ := env.st.ListScores(context.Background(), store.ScoreFilter{TastingID: env.seed.Tasting.ID}); len(scores) != 0 {
		t.Fatalf("expected no scores after rejected batches, got %d", len(scores))
	}

	rr := env.do(t, http.MethodPost, "/api/tastings/missing/scores",
		scoresRequest{Scores: []scoreInput{{TasterName: "Kenji", Score: score(7)}}}, general)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown tasting")

	req := scoresRequest{Scores: []scoreInput{
		{TasterID: env.seed.Taster.ID, Score: score(9), Notes: "melon, rice"},
		{TasterName: "Aiko", TasterPhone: "+15550002222", Score: score(6.5)},
	}}
	rr = env.do(t, http.MethodPost, path, req, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "record scores")
	var recorded []models.ScoreDetail
	if env := decodeEnvelope(t, rr, &recorded); env.Status != string(models.APIStatusRecorded) {
		t.Errorf("expected recorded status, got %q", env.Status)
	}
	if len(recorded) != 2 || recorded[1].TasterName != "Aiko" {
		t.Fatalf("unexpected recorded scores: %+v", recorded)
	}

	// Re-scoring replaces the previous score.
	rr = env.do(t, http.MethodPost, path, scoresRequest{Scores: []scoreInput{{TasterID: env.seed.Taster.ID, Score: score(8)}}}, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "re-score")
	scores, err := env.st.ListScores(context.Background(), store.ScoreFilter{TastingID: env.seed.Tasting.ID})
	if err != nil || len(scores) != 2 {
		t.Fatalf("expected two scores, got %d, %v", len(scores), err)
	}

	rr = env.do(t, http.MethodGet, "/api/tastings/"+env.seed.Tasting.ID+"/summary", nil, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "summary")
	var summary flow.TastingSummary
	decodeEnvelope(t, rr, &summary)
	if summary.ScoreCount != 2 || summary.AverageScore == nil || *summary.AverageScore != 7.25 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestRateTasting(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/api/tastings/" + env.seed.Tasting.ID + "/rating"
	anonymous := env.login(t, generalCode, "")
	withPhone := env.login(t, generalCode, testPhone)

	tests := []struct {
		name    string
		cookies []*http.Cookie
		req     ratingRequest
		want    int
	}{
		{"missing rating", withPhone, ratingRequest{}, http.StatusBadRequest},
		{"below range", withPhone, ratingRequest{Rating: score(0)}, http.StatusBadRequest},
		{"above range", withPhone, ratingRequest{Rating: score(6)}, http.StatusBadRequest},
		{"no identity", anonymous, ratingRequest{Rating: score(4)}, http.StatusBadRequest},
		{"phone without name creates nobody", withPhone, ratingRequest{Rating: score(4)}, http.StatusBadRequest},
		{"by name", anonymous, ratingRequest{Rating: score(5), TasterName: "Kenji"}, http.StatusOK},
		{"phone and name", withPhone, ratingRequest{Rating: score(3), TasterName: "Yuki"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, path, tt.req, tt.cookies)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}

	// The phone is now linked to Yuki, so a second rating needs no name.
	rr := env.do(t, http.MethodPost, path, ratingRequest{Rating: score(4)}, withPhone)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "linked phone")
	var sd models.ScoreDetail
	decodeEnvelope(t, rr, &sd)
	if sd.TasterName != "Yuki" || sd.Score.Score != 4 {
		t.Errorf("expected Yuki's rating replaced with 4, got %+v", sd)
	}
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	general := env.login(t, generalCode, "")

	if err := env.st.UpsertScore(ctx, &models.Score{TastingID: env.seed.Tasting.ID, TasterID: env.seed.Taster.ID, Score: 9}); err != nil {
		t.Fatalf("UpsertScore failed: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/api/leaderboard?limit=5", nil, general)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "leaderboard")
	var rankings []models.SakeRanking
	decodeEnvelope(t, rr, &rankings)
	if len(rankings) != 1 || rankings[0].Name != "Dassai 23" || rankings[0].AverageScore != 9 {
		t.Errorf("unexpected rankings: %+v", rankings)
	}

	rr = env.do(t, http.MethodGet, "/api/leaderboard?min_tastings=2", nil, general)
	decodeEnvelope(t, rr, &rankings)
	if len(rankings) != 0 {
		t.Errorf("expected min_tastings to filter the single-tasting sake, got %+v", rankings)
	}

	rr = env.do(t, http.MethodGet, "/api/leaderboard?limit=-1", nil, general)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "negative limit")
}

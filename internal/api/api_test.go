package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/SakePipe/internal/auth"
	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/store"
	"github.com/BTreeMap/SakePipe/internal/testutil"
)

const (
	generalCode = "kanpai"
	adminCode   = "toji-only"
	testPhone   = "+15551234567"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	st      *store.SQLiteStore
	seed    testutil.Seed
}

// newTestEnv builds a server on a seeded SQLite store. mutate may fill optional components.
func newTestEnv(t *testing.T, mutate func(*Components), opts ...Option) *testEnv {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	seed := testutil.SeedTestData(t, st)
	issuer, err := auth.NewTokenIssuer("test-session-secret")
	if err != nil {
		t.Fatalf("NewTokenIssuer failed: %v", err)
	}
	comps := Components{Store: st, Issuer: issuer}
	if mutate != nil {
		mutate(&comps)
	}
	opts = append([]Option{WithPasscodes(generalCode, adminCode), WithPublicBaseURL("https://sake.example.com")}, opts...)
	srv := NewServer(comps, opts...)
	return &testEnv{srv: srv, handler: srv.Handler(), st: st, seed: seed}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, method, path, body)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// login returns the cookies of a fresh session.
func (e *testEnv) login(t *testing.T, passcode, phone string) []*http.Cookie {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/login", loginRequest{Passcode: passcode, Phone: phone}, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "login")
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no cookies")
	}
	return cookies
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) envelope {
	t.Helper()
	var env envelope
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &env)
	if dst != nil && len(env.Result) > 0 {
		testutil.MustUnmarshalJSON(t, env.Result, dst)
	}
	return env
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/healthz", nil, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	testutil.AssertJSONResponse(t, rr, "ok")

	env.st.Close()
	rr = env.do(t, http.MethodGet, "/healthz", nil, nil)
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "healthz after close")
}

func TestLoginMeLogout(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/auth/login", loginRequest{Passcode: "wrong"}, nil)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "wrong passcode")

	rr = env.do(t, http.MethodPost, "/api/auth/login", loginRequest{Passcode: generalCode, Phone: "no digits"}, nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid phone")

	cookies := env.login(t, generalCode, "+1 (555) 123-4567")
	rr = env.do(t, http.MethodGet, "/api/auth/me", nil, cookies)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "me")
	var me struct {
		Session sessionInfo `json:"session"`
	}
	decodeEnvelope(t, rr, &me)
	if me.Session.Role != auth.RoleGeneral || me.Session.Phone != testPhone {
		t.Errorf("unexpected session: %+v", me.Session)
	}

	rr = env.do(t, http.MethodPost, "/api/auth/logout", nil, cookies)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "logout")
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge >= 0 {
			t.Errorf("cookie %s not expired on logout", c.Name)
		}
	}
}

func TestMeResolvesLinkedTaster(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.srv.phones.EnsureLink(context.Background(), env.seed.Taster.ID, testPhone); err != nil {
		t.Fatalf("EnsureLink failed: %v", err)
	}
	cookies := env.login(t, generalCode, testPhone)

	rr := env.do(t, http.MethodGet, "/api/auth/me", nil, cookies)
	var me struct {
		Taster *struct {
			Name string `json:"name"`
		} `json:"taster"`
	}
	decodeEnvelope(t, rr, &me)
	if me.Taster == nil || me.Taster.Name != "Kenji" {
		t.Errorf("expected linked taster Kenji, got %+v", me.Taster)
	}
}

func TestSessionAndAdminGuards(t *testing.T) {
	env := newTestEnv(t, nil)
	general := env.login(t, generalCode, "")
	admin := env.login(t, adminCode, "")

	tests := []struct {
		name    string
		method  string
		path    string
		cookies []*http.Cookie
		want    int
	}{
		{"no session", http.MethodGet, "/api/sakes", nil, http.StatusUnauthorized},
		{"tampered session", http.MethodGet, "/api/sakes", []*http.Cookie{{Name: auth.SessionCookieName, Value: "garbage"}}, http.StatusUnauthorized},
		{"general read", http.MethodGet, "/api/sakes", general, http.StatusOK},
		{"general delete sake", http.MethodDelete, "/api/sakes/" + env.seed.Sake.ID, general, http.StatusForbidden},
		{"general image", http.MethodPost, "/api/tastings/" + env.seed.Tasting.ID + "/image", general, http.StatusForbidden},
		{"admin read", http.MethodGet, "/api/sakes/" + env.seed.Sake.ID, admin, http.StatusOK},
		{"unknown route", http.MethodGet, "/api/nothing", admin, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, nil, tt.cookies)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestWriteStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"validation", fmt.Errorf("score 11: %w", models.ErrScoreOutOfRange), http.StatusBadRequest},
		{"other", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		writeStoreError(rr, "test", tt.err)
		testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
	}
}

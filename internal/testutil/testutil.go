// Package testutil provides common test utilities and helpers for SakePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/store"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// NewSQLiteStore opens a migrated SQLite store in a temp dir, closed on cleanup.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "sakepipe.db")))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Seed holds the records created by SeedTestData.
type Seed struct {
	Sake    models.Sake
	Taster  models.Taster
	Tasting models.Tasting
}

// SeedTestData adds one sake, one taster and one tasting of that sake.
func SeedTestData(t *testing.T, st store.Store) Seed {
	t.Helper()
	ctx := context.Background()
	ratio := 23.0

	var seed Seed
	seed.Sake = models.Sake{Name: "Dassai 23", Brewery: "Asahi Shuzo", Prefecture: "Yamaguchi", Grade: "Junmai Daiginjo", PolishingRatio: &ratio}
	if err := st.CreateSake(ctx, &seed.Sake); err != nil {
		t.Fatalf("failed to seed sake: %v", err)
	}
	seed.Taster = models.Taster{Name: "Kenji"}
	if err := st.CreateTaster(ctx, &seed.Taster); err != nil {
		t.Fatalf("failed to seed taster: %v", err)
	}
	seed.Tasting = models.Tasting{SakeID: seed.Sake.ID, Date: "2024-03-01", Location: "Izakaya Kaze", CreatedBy: seed.Taster.ID}
	if err := st.CreateTasting(ctx, &seed.Tasting); err != nil {
		t.Fatalf("failed to seed tasting: %v", err)
	}
	return seed
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAPIResponseHelpers(t *testing.T) {
	ok := Success(map[string]int{"n": 1})
	if ok.Status != "ok" || ok.Result == nil {
		t.Errorf("unexpected success response: %+v", ok)
	}
	e := Error("boom")
	if e.Status != "error" || e.Message != "boom" {
		t.Errorf("unexpected error response: %+v", e)
	}
	r := Recorded("x")
	if r.Status != "recorded" {
		t.Errorf("unexpected recorded response: %+v", r)
	}
}

func TestScoreRanges(t *testing.T) {
	tests := []struct {
		name    string
		check   func(float64) error
		value   float64
		wantErr bool
	}{
		{"batch zero", ValidateBatchScore, 0, false},
		{"batch ten", ValidateBatchScore, 10, false},
		{"batch negative", ValidateBatchScore, -1, true},
		{"batch eleven", ValidateBatchScore, 11, true},
		{"stars one", ValidateStarRating, 1, false},
		{"stars five", ValidateStarRating, 5, false},
		{"stars zero", ValidateStarRating, 0, true},
		{"stars six", ValidateStarRating, 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("got err %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrScoreOutOfRange) {
				t.Errorf("expected ErrScoreOutOfRange, got %v", err)
			}
		})
	}
}

func TestTastingValidate(t *testing.T) {
	ok := Tasting{SakeID: "s1", Date: "2024-03-01"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid tasting, got %v", err)
	}
	if err := (&Tasting{Date: "2024-03-01"}).Validate(); err != ErrMissingSakeID {
		t.Errorf("expected ErrMissingSakeID, got %v", err)
	}
	if err := (&Tasting{SakeID: "s1", Date: "03/01/2024"}).Validate(); err != ErrInvalidDate {
		t.Errorf("expected ErrInvalidDate, got %v", err)
	}
}

func TestSakeUpdateApply(t *testing.T) {
	name := "  Dassai 45 "
	ratio := 45.0
	u := SakeUpdate{Name: &name, PolishingRatio: &ratio}
	if u.Empty() {
		t.Fatal("update should not be empty")
	}
	s := u.Apply(Sake{ID: "s1", Name: "Dassai", Brewery: "Asahi Shuzo"})
	if s.Name != "Dassai 45" || s.Brewery != "Asahi Shuzo" || *s.PolishingRatio != 45 {
		t.Errorf("unexpected sake after update: %+v", s)
	}
	if !(SakeUpdate{}).Empty() {
		t.Error("zero update should be empty")
	}
}

func TestConversationContextRoundTrip(t *testing.T) {
	ctx := ConversationContext{
		ContextKeyLastSakeName: StringValue("Dassai 23"),
		"count":                NumberValue(2),
		"confirmed":            BoolValue(true),
		ContextKeyPendingConfirmations: MapValue(ConversationContext{
			"score": StringValue("9"),
		}),
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back ConversationContext
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back[ContextKeyLastSakeName].String() != "Dassai 23" {
		t.Errorf("string value lost: %+v", back)
	}
	if n, ok := back["count"].Number(); !ok || n != 2 {
		t.Errorf("number value lost: %+v", back["count"])
	}
	nested, ok := back[ContextKeyPendingConfirmations].Map()
	if !ok || nested["score"].String() != "9" {
		t.Errorf("nested map lost: %+v", back[ContextKeyPendingConfirmations])
	}
}

func TestConversationContextRejectsArrays(t *testing.T) {
	var v ContextValue
	if err := json.Unmarshal([]byte(`[1,2]`), &v); err == nil {
		t.Fatal("expected error for array value")
	}

	var c ConversationContext
	if err := json.Unmarshal([]byte(`{"pending_confirmations":[1,2],"last_sake_name":"Dassai 23","nested":{"bad":[3],"ok":true}}`), &c); err != nil {
		t.Fatalf("unsupported keys should be dropped, not fail the load: %v", err)
	}
	if _, ok := c["pending_confirmations"]; ok {
		t.Errorf("array key should be dropped: %+v", c)
	}
	if c["last_sake_name"].String() != "Dassai 23" {
		t.Errorf("decodable keys should survive: %+v", c)
	}
	if _, ok := c["nested"]; ok {
		t.Errorf("a map holding an unsupported value is dropped as a whole: %+v", c)
	}

	c = nil
	if err := json.Unmarshal([]byte(`{"k":null,"j":"v"}`), &c); err != nil {
		t.Fatalf("null entries should be skipped: %v", err)
	}
	if _, ok := c["k"]; ok || c["j"].String() != "v" {
		t.Errorf("unexpected context: %+v", c)
	}
}

func TestConversationContextMergePreservesUntouchedKeys(t *testing.T) {
	base := ConversationContext{
		ContextKeyLastSakeName: StringValue("Juyondai"),
		"location":             StringValue("Tokyo"),
	}
	merged := base.Merge(ConversationContext{ContextKeyLastSakeName: StringValue("Dassai 23")})
	if merged[ContextKeyLastSakeName].String() != "Dassai 23" {
		t.Errorf("update not applied: %+v", merged)
	}
	if merged["location"].String() != "Tokyo" {
		t.Errorf("untouched key lost: %+v", merged)
	}
	if base[ContextKeyLastSakeName].String() != "Juyondai" {
		t.Error("merge must not mutate the receiver")
	}
}

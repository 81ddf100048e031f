package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/SakePipe/internal/models"
)

type fakeMedia struct {
	fail map[string]bool
}

func (f fakeMedia) Resolve(ctx context.Context, url string) (string, error) {
	if f.fail[url] {
		return "", errors.New("404")
	}
	return "data:image/jpeg;base64,AAAA", nil
}

func roles(turns []Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = string(t.Role)
	}
	return strings.Join(parts, ",")
}

func textTurn(role Role, text string) Turn {
	return Turn{Role: role, Content: []ContentBlock{{Text: text}}}
}

func TestMergeTurns(t *testing.T) {
	tests := []struct {
		name  string
		in    []Turn
		roles string
		first string
	}{
		{"alternating unchanged", []Turn{textTurn(RoleUser, "a"), textTurn(RoleAssistant, "b"), textTurn(RoleUser, "c")}, "user,assistant,user", "a"},
		{"user run merged", []Turn{textTurn(RoleUser, "a"), textTurn(RoleUser, "b"), textTurn(RoleAssistant, "c")}, "user,assistant", "a\n\nb"},
		{"empty", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeTurns(tt.in)
			if roles(got) != tt.roles {
				t.Errorf("roles = %q, want %q", roles(got), tt.roles)
			}
			if len(got) > 0 && got[0].Text() != tt.first {
				t.Errorf("first text = %q, want %q", got[0].Text(), tt.first)
			}
		})
	}
}

func TestDropLeadingAssistant(t *testing.T) {
	got := DropLeadingAssistant([]Turn{textTurn(RoleAssistant, "hello"), textTurn(RoleUser, "hi")})
	if roles(got) != "user" {
		t.Errorf("roles = %q", roles(got))
	}
	if got := DropLeadingAssistant([]Turn{textTurn(RoleUser, "hi")}); len(got) != 1 {
		t.Error("user-first turns must be unchanged")
	}
}

func TestBuildTurns(t *testing.T) {
	b := NewMessageBuilder(fakeMedia{fail: map[string]bool{"https://media/broken": true}})
	history := []models.WhatsAppMessage{
		{ID: "1", Direction: models.DirectionOutbound, Body: "Welcome to the club!"},
		{ID: "2", Direction: models.DirectionInbound, Body: "label attached", MediaURLs: []string{"https://media/label", "https://media/broken"}},
		{ID: "3", Direction: models.DirectionInbound, Body: "it's a junmai"},
		{ID: "4", Direction: models.DirectionOutbound, Body: "Lovely!", MediaURLs: []string{"https://media/ignored"}},
		{ID: "5", Direction: models.DirectionOutbound},
	}

	turns, err := b.BuildTurns(context.Background(), history, CurrentMessage{Body: "score it 8"})
	if err != nil {
		t.Fatalf("BuildTurns failed: %v", err)
	}
	if roles(turns) != "user,assistant,user" {
		t.Fatalf("roles = %q", roles(turns))
	}
	images := 0
	for _, c := range turns[0].Content {
		if c.ImageURL != "" {
			images++
		}
	}
	if images != 1 {
		t.Errorf("expected one resolved image, got %d", images)
	}
	if turns[0].Text() != "label attached\n\nit's a junmai" {
		t.Errorf("merged user text = %q", turns[0].Text())
	}
	if len(turns[1].Content) != 1 || turns[1].Content[0].ImageURL != "" {
		t.Error("assistant turns carry text only")
	}

	msgs, err := ChatMessages("system", turns)
	if err != nil {
		t.Fatalf("ChatMessages failed: %v", err)
	}
	if len(msgs) != 4 || msgs[1].OfUser == nil || len(msgs[1].OfUser.Content.OfArrayOfContentParts) != 3 {
		t.Error("image turn should become content parts")
	}
	if msgs[3].OfUser == nil || msgs[3].OfUser.Content.OfString.Value != "score it 8" {
		t.Error("text-only turn should stay a plain string")
	}
}

func TestBuildTurns_EmptyAndCancelled(t *testing.T) {
	b := NewMessageBuilder(nil)
	turns, err := b.BuildTurns(context.Background(), nil, CurrentMessage{Body: "   ", MediaURLs: []string{"https://media/x"}})
	if err != nil || len(turns) != 0 {
		t.Errorf("expected no turns, got %d (%v)", len(turns), err)
	}
	if _, err := ChatMessages("system", turns); !errors.Is(err, ErrEmptyTurns) {
		t.Errorf("expected ErrEmptyTurns, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.BuildTurns(ctx, nil, CurrentMessage{Body: "hi"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

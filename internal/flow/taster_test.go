package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/phone"
	"github.com/BTreeMap/SakePipe/internal/testutil"
)

func TestResolveTaster(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewSQLiteStore(t)
	seed := testutil.SeedTestData(t, st)
	phones := phone.NewResolver(st)

	// Name match, case-insensitive, links the phone.
	got, created, err := ResolveTaster(ctx, st, phones, "kenji", "+1 (555) 123-4567")
	if err != nil || created || got.ID != seed.Taster.ID {
		t.Fatalf("expected name match on seed taster, got %+v created=%v err=%v", got, created, err)
	}

	// The linked phone now wins over a different name.
	got, created, err = ResolveTaster(ctx, st, phones, "Someone Else", testUser)
	if err != nil || created || got.ID != seed.Taster.ID {
		t.Errorf("phone should resolve to seed taster, got %+v created=%v err=%v", got, created, err)
	}

	// Unknown name and phone creates and links.
	got, created, err = ResolveTaster(ctx, st, phones, "Aiko", "+15559876543")
	if err != nil || !created || got.Name != "Aiko" {
		t.Fatalf("expected new taster, got %+v created=%v err=%v", got, created, err)
	}
	res, err := phones.Resolve(ctx, "+15559876543")
	if err != nil || res.TasterID != got.ID {
		t.Errorf("new taster phone not linked: %+v %v", res, err)
	}

	// Unknown name without phone creates without link.
	if _, created, err := ResolveTaster(ctx, st, phones, "Mei", ""); err != nil || !created {
		t.Errorf("expected creation without phone, created=%v err=%v", created, err)
	}

	if _, _, err := ResolveTaster(ctx, st, phones, "  ", "+15550000000"); !errors.Is(err, ErrTasterNameRequired) {
		t.Errorf("expected ErrTasterNameRequired, got %v", err)
	}
	if _, _, err := ResolveTaster(ctx, st, phones, "Kenji", "not a phone"); !errors.Is(err, phone.ErrInvalidPhoneNumber) {
		t.Errorf("expected ErrInvalidPhoneNumber, got %v", err)
	}
}

func TestResolveTasterRelinkSurvivesPreviousOwnerUpdates(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewSQLiteStore(t)
	phones := phone.NewResolver(st)
	tools := NewToolRegistry(st)
	const shared = "+15557654321"

	aki := &models.Taster{Name: "Aki"}
	ben := &models.Taster{Name: "Ben"}
	for _, taster := range []*models.Taster{aki, ben} {
		if err := st.CreateTaster(ctx, taster); err != nil {
			t.Fatalf("CreateTaster failed: %v", err)
		}
	}
	if _, err := phones.EnsureLink(ctx, aki.ID, shared); err != nil {
		t.Fatalf("EnsureLink(Aki) failed: %v", err)
	}
	if _, err := phones.EnsureLink(ctx, ben.ID, shared); err != nil {
		t.Fatalf("EnsureLink(Ben) failed: %v", err)
	}

	// Refreshing Aki's rank cache bumps Aki's updated_at.
	if _, err := tools.TasterRank(ctx, aki.ID); err != nil {
		t.Fatalf("TasterRank failed: %v", err)
	}

	res, err := phones.Resolve(ctx, shared)
	if err != nil || res.TasterID != ben.ID {
		t.Fatalf("phone should resolve to the last linked taster Ben, got %+v %v", res, err)
	}
	got, created, err := ResolveTaster(ctx, st, phones, "Ben", shared)
	if err != nil || created || got.ID != ben.ID {
		t.Fatalf("ResolveTaster should return Ben, got %+v created=%v err=%v", got, created, err)
	}
	if res, _ := phones.Resolve(ctx, shared); res.TasterID != ben.ID {
		t.Errorf("phone was re-linked away from Ben: %+v", res)
	}
}

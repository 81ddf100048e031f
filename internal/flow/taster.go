package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/phone"
	"github.com/BTreeMap/SakePipe/internal/store"
)

// ErrTasterNameRequired is returned when a taster must be created without a name.
var ErrTasterNameRequired = errors.New("taster name is required")

// TasterStore is the slice of the store taster resolution needs.
type TasterStore interface {
	GetTaster(ctx context.Context, id string) (*models.Taster, error)
	FindTasterByName(ctx context.Context, name string) (*models.Taster, error)
	CreateTaster(ctx context.Context, t *models.Taster) error
}

// ResolveTaster finds or creates the taster for (name, rawPhone). The phone wins over the
// name: a phone that already resolves returns that taster whatever name is given. Name
// matching is case-insensitive and exact. Creation links the phone when one is given.
// The bool result reports whether a taster was created.
func ResolveTaster(ctx context.Context, st TasterStore, phones *phone.Resolver, name, rawPhone string) (*models.Taster, bool, error) {
	name = strings.TrimSpace(name)
	rawPhone = strings.TrimSpace(rawPhone)

	var res phone.Resolution
	if rawPhone != "" {
		var err error
		res, err = phones.Resolve(ctx, rawPhone)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve taster phone: %w", err)
		}
		if res.Found() {
			t, err := st.GetTaster(ctx, res.TasterID)
			switch {
			case err == nil:
				ensureLink(ctx, phones, t.ID, rawPhone)
				return t, false, nil
			case errors.Is(err, store.ErrNotFound):
				slog.Warn("ResolveTaster: phone linked to a missing taster, falling back to name", "tasterID", res.TasterID)
			default:
				return nil, false, err
			}
		}
	}

	if name == "" {
		return nil, false, ErrTasterNameRequired
	}

	t, err := st.FindTasterByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if t != nil {
		if rawPhone != "" {
			ensureLink(ctx, phones, t.ID, rawPhone)
		}
		return t, false, nil
	}

	t = &models.Taster{Name: name, PhoneHash: res.Hash}
	if err := st.CreateTaster(ctx, t); err != nil {
		return nil, false, fmt.Errorf("failed to create taster: %w", err)
	}
	if rawPhone != "" {
		ensureLink(ctx, phones, t.ID, rawPhone)
	}
	slog.Info("ResolveTaster: created taster", "tasterID", t.ID, "name", t.Name, "withPhone", rawPhone != "")
	return t, true, nil
}

// ensureLink refreshes the phone link; a failure does not undo the resolution.
func ensureLink(ctx context.Context, phones *phone.Resolver, tasterID, rawPhone string) {
	if _, err := phones.EnsureLink(ctx, tasterID, rawPhone); err != nil {
		slog.Warn("ResolveTaster: failed to refresh phone link", "error", err, "tasterID", tasterID)
	}
}

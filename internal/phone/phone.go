// Package phone normalizes and hashes phone numbers and resolves them to tasters.
//
// Phone numbers are never persisted in clear text for linking: tasters and phone
// links only carry the SHA-256 hash of the normalized number.
package phone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SakePipe/internal/models"
)

// TransportPrefix is the carrier prefix Twilio puts on WhatsApp addresses.
const TransportPrefix = "whatsapp:"

// ErrInvalidPhoneNumber is returned when a phone number contains no digits.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// Normalize strips the transport prefix, keeps a leading "+" and drops every other
// non-digit character. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= len(TransportPrefix) && strings.EqualFold(s[:len(TransportPrefix)], TransportPrefix) {
		s = strings.TrimSpace(s[len(TransportPrefix):])
	}

	var b strings.Builder
	b.Grow(len(s))
	if strings.HasPrefix(s, "+") {
		b.WriteByte('+')
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits == 0 {
		return "", fmt.Errorf("%w: %q has no digits", ErrInvalidPhoneNumber, raw)
	}
	return b.String(), nil
}

// Hash returns the deterministic one-way digest of a normalized phone number.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NormalizeAndHash is a convenience wrapper around Normalize and Hash.
func NormalizeAndHash(raw string) (normalized, hash string, err error) {
	normalized, err = Normalize(raw)
	if err != nil {
		return "", "", err
	}
	return normalized, Hash(normalized), nil
}

// LinkStore is the slice of the store the resolver needs.
type LinkStore interface {
	GetTasterByPhoneHash(ctx context.Context, hash string) (*models.Taster, error)
	GetLatestPhoneLink(ctx context.Context, hash string) (*models.PhoneLink, error)
	UpsertPhoneLink(ctx context.Context, link models.PhoneLink) error
	SetTasterPhoneHash(ctx context.Context, tasterID, hash string) error
}

// Resolution is the result of resolving a phone number.
type Resolution struct {
	NormalizedPhone string
	Hash            string
	TasterID        string // empty when no taster is linked
}

// Found reports whether the phone resolved to a taster.
func (r Resolution) Found() bool { return r.TasterID != "" }

// Resolver maps phone numbers to taster identities.
type Resolver struct {
	store LinkStore
	now   func() time.Time
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store LinkStore) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Resolve looks up the taster by direct hash match, falling back to the most recently
// linked entry in the phone link history.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Resolution, error) {
	normalized, hash, err := NormalizeAndHash(raw)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{NormalizedPhone: normalized, Hash: hash}

	taster, err := r.store.GetTasterByPhoneHash(ctx, hash)
	if err != nil {
		return res, fmt.Errorf("failed to look up taster by phone hash: %w", err)
	}
	if taster != nil {
		res.TasterID = taster.ID
		slog.Debug("Resolver.Resolve: direct hash match", "tasterID", taster.ID)
		return res, nil
	}

	link, err := r.store.GetLatestPhoneLink(ctx, hash)
	if err != nil {
		return res, fmt.Errorf("failed to look up phone link: %w", err)
	}
	if link != nil {
		res.TasterID = link.TasterID
		slog.Debug("Resolver.Resolve: resolved through phone link", "tasterID", link.TasterID, "linkedAt", link.LinkedAt)
		return res, nil
	}

	slog.Debug("Resolver.Resolve: phone not linked to any taster")
	return res, nil
}

// EnsureLink records or refreshes the hash -> taster link and makes the hash the
// taster's primary phone hash. Linking a hash that belonged to another taster
// reassigns it; linked_at records when that happened.
func (r *Resolver) EnsureLink(ctx context.Context, tasterID, raw string) (Resolution, error) {
	normalized, hash, err := NormalizeAndHash(raw)
	if err != nil {
		return Resolution{}, err
	}
	link := models.PhoneLink{PhoneHash: hash, TasterID: tasterID, LinkedAt: r.now().UTC()}
	if err := r.store.UpsertPhoneLink(ctx, link); err != nil {
		return Resolution{}, fmt.Errorf("failed to upsert phone link: %w", err)
	}
	if err := r.store.SetTasterPhoneHash(ctx, tasterID, hash); err != nil {
		return Resolution{}, fmt.Errorf("failed to set taster phone hash: %w", err)
	}
	slog.Info("Resolver.EnsureLink: phone linked", "tasterID", tasterID)
	return Resolution{NormalizedPhone: normalized, Hash: hash, TasterID: tasterID}, nil
}

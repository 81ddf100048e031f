package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SakePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNil unwraps an optional float for a nullable column.
func nilIfNil(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// encodeList stores a string list as a JSON array in a TEXT column.
func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		slog.Warn("store.decodeList: invalid JSON list, ignoring", "error", err)
		return nil
	}
	return out
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sakeColumns = `id, name, brewery, prefecture, grade, type, rice_variety, polishing_ratio, alcohol_percent, smv, bottle_image_urls, created_at, updated_at`

func scanSake(row rowScanner) (models.Sake, error) {
	var s models.Sake
	var brewery, prefecture, grade, typ, rice, images sql.NullString
	var ratio, alcohol, smv sql.NullFloat64
	err := row.Scan(&s.ID, &s.Name, &brewery, &prefecture, &grade, &typ, &rice,
		&ratio, &alcohol, &smv, &images, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.Brewery = brewery.String
	s.Prefecture = prefecture.String
	s.Grade = grade.String
	s.Type = typ.String
	s.RiceVariety = rice.String
	s.PolishingRatio = floatPtr(ratio)
	s.AlcoholPercent = floatPtr(alcohol)
	s.SMV = floatPtr(smv)
	s.BottleImageURLs = decodeList(images)
	return s, nil
}

const tasterColumns = `id, name, phone_hash, profile_image_url, rank_cache, created_at, updated_at`

func scanTaster(row rowScanner) (models.Taster, error) {
	var t models.Taster
	var phoneHash, image, rankCache sql.NullString
	err := row.Scan(&t.ID, &t.Name, &phoneHash, &image, &rankCache, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.PhoneHash = phoneHash.String
	t.ProfileImageURL = image.String
	t.RankCache = rankCache.String
	return t, nil
}

const tastingColumns = `t.id, t.sake_id, t.date, t.location, t.created_by, t.notes, t.created_at, t.updated_at`

func scanTasting(row rowScanner, extra ...interface{}) (models.Tasting, error) {
	var t models.Tasting
	var location, createdBy, notes sql.NullString
	dest := []interface{}{&t.ID, &t.SakeID, &t.Date, &location, &createdBy, &notes, &t.CreatedAt, &t.UpdatedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return t, err
	}
	t.Location = location.String
	t.CreatedBy = createdBy.String
	t.Notes = notes.String
	return t, nil
}

const messageColumns = `id, direction, from_phone, to_phone, body, media_urls, provider_message_id, processed, created_at`

func scanMessage(row rowScanner) (models.WhatsAppMessage, error) {
	var m models.WhatsAppMessage
	var direction string
	var body, media, providerID sql.NullString
	err := row.Scan(&m.ID, &direction, &m.From, &m.To, &body, &media, &providerID, &m.Processed, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.Direction = models.Direction(direction)
	m.Body = body.String
	m.MediaURLs = decodeList(media)
	m.ProviderMessageID = providerID.String
	return m, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.Phone, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// likePattern builds a case-insensitive substring pattern for LIKE.
func likePattern(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	q = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
	return "%" + q + "%"
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

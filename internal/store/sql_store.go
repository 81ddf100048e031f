package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/google/uuid"
)

// Query limits shared by list endpoints and assistant tools.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// sqlStore holds the queries shared by the Postgres and SQLite backends. Queries are
// written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite3"
	now     func() time.Time
}

func newSQLStore(db *sql.DB, dialect string) *sqlStore {
	return &sqlStore{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// rebind converts '?' placeholders into '$n' for Postgres.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Ping checks database connectivity.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("sqlStore.Close: closing database connection", "dialect", s.dialect)
	err := s.db.Close()
	if err != nil {
		slog.Error("sqlStore.Close: failed to close database", "error", err)
	}
	return err
}

func requireAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for %s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// --- sakes ---

func (s *sqlStore) CreateSake(ctx context.Context, sake *models.Sake) error {
	sake.Name = strings.TrimSpace(sake.Name)
	if err := sake.Validate(); err != nil {
		return err
	}
	if sake.ID == "" {
		sake.ID = uuid.NewString()
	}
	now := s.now()
	sake.CreatedAt, sake.UpdatedAt = now, now
	_, err := s.exec(ctx, `INSERT INTO sakes (`+sakeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sake.ID, sake.Name, nilIfEmpty(sake.Brewery), nilIfEmpty(sake.Prefecture), nilIfEmpty(sake.Grade),
		nilIfEmpty(sake.Type), nilIfEmpty(sake.RiceVariety), nilIfNil(sake.PolishingRatio),
		nilIfNil(sake.AlcoholPercent), nilIfNil(sake.SMV), encodeList(sake.BottleImageURLs), now, now)
	if err != nil {
		slog.Error("sqlStore.CreateSake: insert failed", "error", err, "name", sake.Name)
		return fmt.Errorf("failed to insert sake %q: %w", sake.Name, err)
	}
	slog.Debug("sqlStore.CreateSake: inserted", "id", sake.ID, "name", sake.Name)
	return nil
}

func (s *sqlStore) GetSake(ctx context.Context, id string) (*models.Sake, error) {
	sake, err := scanSake(s.queryRow(ctx, `SELECT `+sakeColumns+` FROM sakes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sake %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sake %s: %w", id, err)
	}
	return &sake, nil
}

// FindSakeByName returns nil, nil when no sake has the name (case-insensitive).
func (s *sqlStore) FindSakeByName(ctx context.Context, name string) (*models.Sake, error) {
	sake, err := scanSake(s.queryRow(ctx,
		`SELECT `+sakeColumns+` FROM sakes WHERE LOWER(name) = LOWER(?) ORDER BY created_at ASC LIMIT 1`,
		strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sake by name: %w", err)
	}
	return &sake, nil
}

func (s *sqlStore) ListSakes(ctx context.Context, opts ListOptions) ([]models.Sake, error) {
	q := `SELECT ` + sakeColumns + ` FROM sakes`
	var args []interface{}
	if strings.TrimSpace(opts.Query) != "" {
		q += ` WHERE LOWER(name) LIKE ? ESCAPE '\'`
		args = append(args, likePattern(opts.Query))
	}
	q += ` ORDER BY name ASC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(opts.Limit, DefaultListLimit, MaxListLimit), max(opts.Offset, 0))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sakes: %w", err)
	}
	defer rows.Close()
	var out []models.Sake
	for rows.Next() {
		sake, err := scanSake(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sake row: %w", err)
		}
		out = append(out, sake)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateSake(ctx context.Context, id string, u models.SakeUpdate) (*models.Sake, error) {
	if u.Empty() {
		return nil, models.ErrEmptyUpdate
	}
	current, err := s.GetSake(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := u.Apply(*current)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	_, err = s.exec(ctx, `UPDATE sakes SET name = ?, brewery = ?, prefecture = ?, grade = ?, type = ?, rice_variety = ?,
		polishing_ratio = ?, alcohol_percent = ?, smv = ?, updated_at = ? WHERE id = ?`,
		updated.Name, nilIfEmpty(updated.Brewery), nilIfEmpty(updated.Prefecture), nilIfEmpty(updated.Grade),
		nilIfEmpty(updated.Type), nilIfEmpty(updated.RiceVariety), nilIfNil(updated.PolishingRatio),
		nilIfNil(updated.AlcoholPercent), nilIfNil(updated.SMV), updated.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update sake %s: %w", id, err)
	}
	slog.Debug("sqlStore.UpdateSake: updated", "id", id)
	return &updated, nil
}

func (s *sqlStore) DeleteSake(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM sakes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sake %s: %w", id, err)
	}
	return requireAffected(res, "sake", id)
}

// --- tasters ---

func (s *sqlStore) CreateTaster(ctx context.Context, t *models.Taster) error {
	t.Name = strings.TrimSpace(t.Name)
	if err := models.ValidateTasterName(t.Name); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.exec(ctx, `INSERT INTO tasters (`+tasterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, nilIfEmpty(t.PhoneHash), nilIfEmpty(t.ProfileImageURL), nilIfEmpty(t.RankCache), now, now)
	if err != nil {
		slog.Error("sqlStore.CreateTaster: insert failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to insert taster %q: %w", t.Name, err)
	}
	slog.Debug("sqlStore.CreateTaster: inserted", "id", t.ID)
	return nil
}

func (s *sqlStore) GetTaster(ctx context.Context, id string) (*models.Taster, error) {
	t, err := scanTaster(s.queryRow(ctx, `SELECT `+tasterColumns+` FROM tasters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("taster %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get taster %s: %w", id, err)
	}
	return &t, nil
}

// FindTasterByName returns nil, nil when no taster has the name (case-insensitive).
func (s *sqlStore) FindTasterByName(ctx context.Context, name string) (*models.Taster, error) {
	t, err := scanTaster(s.queryRow(ctx,
		`SELECT `+tasterColumns+` FROM tasters WHERE LOWER(name) = LOWER(?) ORDER BY created_at ASC LIMIT 1`,
		strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find taster by name: %w", err)
	}
	return &t, nil
}

// GetTasterByPhoneHash returns nil, nil when no taster carries the hash as primary.
func (s *sqlStore) GetTasterByPhoneHash(ctx context.Context, hash string) (*models.Taster, error) {
	t, err := scanTaster(s.queryRow(ctx,
		`SELECT `+tasterColumns+` FROM tasters WHERE phone_hash = ? ORDER BY updated_at DESC LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get taster by phone hash: %w", err)
	}
	return &t, nil
}

// SetTasterPhoneHash makes hash the taster's primary phone hash and clears it from any
// other taster in the same transaction, so a hash is primary for at most one taster.
func (s *sqlStore) SetTasterPhoneHash(ctx context.Context, tasterID, hash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin phone hash update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE tasters SET phone_hash = ?, updated_at = ? WHERE id = ?`), hash, s.now(), tasterID)
	if err != nil {
		return fmt.Errorf("failed to set phone hash for taster %s: %w", tasterID, err)
	}
	if err := requireAffected(res, "taster", tasterID); err != nil {
		return err
	}
	cleared, err := tx.ExecContext(ctx, s.rebind(`UPDATE tasters SET phone_hash = NULL WHERE phone_hash = ? AND id <> ?`), hash, tasterID)
	if err != nil {
		return fmt.Errorf("failed to clear previous phone hash owners: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit phone hash update: %w", err)
	}
	if n, _ := cleared.RowsAffected(); n > 0 {
		slog.Info("sqlStore.SetTasterPhoneHash: phone hash moved from previous taster", "tasterID", tasterID, "previousOwners", n)
	}
	return nil
}

func (s *sqlStore) ListTasters(ctx context.Context, opts ListOptions) ([]models.Taster, error) {
	q := `SELECT ` + tasterColumns + ` FROM tasters`
	var args []interface{}
	if strings.TrimSpace(opts.Query) != "" {
		q += ` WHERE LOWER(name) LIKE ? ESCAPE '\'`
		args = append(args, likePattern(opts.Query))
	}
	q += ` ORDER BY name ASC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(opts.Limit, DefaultListLimit, MaxListLimit), max(opts.Offset, 0))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasters: %w", err)
	}
	defer rows.Close()
	var out []models.Taster
	for rows.Next() {
		t, err := scanTaster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan taster row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateTaster(ctx context.Context, id string, u models.TasterUpdate) (*models.Taster, error) {
	if u.Empty() {
		return nil, models.ErrEmptyUpdate
	}
	current, err := s.GetTaster(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := u.Apply(*current)
	if err := models.ValidateTasterName(updated.Name); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	_, err = s.exec(ctx, `UPDATE tasters SET name = ?, profile_image_url = ?, rank_cache = ?, updated_at = ? WHERE id = ?`,
		updated.Name, nilIfEmpty(updated.ProfileImageURL), nilIfEmpty(updated.RankCache), updated.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update taster %s: %w", id, err)
	}
	return &updated, nil
}

func (s *sqlStore) DeleteTaster(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM tasters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete taster %s: %w", id, err)
	}
	return requireAffected(res, "taster", id)
}

// --- phone links ---

// UpsertPhoneLink assigns the hash to the taster, replacing any previous owner.
func (s *sqlStore) UpsertPhoneLink(ctx context.Context, link models.PhoneLink) error {
	if link.LinkedAt.IsZero() {
		link.LinkedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO taster_phone_links (phone_hash, taster_id, linked_at) VALUES (?, ?, ?)
		ON CONFLICT (phone_hash) DO UPDATE SET taster_id = excluded.taster_id, linked_at = excluded.linked_at`,
		link.PhoneHash, link.TasterID, link.LinkedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert phone link for taster %s: %w", link.TasterID, err)
	}
	return nil
}

// GetLatestPhoneLink returns nil, nil when the hash has never been linked.
func (s *sqlStore) GetLatestPhoneLink(ctx context.Context, hash string) (*models.PhoneLink, error) {
	var l models.PhoneLink
	err := s.queryRow(ctx, `SELECT phone_hash, taster_id, linked_at FROM taster_phone_links
		WHERE phone_hash = ? ORDER BY linked_at DESC LIMIT 1`, hash).Scan(&l.PhoneHash, &l.TasterID, &l.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get phone link: %w", err)
	}
	return &l, nil
}

// --- tastings ---

func (s *sqlStore) CreateTasting(ctx context.Context, t *models.Tasting) error {
	if t.Date == "" {
		t.Date = s.now().Format(models.DateLayout)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.exec(ctx, `INSERT INTO tastings (id, sake_id, date, location, created_by, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SakeID, t.Date, nilIfEmpty(t.Location), nilIfEmpty(t.CreatedBy), nilIfEmpty(t.Notes), now, now)
	if err != nil {
		slog.Error("sqlStore.CreateTasting: insert failed", "error", err, "sakeID", t.SakeID)
		return fmt.Errorf("failed to insert tasting for sake %s: %w", t.SakeID, err)
	}
	slog.Debug("sqlStore.CreateTasting: inserted", "id", t.ID, "sakeID", t.SakeID)
	return nil
}

func (s *sqlStore) GetTasting(ctx context.Context, id string) (*models.Tasting, error) {
	t, err := scanTasting(s.queryRow(ctx, `SELECT `+tastingColumns+` FROM tastings t WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tasting %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tasting %s: %w", id, err)
	}
	return &t, nil
}

// GetTastingDetail returns the tasting with its sake name and every score.
func (s *sqlStore) GetTastingDetail(ctx context.Context, id string) (*models.TastingDetail, error) {
	var sakeName string
	t, err := scanTasting(s.queryRow(ctx, `SELECT `+tastingColumns+`, s.name FROM tastings t
		JOIN sakes s ON s.id = t.sake_id WHERE t.id = ?`, id), &sakeName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tasting %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tasting detail %s: %w", id, err)
	}
	scores, err := s.ListScores(ctx, ScoreFilter{TastingID: id, Limit: MaxListLimit})
	if err != nil {
		return nil, err
	}
	return &models.TastingDetail{Tasting: t, SakeName: sakeName, Scores: scores}, nil
}

// ListTastings returns tastings newest first, each with its sake name.
func (s *sqlStore) ListTastings(ctx context.Context, f TastingFilter) ([]models.TastingDetail, error) {
	q := `SELECT ` + tastingColumns + `, s.name FROM tastings t JOIN sakes s ON s.id = t.sake_id`
	var where []string
	var args []interface{}
	if f.SakeID != "" {
		where = append(where, `t.sake_id = ?`)
		args = append(args, f.SakeID)
	}
	if f.TasterID != "" {
		where = append(where, `(t.created_by = ? OR t.id IN (SELECT tasting_id FROM scores WHERE taster_id = ?))`)
		args = append(args, f.TasterID, f.TasterID)
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY t.date DESC, t.created_at DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit, DefaultListLimit, MaxListLimit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tastings: %w", err)
	}
	defer rows.Close()
	var out []models.TastingDetail
	for rows.Next() {
		var sakeName string
		t, err := scanTasting(rows, &sakeName)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tasting row: %w", err)
		}
		out = append(out, models.TastingDetail{Tasting: t, SakeName: sakeName})
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateTasting(ctx context.Context, id string, u models.TastingUpdate) (*models.Tasting, error) {
	if u.Empty() {
		return nil, models.ErrEmptyUpdate
	}
	current, err := s.GetTasting(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := u.Apply(*current)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	_, err = s.exec(ctx, `UPDATE tastings SET sake_id = ?, date = ?, location = ?, notes = ?, updated_at = ? WHERE id = ?`,
		updated.SakeID, updated.Date, nilIfEmpty(updated.Location), nilIfEmpty(updated.Notes), updated.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update tasting %s: %w", id, err)
	}
	return &updated, nil
}

func (s *sqlStore) DeleteTasting(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM tastings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tasting %s: %w", id, err)
	}
	return requireAffected(res, "tasting", id)
}

// --- scores ---

// UpsertScore inserts or overwrites the score of (TastingID, TasterID). Range checks
// belong to the caller since the two entry paths use different scales.
func (s *sqlStore) UpsertScore(ctx context.Context, sc *models.Score) error {
	if len(sc.Notes) > models.MaxNotesLength {
		return models.ErrNotesTooLong
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := s.now()
	sc.UpdatedAt = now
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	_, err := s.exec(ctx, `INSERT INTO scores (id, tasting_id, taster_id, score, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tasting_id, taster_id) DO UPDATE SET score = excluded.score, notes = excluded.notes, updated_at = excluded.updated_at`,
		sc.ID, sc.TastingID, sc.TasterID, sc.Score, nilIfEmpty(sc.Notes), sc.CreatedAt, now)
	if err != nil {
		slog.Error("sqlStore.UpsertScore: upsert failed", "error", err, "tastingID", sc.TastingID, "tasterID", sc.TasterID)
		return fmt.Errorf("failed to upsert score for tasting %s: %w", sc.TastingID, err)
	}
	// On conflict the stored row keeps its original id and created_at.
	err = s.queryRow(ctx, `SELECT id, created_at FROM scores WHERE tasting_id = ? AND taster_id = ?`,
		sc.TastingID, sc.TasterID).Scan(&sc.ID, &sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to read back score for tasting %s: %w", sc.TastingID, err)
	}
	slog.Debug("sqlStore.UpsertScore: upserted", "id", sc.ID, "tastingID", sc.TastingID, "tasterID", sc.TasterID)
	return nil
}

func (s *sqlStore) ListScores(ctx context.Context, f ScoreFilter) ([]models.ScoreDetail, error) {
	q := `SELECT sc.id, sc.tasting_id, sc.taster_id, sc.score, sc.notes, sc.created_at, sc.updated_at, ts.name
		FROM scores sc JOIN tasters ts ON ts.id = sc.taster_id`
	var where []string
	var args []interface{}
	if f.TastingID != "" {
		where = append(where, `sc.tasting_id = ?`)
		args = append(args, f.TastingID)
	}
	if f.TasterID != "" {
		where = append(where, `sc.taster_id = ?`)
		args = append(args, f.TasterID)
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY sc.created_at ASC LIMIT ?`
	args = append(args, clampLimit(f.Limit, DefaultListLimit, MaxListLimit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}
	defer rows.Close()
	var out []models.ScoreDetail
	for rows.Next() {
		var d models.ScoreDetail
		var notes sql.NullString
		if err := rows.Scan(&d.ID, &d.TastingID, &d.TasterID, &d.Score.Score, &notes, &d.CreatedAt, &d.UpdatedAt, &d.TasterName); err != nil {
			return nil, fmt.Errorf("failed to scan score row: %w", err)
		}
		d.Notes = notes.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteScore(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM scores WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete score %s: %w", id, err)
	}
	return requireAffected(res, "score", id)
}

// CountDistinctTastings counts the tastings a taster has scored.
func (s *sqlStore) CountDistinctTastings(ctx context.Context, tasterID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(DISTINCT tasting_id) FROM scores WHERE taster_id = ?`, tasterID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tastings for taster %s: %w", tasterID, err)
	}
	return n, nil
}

// SakeRankings aggregates scores per sake, best average first. Sakes with tastings but
// no scores sort last.
func (s *sqlStore) SakeRankings(ctx context.Context, f RankingFilter) ([]models.SakeRanking, error) {
	minTastings := f.MinTastings
	if minTastings < 1 {
		minTastings = 1
	}
	rows, err := s.query(ctx, `SELECT s.id, s.name, s.brewery, AVG(sc.score) AS avg_score,
			COUNT(DISTINCT t.id) AS tasting_count, COUNT(sc.id) AS score_count
		FROM sakes s
		JOIN tastings t ON t.sake_id = s.id
		LEFT JOIN scores sc ON sc.tasting_id = t.id
		GROUP BY s.id, s.name, s.brewery
		HAVING COUNT(DISTINCT t.id) >= ?
		ORDER BY CASE WHEN AVG(sc.score) IS NULL THEN 1 ELSE 0 END, AVG(sc.score) DESC, s.name ASC
		LIMIT ?`, minTastings, clampLimit(f.Limit, 10, MaxListLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to query sake rankings: %w", err)
	}
	defer rows.Close()
	var out []models.SakeRanking
	for rows.Next() {
		var r models.SakeRanking
		var brewery sql.NullString
		var avg sql.NullFloat64
		if err := rows.Scan(&r.SakeID, &r.Name, &brewery, &avg, &r.TastingCount, &r.ScoreCount); err != nil {
			return nil, fmt.Errorf("failed to scan ranking row: %w", err)
		}
		r.Brewery = brewery.String
		r.AverageScore = avg.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- tasting images ---

func (s *sqlStore) AddTastingImage(ctx context.Context, img *models.TastingImage) error {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	img.CreatedAt = s.now()
	_, err := s.exec(ctx, `INSERT INTO tasting_images (id, tasting_id, object_key, url, source, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		img.ID, img.TastingID, img.ObjectKey, nilIfEmpty(img.URL), string(img.Source), img.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert image for tasting %s: %w", img.TastingID, err)
	}
	return nil
}

func (s *sqlStore) ListTastingImages(ctx context.Context, tastingID string) ([]models.TastingImage, error) {
	rows, err := s.query(ctx, `SELECT id, tasting_id, object_key, url, source, created_at FROM tasting_images
		WHERE tasting_id = ? ORDER BY created_at ASC`, tastingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images for tasting %s: %w", tastingID, err)
	}
	defer rows.Close()
	var out []models.TastingImage
	for rows.Next() {
		var img models.TastingImage
		var url sql.NullString
		var source string
		if err := rows.Scan(&img.ID, &img.TastingID, &img.ObjectKey, &url, &source, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		img.URL = url.String
		img.Source = models.ImageSource(source)
		out = append(out, img)
	}
	return out, rows.Err()
}

// --- conversation ---

// GetConversationState returns nil, nil when the phone has no stored context.
func (s *sqlStore) GetConversationState(ctx context.Context, phone string) (*models.ConversationState, error) {
	var state models.ConversationState
	var raw string
	err := s.queryRow(ctx, `SELECT phone, context, updated_at FROM conversation_state WHERE phone = ?`, phone).
		Scan(&state.Phone, &raw, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation state: %w", err)
	}
	state.Context = models.ConversationContext{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &state.Context); err != nil {
			return nil, fmt.Errorf("failed to decode conversation context: %w", err)
		}
	}
	return &state, nil
}

func (s *sqlStore) UpsertConversationState(ctx context.Context, state models.ConversationState) error {
	if state.Context == nil {
		state.Context = models.ConversationContext{}
	}
	raw, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("failed to encode conversation context: %w", err)
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	_, err = s.exec(ctx, `INSERT INTO conversation_state (phone, context, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (phone) DO UPDATE SET context = excluded.context, updated_at = excluded.updated_at`,
		state.Phone, string(raw), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation state: %w", err)
	}
	return nil
}

func (s *sqlStore) AppendMessage(ctx context.Context, m *models.WhatsAppMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO whatsapp_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Direction), m.From, m.To, nilIfEmpty(m.Body), encodeList(m.MediaURLs),
		nilIfEmpty(m.ProviderMessageID), m.Processed, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append %s message: %w", m.Direction, err)
	}
	return nil
}

// ListMessagesFrom returns the newest messages sent by phone, newest first.
func (s *sqlStore) ListMessagesFrom(ctx context.Context, phone string, limit int) ([]models.WhatsAppMessage, error) {
	return s.listMessages(ctx, `from_phone`, phone, limit)
}

// ListMessagesTo returns the newest messages sent to phone, newest first.
func (s *sqlStore) ListMessagesTo(ctx context.Context, phone string, limit int) ([]models.WhatsAppMessage, error) {
	return s.listMessages(ctx, `to_phone`, phone, limit)
}

func (s *sqlStore) listMessages(ctx context.Context, column, phone string, limit int) ([]models.WhatsAppMessage, error) {
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM whatsapp_messages WHERE `+column+` = ?
		ORDER BY created_at DESC LIMIT ?`, phone, clampLimit(limit, DefaultListLimit, MaxListLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages by %s: %w", column, err)
	}
	defer rows.Close()
	var out []models.WhatsAppMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUnprocessedInbound returns inbound messages recorded since the given time that were
// never marked processed, oldest first.
func (s *sqlStore) ListUnprocessedInbound(ctx context.Context, since time.Time, limit int) ([]models.WhatsAppMessage, error) {
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM whatsapp_messages
		WHERE direction = ? AND processed = ? AND created_at >= ?
		ORDER BY created_at ASC LIMIT ?`,
		string(models.DirectionInbound), false, since.UTC(), clampLimit(limit, DefaultListLimit, MaxListLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed messages: %w", err)
	}
	defer rows.Close()
	var out []models.WhatsAppMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkMessageProcessed(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE whatsapp_messages SET processed = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %s processed: %w", id, err)
	}
	return requireAffected(res, "message", id)
}

// Package store provides storage backends for SakePipe.
//
// Two relational backends share one set of queries: PostgresStore for production and
// SQLiteStore for local development and tests. Both apply their embedded migrations
// on open. Inbound message de-duplication can alternatively be backed by Redis.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/SakePipe/internal/models"
)

// ErrNotFound is returned when a record addressed by id does not exist.
var ErrNotFound = errors.New("record not found")

// Opts holds configuration options for the relational stores.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for the relational stores.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for Postgres URLs and key/value strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// ListOptions bounds a list query.
type ListOptions struct {
	Limit  int
	Offset int
	Query  string // optional case-insensitive substring on the record's name
}

// TastingFilter narrows a tasting history query. Zero fields are ignored.
type TastingFilter struct {
	SakeID   string
	TasterID string // tastings the taster scored or created
	Limit    int
}

// ScoreFilter narrows a score list query. Zero fields are ignored.
type ScoreFilter struct {
	TastingID string
	TasterID  string
	Limit     int
}

// RankingFilter narrows the sake leaderboard.
type RankingFilter struct {
	Limit       int
	MinTastings int
}

// Store is the full relational store used by the assistant and the HTTP API.
type Store interface {
	CreateSake(ctx context.Context, s *models.Sake) error
	GetSake(ctx context.Context, id string) (*models.Sake, error)
	FindSakeByName(ctx context.Context, name string) (*models.Sake, error)
	ListSakes(ctx context.Context, opts ListOptions) ([]models.Sake, error)
	UpdateSake(ctx context.Context, id string, u models.SakeUpdate) (*models.Sake, error)
	DeleteSake(ctx context.Context, id string) error

	CreateTaster(ctx context.Context, t *models.Taster) error
	GetTaster(ctx context.Context, id string) (*models.Taster, error)
	FindTasterByName(ctx context.Context, name string) (*models.Taster, error)
	GetTasterByPhoneHash(ctx context.Context, hash string) (*models.Taster, error)
	SetTasterPhoneHash(ctx context.Context, tasterID, hash string) error
	ListTasters(ctx context.Context, opts ListOptions) ([]models.Taster, error)
	UpdateTaster(ctx context.Context, id string, u models.TasterUpdate) (*models.Taster, error)
	DeleteTaster(ctx context.Context, id string) error

	UpsertPhoneLink(ctx context.Context, link models.PhoneLink) error
	GetLatestPhoneLink(ctx context.Context, hash string) (*models.PhoneLink, error)

	CreateTasting(ctx context.Context, t *models.Tasting) error
	GetTasting(ctx context.Context, id string) (*models.Tasting, error)
	GetTastingDetail(ctx context.Context, id string) (*models.TastingDetail, error)
	ListTastings(ctx context.Context, f TastingFilter) ([]models.TastingDetail, error)
	UpdateTasting(ctx context.Context, id string, u models.TastingUpdate) (*models.Tasting, error)
	DeleteTasting(ctx context.Context, id string) error

	UpsertScore(ctx context.Context, s *models.Score) error
	ListScores(ctx context.Context, f ScoreFilter) ([]models.ScoreDetail, error)
	DeleteScore(ctx context.Context, id string) error
	CountDistinctTastings(ctx context.Context, tasterID string) (int, error)
	SakeRankings(ctx context.Context, f RankingFilter) ([]models.SakeRanking, error)

	AddTastingImage(ctx context.Context, img *models.TastingImage) error
	ListTastingImages(ctx context.Context, tastingID string) ([]models.TastingImage, error)

	GetConversationState(ctx context.Context, phone string) (*models.ConversationState, error)
	UpsertConversationState(ctx context.Context, state models.ConversationState) error
	AppendMessage(ctx context.Context, m *models.WhatsAppMessage) error
	ListMessagesFrom(ctx context.Context, phone string, limit int) ([]models.WhatsAppMessage, error)
	ListMessagesTo(ctx context.Context, phone string, limit int) ([]models.WhatsAppMessage, error)
	MarkMessageProcessed(ctx context.Context, id string) error
	ListUnprocessedInbound(ctx context.Context, since time.Time, limit int) ([]models.WhatsAppMessage, error)

	DedupRepo
	OutboxRepo

	Ping(ctx context.Context) error
	Close() error
}

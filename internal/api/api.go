// Package api provides the HTTP server of SakePipe.
//
// It exposes the Twilio WhatsApp webhook, the passcode login, the streamed web chat and
// the JSON CRUD endpoints for sakes, tasters, tastings and scores. Run wires the store,
// language model, messaging provider and object storage modules behind it.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SakePipe/internal/auth"
	"github.com/BTreeMap/SakePipe/internal/flow"
	"github.com/BTreeMap/SakePipe/internal/genai"
	"github.com/BTreeMap/SakePipe/internal/media"
	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/phone"
	"github.com/BTreeMap/SakePipe/internal/store"
)

// Defaults for Opts.
const (
	DefaultAddr            = ":8080"
	DefaultRankRefreshCron = "30 4 * * *"
	DefaultRateWindow      = time.Minute
	DefaultRedisPrefix     = "sakepipe:"
	DefaultDedupTTL        = 24 * time.Hour
)

func defaultOpts() Opts {
	return Opts{
		Addr:            DefaultAddr,
		RateWindow:      DefaultRateWindow,
		RankRefreshCron: DefaultRankRefreshCron,
	}
}

// Opts holds configuration for the API server and the modules Run wires behind it.
type Opts struct {
	Addr          string
	PublicBaseURL string // base of tasting links sent to users
	SessionSecret string
	Passcodes     auth.Passcodes
	AdminPhones   []string // WhatsApp senders that get admin tools
	SecureCookies bool

	// Twilio provider and webhook. A non-empty auth token enables signature checks
	// against WebhookBaseURL, the origin Twilio calls.
	UseTwilio       bool
	TwilioAuthToken string
	WebhookBaseURL  string
	MediaUsername   string
	MediaPassword   string

	RedisAddr     string
	RedisPassword string
	RateLimit     int // inbound messages per window and phone, 0 disables
	RateWindow    time.Duration

	PromptFile     string
	ProcessTimeout time.Duration
	MaxToolSteps   int
	OutboxPoll     time.Duration
	ObjectStorage  bool

	RankRefreshCron string        // nightly rank cache refresh, empty disables
	ReplayWindow    time.Duration // max age of unanswered messages replayed at startup
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the base of tasting links.
func WithPublicBaseURL(base string) Option {
	return func(o *Opts) { o.PublicBaseURL = base }
}

// WithSessionSecret sets the session signing key.
func WithSessionSecret(secret string) Option {
	return func(o *Opts) { o.SessionSecret = secret }
}

// WithPasscodes sets the general and admin login passcodes.
func WithPasscodes(general, admin string) Option {
	return func(o *Opts) { o.Passcodes = auth.Passcodes{General: general, Admin: admin} }
}

// WithAdminPhones sets the WhatsApp senders treated as admins.
func WithAdminPhones(phones []string) Option {
	return func(o *Opts) { o.AdminPhones = phones }
}

// WithSecureCookies marks session cookies Secure.
func WithSecureCookies(secure bool) Option {
	return func(o *Opts) { o.SecureCookies = secure }
}

// WithTwilioWebhook enables signature validation of the Twilio webhook. baseURL is the
// public origin Twilio calls, e.g. https://sake.example.com.
func WithTwilioWebhook(authToken, baseURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.WebhookBaseURL = baseURL
	}
}

// WithTwilio selects the Twilio provider.
func WithTwilio(enabled bool) Option {
	return func(o *Opts) { o.UseTwilio = enabled }
}

// WithMediaAuth sets the basic auth used to download provider media.
func WithMediaAuth(username, password string) Option {
	return func(o *Opts) {
		o.MediaUsername = username
		o.MediaPassword = password
	}
}

// WithRedis enables Redis-backed dedup and rate limiting.
func WithRedis(addr, password string) Option {
	return func(o *Opts) {
		o.RedisAddr = addr
		o.RedisPassword = password
	}
}

// WithRateLimit limits inbound messages per phone.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(o *Opts) {
		o.RateLimit = limit
		o.RateWindow = window
	}
}

// WithPromptFile loads prompt overrides from a YAML file.
func WithPromptFile(path string) Option {
	return func(o *Opts) { o.PromptFile = path }
}

// WithProcessTimeout bounds the processing of one WhatsApp message.
func WithProcessTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProcessTimeout = d }
}

// WithMaxToolSteps caps the tool-calling rounds of one message.
func WithMaxToolSteps(n int) Option {
	return func(o *Opts) { o.MaxToolSteps = n }
}

// WithOutboxPoll sets the reply outbox poll interval.
func WithOutboxPoll(d time.Duration) Option {
	return func(o *Opts) { o.OutboxPoll = d }
}

// WithObjectStorage enables tasting image storage.
func WithObjectStorage(enabled bool) Option {
	return func(o *Opts) { o.ObjectStorage = enabled }
}

// WithRankRefreshCron schedules the rank cache refresh. An empty expression disables it.
func WithRankRefreshCron(expr string) Option {
	return func(o *Opts) { o.RankRefreshCron = expr }
}

// WithReplayWindow sets how old an unanswered message may be and still get a reply
// after a restart.
func WithReplayWindow(d time.Duration) Option {
	return func(o *Opts) { o.ReplayWindow = d }
}

// InboundHandler accepts inbound WhatsApp messages.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in models.InboundMessage) (bool, error)
}

// WebChat streams web persona replies.
type WebChat interface {
	StreamWebChat(ctx context.Context, msgs []flow.WebMessage, onDelta func(string) error) (string, error)
}

// ImageGenerator renders label art from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (*genai.GeneratedImage, error)
}

// ImageStore persists tasting images.
type ImageStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	URL(ctx context.Context, key string) (string, error)
}

// MediaFetcher downloads images returned by URL.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (*media.Media, error)
}

// Components are the modules the server delegates to. Store and Issuer are required;
// the others disable their routes when nil.
type Components struct {
	Store   store.Store
	Issuer  *auth.TokenIssuer
	Tools   *flow.ToolRegistry
	Inbound InboundHandler
	Chat    WebChat
	Images  ImageGenerator
	Objects ImageStore
	Fetcher MediaFetcher
}

// Server holds the dependencies for the API handlers.
type Server struct {
	st         store.Store
	issuer     *auth.TokenIssuer
	tools      *flow.ToolRegistry
	phones     *phone.Resolver
	inbound    InboundHandler
	chat       WebChat
	images     ImageGenerator
	objects    ImageStore
	fetcher    MediaFetcher
	opts       Opts
	httpServer *http.Server
}

// NewServer creates a new API server with the given components.
func NewServer(c Components, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	tools := c.Tools
	if tools == nil {
		tools = flow.NewToolRegistry(c.Store, flow.WithPublicBaseURL(cfg.PublicBaseURL))
	}
	return &Server{
		st:      c.Store,
		issuer:  c.Issuer,
		tools:   tools,
		phones:  phone.NewResolver(c.Store),
		inbound: c.Inbound,
		chat:    c.Chat,
		images:  c.Images,
		objects: c.Objects,
		fetcher: c.Fetcher,
		opts:    cfg,
	}
}

// Handler returns the routed handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.HandleFunc("POST /webhooks/twilio", s.twilioWebhookHandler)

	mux.HandleFunc("POST /api/auth/login", s.loginHandler)
	mux.HandleFunc("POST /api/auth/logout", s.logoutHandler)
	mux.Handle("GET /api/auth/me", s.requireSession(s.meHandler))
	mux.Handle("POST /api/chat", s.requireSession(s.chatHandler))

	mux.Handle("GET /api/sakes", s.requireSession(s.listSakesHandler))
	mux.Handle("POST /api/sakes", s.requireAdmin(s.createSakeHandler))
	mux.Handle("GET /api/sakes/{id}", s.requireSession(s.getSakeHandler))
	mux.Handle("PATCH /api/sakes/{id}", s.requireAdmin(s.updateSakeHandler))
	mux.Handle("DELETE /api/sakes/{id}", s.requireAdmin(s.deleteSakeHandler))

	mux.Handle("GET /api/tasters", s.requireSession(s.listTastersHandler))
	mux.Handle("POST /api/tasters", s.requireSession(s.createTasterHandler))
	mux.Handle("GET /api/tasters/{id}", s.requireSession(s.getTasterHandler))
	mux.Handle("PATCH /api/tasters/{id}", s.requireSession(s.updateTasterHandler))
	mux.Handle("GET /api/tasters/{id}/rank", s.requireSession(s.tasterRankHandler))

	mux.Handle("GET /api/tastings", s.requireSession(s.listTastingsHandler))
	mux.Handle("POST /api/tastings", s.requireSession(s.createTastingHandler))
	mux.Handle("GET /api/tastings/{id}", s.requireSession(s.getTastingHandler))
	mux.Handle("PATCH /api/tastings/{id}", s.requireSession(s.updateTastingHandler))
	mux.Handle("DELETE /api/tastings/{id}", s.requireSession(s.deleteTastingHandler))
	mux.Handle("GET /api/tastings/{id}/summary", s.requireSession(s.tastingSummaryHandler))
	mux.Handle("POST /api/tastings/{id}/scores", s.requireSession(s.recordScoresHandler))
	mux.Handle("POST /api/tastings/{id}/rating", s.requireSession(s.rateTastingHandler))
	mux.Handle("POST /api/tastings/{id}/image", s.requireAdmin(s.generateImageHandler))

	mux.Handle("GET /api/leaderboard", s.requireSession(s.leaderboardHandler))
	return s.logRequests(mux)
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: API server listening", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Start: HTTP server failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("Server.Start: shutting down API server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Start: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		slog.Warn("Server.healthHandler: store ping failed", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "sakepipe"}))
}

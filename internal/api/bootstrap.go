package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/SakePipe/internal/auth"
	"github.com/BTreeMap/SakePipe/internal/flow"
	"github.com/BTreeMap/SakePipe/internal/genai"
	"github.com/BTreeMap/SakePipe/internal/media"
	"github.com/BTreeMap/SakePipe/internal/messaging"
	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/objectstore"
	"github.com/BTreeMap/SakePipe/internal/phone"
	"github.com/BTreeMap/SakePipe/internal/ratelimit"
	"github.com/BTreeMap/SakePipe/internal/recovery"
	"github.com/BTreeMap/SakePipe/internal/scheduler"
	"github.com/BTreeMap/SakePipe/internal/store"
	"github.com/BTreeMap/SakePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/SakePipe/internal/whatsapp"
)

// Run wires every module from its options and serves until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, objOpts []objectstore.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("Run: configuration applied", "addr", cfg.Addr, "twilio", cfg.UseTwilio, "redis", cfg.RedisAddr != "",
		"rateLimit", cfg.RateLimit, "objectStorage", cfg.ObjectStorage, "admins", len(cfg.AdminPhones))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(storeOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Run: failed to close store", "error", err)
		}
	}()

	genaiClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Error("Run: failed to create GenAI client", "error", err)
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	var fetcherOpts []media.FetcherOption
	if cfg.MediaUsername != "" {
		fetcherOpts = append(fetcherOpts, media.WithBasicAuth(cfg.MediaUsername, cfg.MediaPassword))
	}
	fetcher := media.NewFetcher(fetcherOpts...)

	// Messaging provider. Every send is recorded in the history so later turns see it.
	var provider messaging.Service
	var waService *messaging.WhatsAppService
	if cfg.UseTwilio {
		tw, err := twiliowhatsapp.NewClient(twOpts...)
		if err != nil {
			slog.Error("Run: failed to create Twilio client", "error", err)
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		provider = messaging.NewTwilioService(tw)
		slog.Info("Run: using Twilio WhatsApp provider")
	} else {
		wa, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			slog.Error("Run: failed to create WhatsApp client", "error", err)
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		defer wa.Disconnect()
		waService = messaging.NewWhatsAppService(wa)
		provider = waService
		slog.Info("Run: using whatsmeow WhatsApp provider", "self", wa.SelfNumber())
	}
	recording := messaging.NewRecordingService(provider, st)

	outbox := store.NewOutboxSender(st, messaging.NewOutboxSendFunc(recording), cfg.OutboxPoll)

	handlerOpts := []messaging.ResponseHandlerOption{
		messaging.WithHistory(st),
		messaging.WithOutbox(st),
		messaging.WithDedup(st),
	}
	if cfg.ProcessTimeout > 0 {
		handlerOpts = append(handlerOpts, messaging.WithProcessTimeout(cfg.ProcessTimeout))
	}
	if cfg.RedisAddr != "" {
		dedup, err := store.NewRedisDedup(cfg.RedisAddr, cfg.RedisPassword, DefaultRedisPrefix+"dedup:", DefaultDedupTTL)
		if err != nil {
			return fmt.Errorf("failed to connect Redis dedup: %w", err)
		}
		defer dedup.Close()
		handlerOpts = append(handlerOpts, messaging.WithDedup(dedup))

		if cfg.RateLimit > 0 {
			window := cfg.RateWindow
			if window <= 0 {
				window = DefaultRateWindow
			}
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, DefaultRedisPrefix+"rl:", cfg.RateLimit, window)
			if err != nil {
				return fmt.Errorf("failed to connect Redis rate limiter: %w", err)
			}
			defer limiter.Close()
			handlerOpts = append(handlerOpts, messaging.WithLimiter(limiter))
		}
	} else if cfg.RateLimit > 0 {
		slog.Warn("Run: rate limit configured without Redis, inbound messages are not limited", "limit", cfg.RateLimit)
	}

	var prompts *flow.Prompts
	if cfg.PromptFile != "" {
		if prompts, err = flow.LoadPrompts(cfg.PromptFile); err != nil {
			return fmt.Errorf("failed to load prompts: %w", err)
		}
	}
	var orchOpts []flow.OrchestratorOption
	if cfg.MaxToolSteps > 0 {
		orchOpts = append(orchOpts, flow.WithMaxToolSteps(cfg.MaxToolSteps))
	}
	if cfg.ProcessTimeout > 0 {
		orchOpts = append(orchOpts, flow.WithProcessTimeout(cfg.ProcessTimeout))
	}
	tools := flow.NewToolRegistry(st, flow.WithPublicBaseURL(cfg.PublicBaseURL))
	orchestrator := flow.NewOrchestrator(genaiClient, flow.NewConversationStore(st), flow.NewMessageBuilder(fetcher), tools, prompts, orchOpts...)

	admins := adminSet(cfg.AdminPhones)
	handler := messaging.NewResponseHandler(func(ctx context.Context, in models.InboundMessage, historyID string) (string, error) {
		return orchestrator.ProcessMessage(ctx, flow.Request{
			From:          in.From,
			To:            in.To,
			Body:          in.Body,
			MediaURLs:     in.MediaURLs,
			CorrelationID: in.MessageID,
			Admin:         admins[in.From],
			HistoryID:     historyID,
			Sender:        recording,
		})
	}, handlerOpts...)

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable("outbox", recovery.OutboxRecovery(outbox))
	rm.RegisterRecoverable("inbound", recovery.InboundReplay(st, handler, cfg.ReplayWindow))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Run: recovery finished with errors", "error", err)
	}
	go outbox.Run(ctx)

	if waService != nil {
		if err := waService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start WhatsApp service: %w", err)
		}
		defer waService.Stop()
		handler.Start(ctx, waService.Responses())
	}

	sched := scheduler.NewScheduler(ctx)
	defer sched.Stop()
	if cfg.RankRefreshCron != "" {
		if err := sched.AddJob("rank-refresh", cfg.RankRefreshCron, func(ctx context.Context) error {
			return refreshRankCaches(ctx, st, tools)
		}); err != nil {
			return fmt.Errorf("invalid rank refresh schedule: %w", err)
		}
	}

	comps := Components{
		Store:   st,
		Tools:   tools,
		Inbound: handler,
		Chat:    orchestrator,
		Images:  genaiClient,
		Fetcher: fetcher,
	}
	if cfg.ObjectStorage {
		objects, err := objectstore.NewMinioStore(objOpts...)
		if err != nil {
			slog.Error("Run: failed to create object store", "error", err)
			return fmt.Errorf("failed to create object store: %w", err)
		}
		comps.Objects = objects
	}
	if comps.Issuer, err = auth.NewTokenIssuer(cfg.SessionSecret); err != nil {
		return fmt.Errorf("failed to create session issuer: %w", err)
	}

	server := NewServer(comps, apiOpts...)
	err = server.Start(ctx)
	handler.Wait()
	return err
}

// openStore opens Postgres for Postgres DSNs and SQLite otherwise.
func openStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		st, err := store.NewPostgresStore(opts...)
		if err != nil {
			slog.Error("Run: failed to open Postgres store", "error", err)
			return nil, fmt.Errorf("failed to open Postgres store: %w", err)
		}
		slog.Info("Run: using Postgres store")
		return st, nil
	}
	st, err := store.NewSQLiteStore(opts...)
	if err != nil {
		slog.Error("Run: failed to open SQLite store", "error", err)
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}
	slog.Info("Run: using SQLite store", "dsn", cfg.DSN)
	return st, nil
}

func adminSet(phones []string) map[string]bool {
	set := make(map[string]bool, len(phones))
	for _, raw := range phones {
		n, err := phone.Normalize(raw)
		if err != nil {
			slog.Warn("Run: ignoring invalid admin phone", "error", err)
			continue
		}
		set[n] = true
	}
	return set
}

// refreshRankCaches recomputes the rank label of every taster.
func refreshRankCaches(ctx context.Context, st store.Store, tools *flow.ToolRegistry) error {
	refreshed := 0
	var errs []error
	for offset := 0; ; offset += store.MaxListLimit {
		page, err := st.ListTasters(ctx, store.ListOptions{Limit: store.MaxListLimit, Offset: offset})
		if err != nil {
			return fmt.Errorf("failed to list tasters: %w", err)
		}
		for _, t := range page {
			if _, err := tools.TasterRank(ctx, t.ID); err != nil {
				errs = append(errs, fmt.Errorf("taster %s: %w", t.ID, err))
				continue
			}
			refreshed++
		}
		if len(page) < store.MaxListLimit {
			break
		}
	}
	slog.Info("refreshRankCaches: rank caches refreshed", "tasters", refreshed, "errors", len(errs))
	return errors.Join(errs...)
}

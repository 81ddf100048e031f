package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/BTreeMap/SakePipe/internal/genai"
	"github.com/BTreeMap/SakePipe/internal/models"
)

// Orchestrator defaults.
const (
	DefaultMaxToolSteps   = 8
	DefaultProcessTimeout = 90 * time.Second
)

// ErrProcessTimeout is returned when a request exceeds its wall-clock budget.
var ErrProcessTimeout = errors.New("message processing timed out")

// Request is one inbound WhatsApp message to answer.
type Request struct {
	From          string // sender phone, normalized
	To            string // assistant number
	Body          string
	MediaURLs     []string
	CorrelationID string
	Admin         bool
	HistoryID     string // stored record of this message, excluded from loaded history
	Sender        MessageSender
}

// Orchestrator answers messages with the language model and the tool registry.
type Orchestrator struct {
	genai          genai.ClientInterface
	conversations  *ConversationStore
	builder        *MessageBuilder
	tools          *ToolRegistry
	prompts        *Prompts
	maxToolSteps   int
	processTimeout time.Duration
	historyLimit   int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxToolSteps caps the tool-calling rounds of one request.
func WithMaxToolSteps(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxToolSteps = n
		}
	}
}

// WithProcessTimeout sets the wall-clock budget of one request.
func WithProcessTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.processTimeout = d
		}
	}
}

// WithHistoryLimit sets how many history records are loaded.
func WithHistoryLimit(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// NewOrchestrator creates an Orchestrator. A nil prompts uses the embedded defaults.
func NewOrchestrator(client genai.ClientInterface, conversations *ConversationStore, builder *MessageBuilder, tools *ToolRegistry, prompts *Prompts, opts ...OrchestratorOption) *Orchestrator {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if builder == nil {
		builder = NewMessageBuilder(nil)
	}
	o := &Orchestrator{
		genai:          client,
		conversations:  conversations,
		builder:        builder,
		tools:          tools,
		prompts:        prompts,
		maxToolSteps:   DefaultMaxToolSteps,
		processTimeout: DefaultProcessTimeout,
		historyLimit:   DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessMessage answers one inbound message: load history and context, build turns,
// run the bounded tool loop, fold tool side effects into the context and return the
// reply text.
func (o *Orchestrator) ProcessMessage(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.processTimeout)
	defer cancel()
	start := time.Now()
	log := slog.With("correlationID", req.CorrelationID, "phone", req.From)

	history := o.loadHistory(ctx, req)
	current := o.conversations.LoadContext(ctx, req.From)

	turns, err := o.builder.BuildTurns(ctx, history, CurrentMessage{Body: req.Body, MediaURLs: req.MediaURLs})
	if err != nil {
		log.Error("Orchestrator.ProcessMessage: failed to build turns", "error", err)
		return "", o.wrapTimeout(ctx, fmt.Errorf("failed to build turns: %w", err))
	}
	if len(turns) == 0 {
		log.Info("Orchestrator.ProcessMessage: nothing to answer")
		return o.prompts.FallbackEmptyTurns, nil
	}

	messages, err := ChatMessages(o.prompts.SystemPrompt(current, req.Admin), turns)
	if err != nil {
		return "", err
	}
	tc := ToolContext{Sender: req.Sender, From: req.From, To: req.To, Admin: req.Admin}

	reply, steps, err := o.runToolLoop(ctx, messages, tc, log)
	if err != nil {
		log.Error("Orchestrator.ProcessMessage: model call failed", "error", err, "duration", time.Since(start))
		return "", o.wrapTimeout(ctx, err)
	}

	if updates := contextUpdates(steps); len(updates) > 0 {
		merged := current.Merge(updates)
		if err := o.conversations.SaveContext(ctx, req.From, merged); err != nil {
			log.Error("Orchestrator.ProcessMessage: context not durably updated", "error", err, "keys", updates.Keys())
		} else {
			log.Debug("Orchestrator.ProcessMessage: context updated", "keys", updates.Keys())
		}
	}

	log.Info("Orchestrator.ProcessMessage: completed",
		"duration", time.Since(start), "toolSteps", len(steps), "historyCount", len(history), "replyLength", len(reply))
	if strings.TrimSpace(reply) == "" {
		return o.prompts.FallbackEmptyReply, nil
	}
	return reply, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, req Request) []models.WhatsAppMessage {
	limit := o.historyLimit
	if req.HistoryID != "" {
		limit++
	}
	history := o.conversations.LoadHistory(ctx, req.From, limit)
	if req.HistoryID == "" {
		return history
	}
	out := history[:0]
	for _, m := range history {
		if m.ID != req.HistoryID {
			out = append(out, m)
		}
	}
	if len(out) > o.historyLimit {
		out = out[len(out)-o.historyLimit:]
	}
	return out
}

// runToolLoop calls the model until it answers without tool calls. When the step cap is
// reached the model is asked once more without tools so it must answer.
func (o *Orchestrator) runToolLoop(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tc ToolContext, log *slog.Logger) (string, []models.ToolStep, error) {
	tools := o.tools.Definitions(tc.Admin)
	var steps []models.ToolStep

	for round := 1; round <= o.maxToolSteps; round++ {
		resp, err := o.genai.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			return "", steps, fmt.Errorf("failed to generate response with tools: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			log.Debug("Orchestrator.runToolLoop: final answer", "round", round, "finishReason", resp.FinishReason)
			return resp.Content, steps, nil
		}

		names := make([]string, 0, len(resp.ToolCalls))
		calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			names = append(names, call.Function.Name)
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID:   call.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      call.Function.Name,
					Arguments: string(call.Function.Arguments),
				},
			})
		}
		log.Info("Orchestrator.runToolLoop: executing tools", "round", round, "tools", names)

		assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
		if resp.Content != "" {
			assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(resp.Content)}
		}
		messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		for _, call := range resp.ToolCalls {
			step := models.ToolStep{Call: call}
			result, err := o.tools.Execute(ctx, tc, call)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", steps, ctxErr
				}
				step.Error = err.Error()
				result = ErrorResult(err)
			}
			step.Result = result
			steps = append(steps, step)
			messages = append(messages, openai.ToolMessage(result, call.ID))
		}
	}

	log.Warn("Orchestrator.runToolLoop: tool step cap reached, requesting final answer", "maxToolSteps", o.maxToolSteps)
	reply, err := o.genai.GenerateWithMessages(ctx, messages)
	if err != nil {
		return "", steps, fmt.Errorf("failed to generate final response: %w", err)
	}
	return reply, steps, nil
}

// contextUpdates extracts the context keys set by successful tool calls, later calls winning.
func contextUpdates(steps []models.ToolStep) models.ConversationContext {
	updates := models.ConversationContext{}
	for _, s := range steps {
		if s.Error != "" {
			continue
		}
		switch s.Call.Function.Name {
		case ToolIdentifySake:
			var args identifySakeArgs
			if err := s.Call.Function.Decode(&args); err == nil && strings.TrimSpace(args.Name) != "" {
				updates[models.ContextKeyLastSakeName] = models.StringValue(strings.TrimSpace(args.Name))
			}
		case ToolCreateTasting:
			var args createTastingArgs
			if err := s.Call.Function.Decode(&args); err == nil && args.SakeID != "" {
				updates[models.ContextKeySakeID] = models.StringValue(args.SakeID)
			}
		}
	}
	return updates
}

func (o *Orchestrator) wrapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProcessTimeout, err)
	}
	return err
}

// StreamWebChat answers a web chat conversation with the web persona. No tools are bound
// and no context is persisted. Each text delta is passed to onDelta as it arrives.
func (o *Orchestrator) StreamWebChat(ctx context.Context, msgs []WebMessage, onDelta func(string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.processTimeout)
	defer cancel()

	messages, err := ChatMessages(o.prompts.WebSystemPrompt(), WebTurns(msgs))
	if err != nil {
		return "", err
	}
	start := time.Now()
	reply, err := o.genai.StreamWithMessages(ctx, messages, onDelta)
	if err != nil {
		slog.Error("Orchestrator.StreamWebChat: stream failed", "error", err, "duration", time.Since(start))
		return reply, o.wrapTimeout(ctx, err)
	}
	slog.Info("Orchestrator.StreamWebChat: completed", "duration", time.Since(start), "turns", len(msgs), "replyLength", len(reply))
	return reply, nil
}

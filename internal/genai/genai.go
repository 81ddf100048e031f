// Package genai wraps the OpenAI API for the assistant: tool-calling chat completions,
// streamed persona replies and label-art image generation.
package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults used when no option overrides them.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultImageModel  = "gpt-image-1"
	DefaultImageSize   = "1024x1024"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
)

var (
	// ErrNoChoicesReturned is returned when the model answers with an empty choice list.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoImageReturned is returned when the image model answers without image data.
	ErrNoImageReturned = errors.New("no image returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// chunkStream is the subset of ssestream.Stream used for streamed completions.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// streamService opens a streamed chat completion.
type streamService interface {
	Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream
}

// imageService generates images.
type imageService interface {
	Generate(ctx context.Context, params openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

// completionsAdapter adapts the SDK's completion service to chatService and streamService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

func (a completionsAdapter) Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream {
	return a.svc.NewStreaming(ctx, params)
}

// ClientInterface is the surface the orchestrator and HTTP layer depend on.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
	StreamWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, onDelta func(string) error) (string, error)
	GenerateImage(ctx context.Context, prompt string) (*GeneratedImage, error)
}

// ToolCallResponse is one model step: optional text plus the tool calls it requested.
type ToolCallResponse struct {
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
}

// GeneratedImage holds the decoded image bytes, or a URL when the model returned one.
type GeneratedImage struct {
	Data          []byte
	URL           string
	RevisedPrompt string
}

// Client wraps the OpenAI services used by SakePipe.
type Client struct {
	chat        chatService
	stream      streamService
	images      imageService
	model       string
	imageModel  string
	imageSize   string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	ImageModel  string
	ImageSize   string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithImageModel sets the image model.
func WithImageModel(model string) Option {
	return func(o *Opts) { o.ImageModel = model }
}

// WithImageSize sets the generated image size, e.g. "1024x1024".
func WithImageSize(size string) Option {
	return func(o *Opts) { o.ImageSize = size }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode enables writing every request and response to <stateDir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written under.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		ImageModel:  DefaultImageModel,
		ImageSize:   DefaultImageSize,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	adapter := completionsAdapter{svc: &cli.Chat.Completions}

	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model, "imageModel", cfg.ImageModel, "baseURL", cfg.BaseURL, "debugMode", cfg.DebugMode)
	return &Client{
		chat:        adapter,
		stream:      adapter,
		images:      &cli.Images,
		model:       cfg.Model,
		imageModel:  cfg.ImageModel,
		imageSize:   cfg.ImageSize,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.temperature > 0 {
		p.Temperature = openai.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		p.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	return p
}

// GenerateWithMessages returns the text of a single completion over the given messages.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := c.params(messages)
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.GenerateWithMessages: completion failed", "error", err, "messageCount", len(messages))
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebugLog("GenerateWithMessages", params, resp)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI.GenerateWithMessages: completed", "duration", time.Since(start), "contentLength", len(content))
	return content, nil
}

// GenerateWithTools performs one completion step with the given tools bound.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := c.params(messages)
	if len(tools) > 0 {
		params.Tools = tools
	}
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.GenerateWithTools: completion failed", "error", err, "messageCount", len(messages), "toolCount", len(tools))
		return nil, fmt.Errorf("chat completion with tools failed: %w", err)
	}
	c.writeDebugLog("GenerateWithTools", params, resp)
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	choice := resp.Choices[0]
	out := &ToolCallResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(args),
			},
		})
	}
	slog.Debug("GenAI.GenerateWithTools: completed",
		"duration", time.Since(start),
		"contentLength", len(out.Content),
		"toolCallCount", len(out.ToolCalls),
		"finishReason", out.FinishReason)
	return out, nil
}

// StreamWithMessages streams a completion, calling onDelta for every non-empty text
// fragment, and returns the full text. An onDelta error stops the stream.
func (c *Client) StreamWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, onDelta func(string) error) (string, error) {
	if c.stream == nil {
		return "", fmt.Errorf("streaming not configured")
	}
	stream := c.stream.Stream(ctx, c.params(messages))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return sb.String(), fmt.Errorf("stream consumer failed: %w", err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		slog.Error("GenAI.StreamWithMessages: stream failed", "error", err, "receivedLength", sb.Len())
		return sb.String(), fmt.Errorf("chat completion stream failed: %w", err)
	}
	slog.Debug("GenAI.StreamWithMessages: completed", "contentLength", sb.Len())
	return sb.String(), nil
}

// GenerateImage renders a single image for the prompt.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (*GeneratedImage, error) {
	if c.images == nil {
		return nil, fmt.Errorf("image generation not configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("image prompt is empty")
	}
	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(c.imageModel),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(c.imageSize),
	}
	start := time.Now()
	resp, err := c.images.Generate(ctx, params)
	if err != nil {
		slog.Error("GenAI.GenerateImage: generation failed", "error", err, "model", c.imageModel)
		return nil, fmt.Errorf("image generation failed: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return nil, ErrNoImageReturned
	}
	img := resp.Data[0]
	out := &GeneratedImage{URL: img.URL, RevisedPrompt: img.RevisedPrompt}
	if img.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image data: %w", err)
		}
		out.Data = data
	}
	if len(out.Data) == 0 && out.URL == "" {
		return nil, ErrNoImageReturned
	}
	slog.Debug("GenAI.GenerateImage: completed", "duration", time.Since(start), "bytes", len(out.Data), "hasURL", out.URL != "")
	return out, nil
}

// writeDebugLog dumps one request/response pair as JSON under <stateDir>/debug.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI.writeDebugLog: failed to create debug dir", "error", err, "dir", dir)
		return
	}
	now := time.Now().UTC()
	entry := map[string]interface{}{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("GenAI.writeDebugLog: write failed", "error", err)
	}
}

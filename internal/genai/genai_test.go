package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

// mockChunkStream replays fixed text deltas.
type mockChunkStream struct {
	deltas []string
	idx    int
	err    error
	closed bool
}

func (s *mockChunkStream) Next() bool {
	if s.idx >= len(s.deltas) {
		return false
	}
	s.idx++
	return true
}

func (s *mockChunkStream) Current() openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{
			{Delta: openai.ChatCompletionChunkChoiceDelta{Content: s.deltas[s.idx-1]}},
		},
	}
}

func (s *mockChunkStream) Err() error   { return s.err }
func (s *mockChunkStream) Close() error { s.closed = true; return nil }

type mockStreamService struct {
	stream *mockChunkStream
}

func (m *mockStreamService) Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream {
	return m.stream
}

type mockImageService struct {
	resp *openai.ImagesResponse
	err  error
}

func (m *mockImageService) Generate(ctx context.Context, params openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error) {
	return m.resp, m.err
}

func userMessages(text string) []openai.ChatCompletionMessageParamUnion {
	return []openai.ChatCompletionMessageParamUnion{openai.UserMessage(text)}
}

func TestGenerateWithMessages_Success(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "Hello World"}},
		},
	}
	chat := &mockChatService{resp: mockResp}
	client := &Client{chat: chat, model: "test-model", temperature: 0.3, maxTokens: 50}
	out, err := client.GenerateWithMessages(context.Background(), userMessages("hi"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if string(chat.params.Model) != "test-model" {
		t.Errorf("expected model to be forwarded, got %q", chat.params.Model)
	}
	if len(chat.params.Tools) != 0 {
		t.Errorf("expected no tools, got %d", len(chat.params.Tools))
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithMessages(context.Background(), userMessages("hi"))
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GenerateWithMessages(context.Background(), userMessages("hi"))
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithTools_ParsesToolCalls(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			FinishReason: "tool_calls",
			Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ChatCompletionMessageToolCall{
					{ID: "call_1", Function: openai.ChatCompletionMessageToolCallFunction{Name: "identify_sake", Arguments: `{"name":"Dassai 23"}`}},
					{ID: "call_2", Function: openai.ChatCompletionMessageToolCallFunction{Name: "get_sake_rankings", Arguments: ""}},
				},
			},
		}},
	}
	chat := &mockChatService{resp: mockResp}
	client := &Client{chat: chat, model: "test-model"}
	tools := []openai.ChatCompletionToolParam{{Type: "function"}}

	resp, err := client.GenerateWithTools(context.Background(), userMessages("Dassai 23"), tools)
	if err != nil {
		t.Fatalf("GenerateWithTools failed: %v", err)
	}
	if len(chat.params.Tools) != 1 {
		t.Errorf("expected tools to be bound, got %d", len(chat.params.Tools))
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Function.Name != "identify_sake" || string(resp.ToolCalls[0].Function.Arguments) != `{"name":"Dassai 23"}` {
		t.Errorf("unexpected first call: %+v", resp.ToolCalls[0])
	}
	if string(resp.ToolCalls[1].Function.Arguments) != "{}" {
		t.Errorf("empty arguments should normalize to {}, got %q", resp.ToolCalls[1].Function.Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("expected finish reason tool_calls, got %q", resp.FinishReason)
	}
}

func TestGenerateWithTools_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{}}
	if _, err := client.GenerateWithTools(context.Background(), userMessages("hi"), nil); err != ErrNoChoicesReturned {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestStreamWithMessages(t *testing.T) {
	stream := &mockChunkStream{deltas: []string{"Kan", "", "pai", "!"}}
	client := &Client{stream: &mockStreamService{stream: stream}}

	var got []string
	full, err := client.StreamWithMessages(context.Background(), userMessages("hi"), func(d string) error {
		got = append(got, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamWithMessages failed: %v", err)
	}
	if full != "Kanpai!" {
		t.Errorf("expected full text 'Kanpai!', got %q", full)
	}
	if len(got) != 3 {
		t.Errorf("expected empty deltas to be skipped, got %v", got)
	}
	if !stream.closed {
		t.Error("stream should be closed")
	}
}

func TestStreamWithMessages_ConsumerErrorStops(t *testing.T) {
	stream := &mockChunkStream{deltas: []string{"a", "b", "c"}}
	client := &Client{stream: &mockStreamService{stream: stream}}
	calls := 0
	_, err := client.StreamWithMessages(context.Background(), userMessages("hi"), func(string) error {
		calls++
		return errors.New("client went away")
	})
	if err == nil || calls != 1 {
		t.Errorf("expected stop after first delta, calls=%d err=%v", calls, err)
	}
}

func TestStreamWithMessages_StreamError(t *testing.T) {
	stream := &mockChunkStream{deltas: []string{"a"}, err: errors.New("reset")}
	client := &Client{stream: &mockStreamService{stream: stream}}
	if _, err := client.StreamWithMessages(context.Background(), userMessages("hi"), nil); err == nil {
		t.Error("expected stream error")
	}
}

func TestGenerateImage(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G'}
	client := &Client{
		imageModel: "test-image",
		imageSize:  "1024x1024",
		images: &mockImageService{resp: &openai.ImagesResponse{
			Data: []openai.Image{{B64JSON: base64.StdEncoding.EncodeToString(payload)}},
		}},
	}
	img, err := client.GenerateImage(context.Background(), "a sake label")
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if string(img.Data) != string(payload) {
		t.Errorf("unexpected image data %v", img.Data)
	}

	client.images = &mockImageService{resp: &openai.ImagesResponse{}}
	if _, err := client.GenerateImage(context.Background(), "a sake label"); err != ErrNoImageReturned {
		t.Errorf("expected ErrNoImageReturned, got %v", err)
	}
	if _, err := client.GenerateImage(context.Background(), "  "); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("m"), WithTemperature(0.2), WithMaxTokens(10))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.model != "m" || cli.temperature != 0.2 || cli.maxTokens != 10 {
		t.Errorf("options not applied: %+v", cli)
	}
}

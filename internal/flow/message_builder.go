package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/SakePipe/internal/models"
)

// ErrEmptyTurns is returned when there is nothing to send to the model.
var ErrEmptyTurns = errors.New("no conversation turns to send")

// Role of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlock is either a text block or an embedded image.
type ContentBlock struct {
	Text     string
	ImageURL string // data URL of a normalized image
}

// Turn is one role-tagged unit of content.
type Turn struct {
	Role    Role
	Content []ContentBlock
}

// Text joins the text blocks of the turn.
func (t Turn) Text() string {
	var parts []string
	for _, b := range t.Content {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// MediaResolver turns a provider media URL into an embeddable data URL.
type MediaResolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// CurrentMessage is the just-arrived message.
type CurrentMessage struct {
	Body      string
	MediaURLs []string
}

// MessageBuilder assembles model turns from stored history plus the current message.
type MessageBuilder struct {
	media MediaResolver
}

// NewMessageBuilder creates a MessageBuilder. A nil resolver drops all media.
func NewMessageBuilder(media MediaResolver) *MessageBuilder {
	return &MessageBuilder{media: media}
}

// BuildTurns classifies history records, assembles their content, appends the current
// message, merges adjacent same-role turns and drops a leading assistant turn. The
// result may be empty.
func (b *MessageBuilder) BuildTurns(ctx context.Context, history []models.WhatsAppMessage, current CurrentMessage) ([]Turn, error) {
	turns := make([]Turn, 0, len(history)+1)
	for _, m := range history {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.Direction == models.DirectionInbound {
			if content := b.userContent(ctx, m.Body, m.MediaURLs); len(content) > 0 {
				turns = append(turns, Turn{Role: RoleUser, Content: content})
			}
			continue
		}
		if strings.TrimSpace(m.Body) != "" {
			turns = append(turns, Turn{Role: RoleAssistant, Content: []ContentBlock{{Text: m.Body}}})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if content := b.userContent(ctx, current.Body, current.MediaURLs); len(content) > 0 {
		turns = append(turns, Turn{Role: RoleUser, Content: content})
	}
	return DropLeadingAssistant(MergeTurns(turns)), nil
}

func (b *MessageBuilder) userContent(ctx context.Context, body string, mediaURLs []string) []ContentBlock {
	var content []ContentBlock
	if strings.TrimSpace(body) != "" {
		content = append(content, ContentBlock{Text: body})
	}
	for _, u := range mediaURLs {
		if b.media == nil {
			slog.Debug("MessageBuilder.userContent: no media resolver, skipping", "url", u)
			continue
		}
		dataURL, err := b.media.Resolve(ctx, u)
		if err != nil {
			slog.Warn("MessageBuilder.userContent: media resolution failed, skipping", "error", err, "url", u)
			continue
		}
		content = append(content, ContentBlock{ImageURL: dataURL})
	}
	return content
}

// MergeTurns collapses runs of consecutive same-role turns, keeping content order.
func MergeTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content = append(out[n-1].Content, t.Content...)
			continue
		}
		out = append(out, Turn{Role: t.Role, Content: append([]ContentBlock(nil), t.Content...)})
	}
	return out
}

// DropLeadingAssistant removes a first assistant turn.
func DropLeadingAssistant(turns []Turn) []Turn {
	if len(turns) > 0 && turns[0].Role == RoleAssistant {
		return turns[1:]
	}
	return turns
}

// WebMessage is one turn of the web chat transport.
type WebMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WebTurns converts web chat messages into turns. Unknown roles and blank content are ignored.
func WebTurns(msgs []WebMessage) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch Role(m.Role) {
		case RoleUser, RoleAssistant:
			turns = append(turns, Turn{Role: Role(m.Role), Content: []ContentBlock{{Text: m.Content}}})
		}
	}
	return DropLeadingAssistant(MergeTurns(turns))
}

// ChatMessages prepends the system prompt and converts turns to chat completion messages.
func ChatMessages(systemPrompt string, turns []Turn) ([]openai.ChatCompletionMessageParamUnion, error) {
	if len(turns) == 0 {
		return nil, ErrEmptyTurns
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(systemPrompt))
	}
	for _, t := range turns {
		if t.Role == RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(t.Text()))
			continue
		}
		if !hasImage(t) {
			msgs = append(msgs, openai.UserMessage(t.Text()))
			continue
		}
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(t.Content))
		for _, b := range t.Content {
			if b.ImageURL != "" {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: b.ImageURL}))
			} else if b.Text != "" {
				parts = append(parts, openai.TextContentPart(b.Text))
			}
		}
		msgs = append(msgs, openai.UserMessage(parts))
	}
	return msgs, nil
}

func hasImage(t Turn) bool {
	for _, b := range t.Content {
		if b.ImageURL != "" {
			return true
		}
	}
	return false
}

// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in SakePipe:
// outbound messages, inbound webhook parsing and webhook signature validation.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ProviderName identifies Twilio in stored messages and logs.
const ProviderName = "twilio"

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

const whatsappPrefix = "whatsapp:"

// Sender sends one WhatsApp message and returns the provider message id.
type Sender interface {
	SendMessage(ctx context.Context, from, to, body string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the default sender number, used when SendMessage gets no from.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewClient creates a Twilio client. Missing options fall back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("TwilioClient.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return &Client{
		client:    client,
		fromWhats: cfg.FromWhats,
	}, nil
}

// WhatsAppAddress returns number in Twilio's "whatsapp:+E164" addressing form.
func WhatsAppAddress(number string) string {
	n := strings.TrimSpace(number)
	if strings.HasPrefix(strings.ToLower(n), whatsappPrefix) {
		n = n[len(whatsappPrefix):]
	}
	if n != "" && !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return whatsappPrefix + n
}

// SendMessage sends a WhatsApp message using Twilio API and returns the message SID.
func (c *Client) SendMessage(ctx context.Context, from, to, body string) (string, error) {
	if from == "" {
		from = c.fromWhats
	}
	if from == "" {
		return "", fmt.Errorf("no sender number configured")
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(WhatsAppAddress(from))
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioClient.SendMessage: send failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioClient.SendMessage: message sent", "to", to, "sid", sid)
	return sid, nil
}

// ValidateSignature checks an inbound webhook's X-Twilio-Signature against the full
// request URL and its form parameters.
func ValidateSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioClient.NewRequestValidator(authToken)
	return validator.Validate(fullURL, params, signature)
}

// ParseInbound converts a webhook form into an InboundMessage. Numbers keep Twilio's
// "whatsapp:" prefix; callers normalize them.
func ParseInbound(form url.Values) (models.InboundMessage, error) {
	msg := models.InboundMessage{
		MessageID: form.Get("MessageSid"),
		From:      form.Get("From"),
		To:        form.Get("To"),
		Body:      strings.TrimSpace(form.Get("Body")),
		Provider:  ProviderName,
		Time:      time.Now().Unix(),
	}
	if msg.MessageID == "" {
		msg.MessageID = form.Get("SmsMessageSid")
	}
	if msg.From == "" {
		return msg, fmt.Errorf("missing From")
	}
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	for i := 0; i < numMedia; i++ {
		if u := form.Get("MediaUrl" + strconv.Itoa(i)); u != "" {
			msg.MediaURLs = append(msg.MediaURLs, u)
		}
	}
	return msg, nil
}

// MockClient records sent messages for tests.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
	nextID       int
}

// SentMessage is one recorded send.
type SentMessage struct {
	From string
	To   string
	Body string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendMessage records the message and returns a fake SID.
func (m *MockClient) SendMessage(ctx context.Context, from, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{From: from, To: to, Body: body})
	m.nextID++
	return fmt.Sprintf("SMmock%04d", m.nextID), nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

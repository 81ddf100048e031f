package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Direction of a WhatsApp message relative to the assistant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// WhatsAppMessage is one append-only history record.
type WhatsAppMessage struct {
	ID                string    `json:"id"`
	Direction         Direction `json:"direction"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Body              string    `json:"body,omitempty"`
	MediaURLs         []string  `json:"media_urls,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Processed         bool      `json:"processed"`
	CreatedAt         time.Time `json:"created_at"`
}

// Context keys the assistant reads and writes.
const (
	ContextKeyLastSakeName         = "last_sake_name"
	ContextKeySakeID               = "sake_id"
	ContextKeyPendingConfirmations = "pending_confirmations"
)

// ContextKind enumerates the value kinds a conversation context may hold.
type ContextKind int

const (
	ContextKindString ContextKind = iota
	ContextKindNumber
	ContextKindBool
	ContextKindMap
)

// ContextValue is a closed union of string, number, bool and nested mapping.
type ContextValue struct {
	kind ContextKind
	str  string
	num  float64
	b    bool
	m    ConversationContext
}

// StringValue wraps a string.
func StringValue(s string) ContextValue { return ContextValue{kind: ContextKindString, str: s} }

// NumberValue wraps a number.
func NumberValue(n float64) ContextValue { return ContextValue{kind: ContextKindNumber, num: n} }

// BoolValue wraps a bool.
func BoolValue(b bool) ContextValue { return ContextValue{kind: ContextKindBool, b: b} }

// MapValue wraps a nested mapping.
func MapValue(m ConversationContext) ContextValue { return ContextValue{kind: ContextKindMap, m: m} }

// Kind returns the value kind.
func (v ContextValue) Kind() ContextKind { return v.kind }

// String returns the string payload, or "" for other kinds.
func (v ContextValue) String() string {
	if v.kind != ContextKindString {
		return ""
	}
	return v.str
}

// Number returns the numeric payload and whether the value is a number.
func (v ContextValue) Number() (float64, bool) { return v.num, v.kind == ContextKindNumber }

// Bool returns the bool payload and whether the value is a bool.
func (v ContextValue) Bool() (bool, bool) { return v.b, v.kind == ContextKindBool }

// Map returns the nested mapping and whether the value is a mapping.
func (v ContextValue) Map() (ConversationContext, bool) { return v.m, v.kind == ContextKindMap }

// MarshalJSON encodes the payload as a plain JSON value.
func (v ContextValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ContextKindString:
		return json.Marshal(v.str)
	case ContextKindNumber:
		return json.Marshal(v.num)
	case ContextKindBool:
		return json.Marshal(v.b)
	case ContextKindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(map[string]ContextValue(v.m))
	default:
		return nil, fmt.Errorf("unknown context value kind %d", v.kind)
	}
}

// UnmarshalJSON accepts strings, numbers, booleans and objects. Arrays and null are rejected.
func (v *ContextValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := contextValueFrom(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func contextValueFrom(raw interface{}) (ContextValue, error) {
	switch t := raw.(type) {
	case string:
		return StringValue(t), nil
	case float64:
		return NumberValue(t), nil
	case bool:
		return BoolValue(t), nil
	case map[string]interface{}:
		m := make(ConversationContext, len(t))
		for k, item := range t {
			if item == nil {
				continue
			}
			cv, err := contextValueFrom(item)
			if err != nil {
				return ContextValue{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = cv
		}
		return MapValue(m), nil
	default:
		return ContextValue{}, fmt.Errorf("unsupported context value type %T", raw)
	}
}

// ConversationContext is the small key/value blob carried across one phone's turns.
type ConversationContext map[string]ContextValue

// UnmarshalJSON skips null entries so stored blobs with cleared keys still load. A key
// whose value is outside the supported kinds (an array, say) is dropped and logged; the
// remaining keys still load, so a later save does not lose them.
func (c *ConversationContext) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ConversationContext, len(raw))
	for k, item := range raw {
		if item == nil {
			continue
		}
		cv, err := contextValueFrom(item)
		if err != nil {
			slog.Warn("ConversationContext.UnmarshalJSON: dropping undecodable key", "key", k, "error", err)
			continue
		}
		out[k] = cv
	}
	*c = out
	return nil
}

// Merge returns a new context holding c overlaid by updates. Keys absent from
// updates keep their value from c.
func (c ConversationContext) Merge(updates ConversationContext) ConversationContext {
	out := make(ConversationContext, len(c)+len(updates))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// Keys returns the context keys in sorted order.
func (c ConversationContext) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ConversationState is the persisted context row of one phone number.
type ConversationState struct {
	Phone     string              `json:"phone"`
	Context   ConversationContext `json:"context"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// InboundMessage is one message received from a messaging provider.
type InboundMessage struct {
	MessageID string   `json:"message_id"` // provider id, used for de-duplication
	From      string   `json:"from"`
	To        string   `json:"to"`
	Body      string   `json:"body,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Provider  string   `json:"provider"`
	Time      int64    `json:"time"`
}

// HasContent reports whether the message carries text or media.
func (m InboundMessage) HasContent() bool {
	return m.Body != "" || len(m.MediaURLs) > 0
}

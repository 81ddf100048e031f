package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/phone"
	"github.com/BTreeMap/SakePipe/internal/store"
)

// Tool names.
const (
	ToolSendMessage       = "send_message"
	ToolIdentifySake      = "identify_sake"
	ToolCreateTasting     = "create_tasting"
	ToolRecordScores      = "record_scores"
	ToolLookupTaster      = "lookup_taster"
	ToolGetTastingHistory = "get_tasting_history"
	ToolGetSakeRankings   = "get_sake_rankings"
	ToolGetTasterRank     = "get_taster_rank"
	ToolGetTastingSummary = "get_tasting_summary"
	ToolAdminEditSake     = "admin_edit_sake"
	ToolAdminEditTaster   = "admin_edit_taster"
	ToolAdminEditTasting  = "admin_edit_tasting"
	ToolAdminDeleteRecord = "admin_delete_record"
	ToolAdminListRecords  = "admin_list_records"
)

// Tool defaults.
const (
	DefaultToolHistoryLimit  = 10
	DefaultToolRankingsLimit = 10
	DefaultToolMinTastings   = 1
)

var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrAdminOnly       = errors.New("tool is restricted to admins")
	ErrNoMessaging     = errors.New("messaging is not available in this channel")
	ErrInvalidTable    = errors.New("table must be one of sakes, tasters, tastings, scores")
	ErrMissingArgument = errors.New("missing required argument")
)

// adminTables are the tables the admin tools may touch.
var adminTables = []string{"sakes", "tasters", "tastings", "scores"}

// MessageSender delivers an outbound message and returns the provider message id.
type MessageSender interface {
	SendMessage(ctx context.Context, from, to, body string) (string, error)
}

// ToolContext carries the per-request values a tool may need.
type ToolContext struct {
	Sender MessageSender // nil when the channel cannot send mid-turn updates
	From   string        // the user's normalized phone
	To     string        // the assistant's number
	Admin  bool
}

type toolFunc func(ctx context.Context, tc ToolContext, call models.FunctionCall) (interface{}, error)

type toolSpec struct {
	name        string
	description string
	params      shared.FunctionParameters
	admin       bool
	run         toolFunc
}

// ToolRegistry defines and executes the assistant's tools.
type ToolRegistry struct {
	store         store.Store
	phones        *phone.Resolver
	publicBaseURL string
	specs         []toolSpec
	byName        map[string]toolSpec
}

// ToolOption configures a ToolRegistry.
type ToolOption func(*ToolRegistry)

// WithPublicBaseURL sets the base of tasting detail links.
func WithPublicBaseURL(base string) ToolOption {
	return func(r *ToolRegistry) { r.publicBaseURL = strings.TrimRight(base, "/") }
}

// NewToolRegistry creates the registry over st.
func NewToolRegistry(st store.Store, opts ...ToolOption) *ToolRegistry {
	r := &ToolRegistry{store: st, phones: phone.NewResolver(st)}
	for _, opt := range opts {
		opt(r)
	}
	r.specs = r.buildSpecs()
	r.byName = make(map[string]toolSpec, len(r.specs))
	for _, s := range r.specs {
		r.byName[s.name] = s
	}
	return r
}

// Definitions returns the tool definitions bound for one request. Admin tools are
// included only when admin is set.
func (r *ToolRegistry) Definitions(admin bool) []openai.ChatCompletionToolParam {
	defs := make([]openai.ChatCompletionToolParam, 0, len(r.specs))
	for _, s := range r.specs {
		if s.admin && !admin {
			continue
		}
		defs = append(defs, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        s.name,
				Description: openai.String(s.description),
				Parameters:  s.params,
			},
		})
	}
	return defs
}

// Execute runs one tool call and returns its JSON result.
func (r *ToolRegistry) Execute(ctx context.Context, tc ToolContext, call models.ToolCall) (string, error) {
	tool, ok := r.byName[call.Function.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Function.Name)
	}
	if tool.admin && !tc.Admin {
		return "", fmt.Errorf("%w: %s", ErrAdminOnly, tool.name)
	}
	start := time.Now()
	result, err := tool.run(ctx, tc, call.Function)
	if err != nil {
		slog.Warn("ToolRegistry.Execute: tool failed", "tool", tool.name, "toolCallID", call.ID, "error", err, "duration", time.Since(start))
		return "", err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s result: %w", tool.name, err)
	}
	slog.Debug("ToolRegistry.Execute: tool succeeded", "tool", tool.name, "toolCallID", call.ID, "duration", time.Since(start), "resultLength", len(raw))
	return string(raw), nil
}

// ErrorResult is the tool message sent back to the model when a tool fails.
func ErrorResult(err error) string {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(raw)
}

func (r *ToolRegistry) tastingURL(id string) string {
	return r.publicBaseURL + "/tastings/" + id
}

// --- schema helpers ---

func objectSchema(props map[string]interface{}, required ...string) shared.FunctionParameters {
	if required == nil {
		required = []string{}
	}
	return shared.FunctionParameters{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func numberProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": desc}
}

func integerProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func enumProp(desc string, values []string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc, "enum": values}
}

func requireString(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s", ErrMissingArgument, field)
	}
	return nil
}

func validTable(t string) bool {
	for _, name := range adminTables {
		if t == name {
			return true
		}
	}
	return false
}

func (r *ToolRegistry) buildSpecs() []toolSpec {
	sakeFields := map[string]interface{}{
		"brewery":         stringProp("Brewery that produced the sake"),
		"prefecture":      stringProp("Japanese prefecture of the brewery"),
		"grade":           stringProp("Grade, e.g. junmai daiginjo, ginjo, honjozo"),
		"type":            stringProp("Style, e.g. nigori, genshu, namazake"),
		"rice_variety":    stringProp("Rice variety, e.g. Yamada Nishiki"),
		"polishing_ratio": numberProp("Seimaibuai: percent of the rice grain remaining, lower is more polished"),
		"alcohol_percent": numberProp("Alcohol by volume in percent"),
		"smv":             numberProp("Sake meter value; positive is drier, negative sweeter"),
	}
	withSakeFields := func(extra map[string]interface{}) map[string]interface{} {
		out := make(map[string]interface{}, len(sakeFields)+len(extra))
		for k, v := range sakeFields {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	return []toolSpec{
		{
			name:        ToolSendMessage,
			description: "Send a short status message to the user right now, e.g. 'Looking that up...'. Only for updates during long work; never use it for the final answer.",
			params:      objectSchema(map[string]interface{}{"text": stringProp("Message text")}, "text"),
			run:         r.sendMessage,
		},
		{
			name:        ToolIdentifySake,
			description: "Find a sake by exact name (case-insensitive) or create it when it does not exist yet. Call this whenever a sake is mentioned. Returns the sake and whether it was created.",
			params:      objectSchema(withSakeFields(map[string]interface{}{"name": stringProp("Sake name as written on the label")}), "name"),
			run:         r.identifySake,
		},
		{
			name:        ToolCreateTasting,
			description: "Create a tasting of a sake. Returns the tasting and a link to its page that you should share.",
			params: objectSchema(map[string]interface{}{
				"sake_id":       stringProp("ID of the sake from identify_sake"),
				"date":          stringProp("Tasting date as YYYY-MM-DD; defaults to today"),
				"location":      stringProp("Where the tasting happened"),
				"creator_phone": stringProp("Phone of the person logging the tasting; defaults to the sender"),
				"notes":         stringProp("Free-text notes about the tasting"),
			}, "sake_id"),
			run: r.createTasting,
		},
		{
			name:        ToolRecordScores,
			description: "Record scores (0 to 10) for a tasting. Each entry names a taster; unknown tasters are created. A second score by the same taster overwrites the first. Entries that fail are reported and the rest are still recorded.",
			params: objectSchema(map[string]interface{}{
				"tasting_id": stringProp("ID of the tasting"),
				"scores": map[string]interface{}{
					"type":        "array",
					"description": "Scores to record",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"taster_name":  stringProp("Name of the taster"),
							"taster_phone": stringProp("Phone of the taster, when known"),
							"score":        numberProp("Score from 0 to 10"),
							"notes":        stringProp("Tasting notes of this taster"),
						},
						"required": []string{"taster_name", "score"},
					},
				},
			}, "tasting_id", "scores"),
			run: r.recordScores,
		},
		{
			name:        ToolLookupTaster,
			description: "Find a taster by phone or name, creating them when unknown. A known phone wins over the name.",
			params: objectSchema(map[string]interface{}{
				"name":  stringProp("Taster name"),
				"phone": stringProp("Taster phone number"),
			}, "name"),
			run: r.lookupTaster,
		},
		{
			name:        ToolGetTastingHistory,
			description: "List past tastings, newest first, optionally for one sake or one taster.",
			params: objectSchema(map[string]interface{}{
				"sake_id":   stringProp("Only tastings of this sake"),
				"taster_id": stringProp("Only tastings this taster created or scored"),
				"limit":     integerProp("Maximum number of tastings, default 10"),
			}),
			run: r.getTastingHistory,
		},
		{
			name:        ToolGetSakeRankings,
			description: "Rank sakes by average score.",
			params: objectSchema(map[string]interface{}{
				"limit":        integerProp("Maximum number of sakes, default 10"),
				"min_tastings": integerProp("Exclude sakes tasted fewer times than this, default 1"),
			}),
			run: r.getSakeRankings,
		},
		{
			name:        ToolGetTasterRank,
			description: "Get a taster's rank from the number of distinct tastings they scored, with progress toward the next rank.",
			params:      objectSchema(map[string]interface{}{"taster_id": stringProp("ID of the taster")}, "taster_id"),
			run:         r.getTasterRank,
		},
		{
			name:        ToolGetTastingSummary,
			description: "Summarize a tasting: every score, the average, and which scorers reached a new rank with it.",
			params:      objectSchema(map[string]interface{}{"tasting_id": stringProp("ID of the tasting")}, "tasting_id"),
			run:         r.getTastingSummary,
		},
		{
			name:        ToolAdminEditSake,
			description: "Admin only. Update fields of a sake.",
			params:      objectSchema(withSakeFields(map[string]interface{}{"id": stringProp("Sake ID"), "name": stringProp("New name")}), "id"),
			admin:       true,
			run:         r.adminEditSake,
		},
		{
			name:        ToolAdminEditTaster,
			description: "Admin only. Update fields of a taster.",
			params: objectSchema(map[string]interface{}{
				"id":                stringProp("Taster ID"),
				"name":              stringProp("New display name"),
				"profile_image_url": stringProp("New profile image URL"),
			}, "id"),
			admin: true,
			run:   r.adminEditTaster,
		},
		{
			name:        ToolAdminEditTasting,
			description: "Admin only. Update fields of a tasting, including which sake it refers to.",
			params: objectSchema(map[string]interface{}{
				"id":       stringProp("Tasting ID"),
				"sake_id":  stringProp("New sake ID"),
				"date":     stringProp("New date as YYYY-MM-DD"),
				"location": stringProp("New location"),
				"notes":    stringProp("New notes"),
			}, "id"),
			admin: true,
			run:   r.adminEditTasting,
		},
		{
			name:        ToolAdminDeleteRecord,
			description: "Admin only. Delete one record by ID. Child records are not cleaned up.",
			params: objectSchema(map[string]interface{}{
				"table": enumProp("Table to delete from", adminTables),
				"id":    stringProp("Record ID"),
			}, "table", "id"),
			admin: true,
			run:   r.adminDeleteRecord,
		},
		{
			name:        ToolAdminListRecords,
			description: "Admin only. List records of a table with optional filters.",
			params: objectSchema(map[string]interface{}{
				"table":      enumProp("Table to list", adminTables),
				"limit":      integerProp("Maximum number of records"),
				"query":      stringProp("Name substring filter for sakes and tasters"),
				"sake_id":    stringProp("Sake filter for tastings"),
				"taster_id":  stringProp("Taster filter for tastings and scores"),
				"tasting_id": stringProp("Tasting filter for scores"),
			}, "table"),
			admin: true,
			run:   r.adminListRecords,
		},
	}
}

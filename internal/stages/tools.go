package stages

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfman30/chat-agent/internal/capabilities"
	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/modes"
)

// Tool names exposed to the generator.
const (
	ToolLookupServiceInfo = "lookup_service_info"
	ToolRecordInterest    = "record_interest"
	ToolRequestHandoff    = "request_handoff"
	ToolSendOfferDetails  = "send_offer_details"
	ToolScheduleFollowup  = "schedule_followup"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Service is one catalog entry.
type Service struct {
	Key     string   `yaml:"key"`
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Summary string   `yaml:"summary"`
	Details string   `yaml:"details"`
}

// Catalog is the service information available to tools.
type Catalog struct {
	Services []Service         `yaml:"services"`
	Topics   map[string]string `yaml:"topics"`
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("stages: parse catalog: %w", err)
	}
	for i, s := range c.Services {
		if s.Key == "" || s.Name == "" {
			return nil, fmt.Errorf("stages: catalog service %d needs key and name", i)
		}
	}
	return &c, nil
}

// LoadCatalog reads path, or the embedded catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stages: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Find matches a service by key, name or alias, ignoring case and accents.
func (c *Catalog) Find(query string) (Service, bool) {
	q := modes.Normalize(query)
	if q == "" {
		return Service{}, false
	}
	for _, s := range c.Services {
		if modes.Normalize(s.Key) == q || modes.Normalize(s.Name) == q {
			return s, true
		}
		for _, a := range s.Aliases {
			if modes.Normalize(a) == q {
				return s, true
			}
		}
	}
	for _, s := range c.Services {
		if strings.Contains(modes.Normalize(s.Name), q) {
			return s, true
		}
	}
	return Service{}, false
}

func (c *Catalog) topic(query string) (string, bool) {
	q := modes.Normalize(query)
	for k, v := range c.Topics {
		if modes.Normalize(k) == q || strings.Contains(q, modes.Normalize(k)) {
			return v, true
		}
	}
	return "", false
}

// Toolbox builds the tool handlers registered at startup.
type Toolbox struct {
	catalog   *Catalog
	handoffs  *Handoffs
	publisher Publisher
	now       func() time.Time
}

func NewToolbox(catalog *Catalog, handoffs *Handoffs, publisher Publisher) *Toolbox {
	if catalog == nil {
		catalog = &Catalog{}
	}
	return &Toolbox{catalog: catalog, handoffs: handoffs, publisher: publisher, now: time.Now}
}

// Handlers returns every tool handler.
func (t *Toolbox) Handlers() []capabilities.ToolHandler {
	return []capabilities.ToolHandler{
		capabilities.HandlerFunc{Tool: capabilities.Tool{
			Name:        ToolLookupServiceInfo,
			Description: "Look up general information about a service or topic such as opening hours, location or formats.",
			InputSchema: objectSchema(map[string]any{
				"topic": stringProp("Service name or topic to look up"),
			}, "topic"),
		}, Fn: t.lookupServiceInfo},
		capabilities.HandlerFunc{Tool: capabilities.Tool{
			Name:        ToolRecordInterest,
			Description: "Record that the customer showed interest in a service so the team can follow up.",
			InputSchema: objectSchema(map[string]any{
				"service": stringProp("Service the customer is interested in"),
				"level":   enumProp("How strong the interest is", "low", "medium", "high"),
				"notes":   stringProp("Short notes about what the customer wants"),
			}, "service"),
		}, Fn: t.recordInterest},
		capabilities.HandlerFunc{Tool: capabilities.Tool{
			Name:        ToolRequestHandoff,
			Description: "Hand the conversation to a human team member.",
			InputSchema: objectSchema(map[string]any{
				"reason": stringProp("Why a human is needed"),
			}),
		}, Fn: t.requestHandoff},
		capabilities.HandlerFunc{Tool: capabilities.Tool{
			Name:        ToolSendOfferDetails,
			Description: "Get the detailed description of a service to present to the customer. Never includes prices.",
			InputSchema: objectSchema(map[string]any{
				"service": stringProp("Service to describe"),
			}, "service"),
		}, Fn: t.sendOfferDetails},
		capabilities.HandlerFunc{Tool: capabilities.Tool{
			Name:        ToolScheduleFollowup,
			Description: "Schedule a follow-up message to the customer after a number of hours.",
			InputSchema: objectSchema(map[string]any{
				"after_hours": map[string]any{"type": "integer", "description": "Hours from now, between 1 and 720"},
				"note":        stringProp("What the follow-up is about"),
			}, "after_hours"),
		}, Fn: t.scheduleFollowup},
	}
}

func (t *Toolbox) lookupServiceInfo(_ context.Context, input map[string]any) (string, error) {
	query := stringArg(input, "topic")
	if query == "" {
		return "", fmt.Errorf("topic is required")
	}
	if s, ok := t.catalog.Find(query); ok {
		return s.Name + ": " + s.Summary, nil
	}
	if text, ok := t.catalog.topic(query); ok {
		return text, nil
	}
	return "No information on file for this topic. Offer to check with the team.", nil
}

func (t *Toolbox) recordInterest(ctx context.Context, input map[string]any) (string, error) {
	service := stringArg(input, "service")
	if service == "" {
		return "", fmt.Errorf("service is required")
	}
	level := stringArg(input, "level")
	if level == "" {
		level = "medium"
	}
	rec := events.Record{
		Kind:       events.KindInterest,
		ReasonCode: service,
		Outcome:    level,
		Data:       map[string]any{"notes": stringArg(input, "notes")},
	}
	if pc, ok := runFrom(ctx); ok {
		rec.ConversationID = pc.ConversationID()
		rec.Recipient = pc.SenderID
		rec.Mode = string(pc.Mode)
	}
	publish(ctx, t.publisher, rec)
	return "Interest recorded.", nil
}

func (t *Toolbox) requestHandoff(ctx context.Context, input map[string]any) (string, error) {
	pc, ok := runFrom(ctx)
	if !ok || t.handoffs == nil {
		return "", fmt.Errorf("handoff unavailable")
	}
	reason := stringArg(input, "reason")
	if reason == "" {
		reason = "model_request"
	}
	if err := t.handoffs.Start(ctx, pc, reason); err != nil {
		return "", err
	}
	return "A team member was notified and will take over this conversation.", nil
}

func (t *Toolbox) sendOfferDetails(_ context.Context, input map[string]any) (string, error) {
	s, ok := t.catalog.Find(stringArg(input, "service"))
	if !ok {
		return "", fmt.Errorf("unknown service")
	}
	return s.Name + ": " + s.Details, nil
}

func (t *Toolbox) scheduleFollowup(ctx context.Context, input map[string]any) (string, error) {
	hours, ok := intArg(input, "after_hours")
	if !ok || hours < 1 || hours > 720 {
		return "", fmt.Errorf("after_hours must be between 1 and 720")
	}
	due := t.now().UTC().Add(time.Duration(hours) * time.Hour)
	rec := events.Record{
		Kind:       events.KindFollowup,
		ReasonCode: "model_request",
		Outcome:    "scheduled",
		Data:       map[string]any{"due_at": due.Format(time.RFC3339), "note": stringArg(input, "note")},
	}
	if pc, ok := runFrom(ctx); ok {
		rec.ConversationID = pc.ConversationID()
		rec.Recipient = pc.SenderID
		rec.Mode = string(pc.Mode)
	}
	publish(ctx, t.publisher, rec)
	return fmt.Sprintf("Follow-up scheduled for %s.", due.Format(time.RFC3339)), nil
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func enumProp(desc string, values ...string) map[string]any {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]any{"type": "string", "description": desc, "enum": enum}
}

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return strings.TrimSpace(v)
}

func intArg(input map[string]any, key string) (int, bool) {
	switch v := input[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream names for the two durable channels.
const (
	StreamLifecycle = "module_lifecycle_events"
	StreamBusiness  = "business_events"
)

// Lifecycle event types published by the registry and the plugin loader.
const (
	EventModuleRegistered   = "module.registered"
	EventModulePublished    = "module.published"
	EventModuleDeprecated   = "module.deprecated"
	EventModuleLoading      = "module.loading"
	EventModuleLoaded       = "module.loaded"
	EventModuleInitializing = "module.initializing"
	EventModuleInitialized  = "module.initialized"
	EventModuleStarting     = "module.starting"
	EventModuleStarted      = "module.started"
	EventModuleStopping     = "module.stopping"
	EventModuleStopped      = "module.stopped"
	EventModuleUnloading    = "module.unloading"
	EventModuleUnloaded     = "module.unloaded"
	EventModuleError        = "module.error"
	EventModuleHealthCheck  = "module.health_check"
)

// Event is a single published event. Timestamps travel as ISO-8601 strings
// and the payload is JSON-encoded when the event crosses the stream.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	CompanyID     string         `json:"company_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with a fresh id and correlation id.
func NewEvent(eventType, source string, payload map[string]any) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// ToMap renders the event as a generic map with an ISO-8601 timestamp.
func (e *Event) ToMap() map[string]any {
	out := map[string]any{
		"id":             e.ID,
		"type":           e.Type,
		"source":         e.Source,
		"correlation_id": e.CorrelationID,
		"timestamp":      e.Timestamp.Format(time.RFC3339Nano),
	}
	if e.CompanyID != "" {
		out["company_id"] = e.CompanyID
	}
	if e.Payload != nil {
		out["payload"] = e.Payload
	}
	return out
}

// EventFromMap reconstructs an event from its generic map form.
func EventFromMap(raw map[string]any) (*Event, error) {
	e := &Event{}
	var ok bool
	if e.Type, ok = raw["type"].(string); !ok || e.Type == "" {
		return nil, fmt.Errorf("event is missing a type")
	}
	e.ID, _ = raw["id"].(string)
	e.Source, _ = raw["source"].(string)
	e.CompanyID, _ = raw["company_id"].(string)
	e.CorrelationID, _ = raw["correlation_id"].(string)

	if ts, ok := raw["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid event timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}

	if payload, ok := raw["payload"].(map[string]any); ok {
		e.Payload = payload
	}

	return e, nil
}

// ToStreamValues flattens the event into the string-keyed map shape the
// stream transport requires. The payload is JSON-encoded as a string value.
func (e *Event) ToStreamValues() (map[string]interface{}, error) {
	values := map[string]interface{}{
		"id":             e.ID,
		"type":           e.Type,
		"source":         e.Source,
		"company_id":     e.CompanyID,
		"correlation_id": e.CorrelationID,
		"timestamp":      e.Timestamp.Format(time.RFC3339Nano),
	}

	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	values["payload"] = string(encoded)

	return values, nil
}

// EventFromStreamValues reconstructs an event read back off a stream.
func EventFromStreamValues(values map[string]interface{}) (*Event, error) {
	get := func(key string) string {
		if s, ok := values[key].(string); ok {
			return s
		}
		return ""
	}

	e := &Event{
		ID:            get("id"),
		Type:          get("type"),
		Source:        get("source"),
		CompanyID:     get("company_id"),
		CorrelationID: get("correlation_id"),
	}
	if e.Type == "" {
		return nil, fmt.Errorf("stream entry is missing an event type")
	}

	if ts := get("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid event timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}

	if raw := get("payload"); raw != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
	}

	return e, nil
}

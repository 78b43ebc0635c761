package audit

import (
	"encoding/json"
		"sort"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Config defines audit logging configuration
type Config struct {
	Enabled   bool                   `json:"enabled" yaml:"enabled"`
	Namespace string                 `json:"namespace" yaml:"namespace"`
	Type      ConfigType             `json:"type" yaml:"type"`       // "file", "syslog"
	Options   map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel  string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Actions recorded by the envelope engine.
const (
	ActionLoad       = "envelope_load"
	ActionSave       = "envelope_save"
	ActionRemove     = "envelope_remove"
	ActionReencrypt  = "envelope_reencrypt"
	ActionExpired    = "envelope_expired"
	ActionFallback   = "fallback_cipher"
	ActionDecryptErr = "envelope_decrypt_failure"
)

// Logger interface for pluggable audit implementations.
// Metadata must never carry secrets, key material or plaintext values.
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Namespace string                 `json:"namespace"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Key       string                 `json:"key,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Namespace string
	Since     *time.Time
	Until     *time.Time
	Action    string
	Success   *bool // nil = all, true = only success, false = only failures
	Key       string
	Limit     int
	Offset    int
	Security  bool // only reencrypt, fallback and decrypt failure events
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, errors.NotSupportedf("audit provider %q", config.Type)
	}
}

func newEvent(namespace, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Namespace: namespace,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}
	if key, ok := metadata["key"].(string); ok {
		event.Key = key
	}
	if errText, ok := metadata["error"].(string); ok {
		event.Error = errText
	}
	return event
}

// matches reports whether event passes every filter set in o.
func (o QueryOptions) matches(event Event) bool {
	switch {
	case o.Namespace != "" && event.Namespace != o.Namespace:
		return false
	case o.Since != nil && event.Timestamp.Before(*o.Since):
		return false
	case o.Until != nil && event.Timestamp.After(*o.Until):
		return false
	case o.Action != "" && event.Action != o.Action:
		return false
	case o.Success != nil && event.Success != *o.Success:
		return false
	case o.Key != "" && event.Key != o.Key:
		return false
	case o.Security && !isSecurityAction(event.Action):
		return false
	}
	return true
}

func (o QueryOptions) filter(events []Event) []Event {
	var matched []Event
	for _, event := range events {
		if o.matches(event) {
			matched = append(matched, event)
		}
	}
	return matched
}

// page sorts matched events newest first and cuts the Offset/Limit window.
func (o QueryOptions) page(matched []Event, total int) QueryResult {
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	start := o.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if o.Limit > 0 && start+o.Limit < end {
		end = start + o.Limit
	}

	return QueryResult{
		Events:     matched[start:end],
		TotalCount: total,
		Filtered:   len(matched),
		HasMore:    end < len(matched),
	}
}

// isSecurityAction reports whether an action touches key material handling.
func isSecurityAction(action string) bool {
	switch action {
	case ActionReencrypt, ActionFallback, ActionDecryptErr:
		return true
	}
	return false
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(json.Unmarshal(jsonData, target))
}

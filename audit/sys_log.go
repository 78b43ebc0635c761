package audit

import (
	"encoding/json"
	"log/syslog"
	"sync"

	"github.com/juju/errors"
)

var _ Logger = (*SyslogLogger)(nil)

const syslogPrefix = "SEALKV_AUDIT: "

type SyslogOptions struct {
	Network string `json:"network"` // "tcp", "udp" or "" for the local daemon
	Address string `json:"address"` // "localhost:514"
	Tag     string `json:"tag"`
}

// SyslogLogger forwards events to syslog. The daemon cannot be read back, so
// Query only sees the events this logger wrote since it was created.
type SyslogLogger struct {
	namespace string
	minLevel  syslog.Priority

	mu     sync.Mutex
	writer *syslog.Writer
	recent []Event
}

// NewSyslogLogger creates a new syslog audit logger with options
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, errors.NotValidf("nil syslog config")
	}

	var opts SyslogOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, errors.Annotate(err, "invalid syslog logger options")
	}
	if opts.Tag == "" {
		opts.Tag = "sealkv-audit"
	}

	var (
		writer *syslog.Writer
		err    error
	)
	if opts.Network != "" && opts.Address != "" {
		writer, err = syslog.Dial(opts.Network, opts.Address, syslog.LOG_INFO|syslog.LOG_AUTH, opts.Tag)
	} else {
		writer, err = syslog.New(syslog.LOG_INFO|syslog.LOG_AUTH, opts.Tag)
	}
	if err != nil {
		return nil, errors.Annotate(err, "connecting to syslog")
	}

	return &SyslogLogger{
		namespace: config.Namespace,
		minLevel:  levelThreshold(config.LogLevel),
		writer:    writer,
	}, nil
}

// levelThreshold maps a log level name to the least severe priority written.
func levelThreshold(level string) syslog.Priority {
	switch level {
	case "error":
		return syslog.LOG_ERR
	case "warn", "warning":
		return syslog.LOG_WARNING
	case "notice":
		return syslog.LOG_NOTICE
	default:
		return syslog.LOG_INFO
	}
}

// severity ranks an event: failures with an error are errors, other failures
// warnings, security events notices, the rest informational.
func severity(event Event) syslog.Priority {
	switch {
	case !event.Success && event.Error != "":
		return syslog.LOG_ERR
	case !event.Success:
		return syslog.LOG_WARNING
	case isSecurityAction(event.Action):
		return syslog.LOG_NOTICE
	default:
		return syslog.LOG_INFO
	}
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(s.namespace, action, success, metadata)
	event.Source = "sealkv"

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, event)
	if len(s.recent) > recentEvents {
		s.recent = s.recent[len(s.recent)-recentEvents:]
	}

	level := severity(event)
	if level > s.minLevel {
		return nil
	}
	if s.writer == nil {
		return errors.New("syslog logger closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Annotate(err, "serializing audit event")
	}
	message := syslogPrefix + string(payload)

	switch level {
	case syslog.LOG_ERR:
		return s.writer.Err(message)
	case syslog.LOG_WARNING:
		return s.writer.Warning(message)
	case syslog.LOG_NOTICE:
		return s.writer.Notice(message)
	default:
		return s.writer.Info(message)
	}
}

func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return options.page(options.filter(s.recent), len(s.recent)), nil
}

func (s *SyslogLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

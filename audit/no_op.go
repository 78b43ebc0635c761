package audit

var _ Logger = (*NoOpLogger)(nil)

// NoOpLogger drops every event. Bindings use it when no audit logger is
// configured, so Query always comes back empty.
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return new(NoOpLogger)
}

func (*NoOpLogger) Log(string, bool, map[string]interface{}) error { return nil }

func (*NoOpLogger) Query(QueryOptions) (QueryResult, error) { return QueryResult{}, nil }

func (*NoOpLogger) Close() error { return nil }

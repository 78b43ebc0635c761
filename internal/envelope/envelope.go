// Package envelope is the backend wire format: a JSON object carrying the cipher
// blob and an optional absolute expiry in epoch milliseconds.
//
//	{"data":"<base64 blob>","expires":1735689600000}
//
// It is the only thing ever written to a storage backend.
package envelope

import (
	"bytes"
	"encoding/json"
	"time"
)

// Envelope is one stored record.
type Envelope struct {
	Data    string `json:"data"`
	Expires *int64 `json:"expires,omitempty"`
}

// Encode serializes blob with an optional expiry. Output is deterministic for
// identical inputs.
func Encode(blob string, expiresAt *time.Time) string {
	env := Envelope{Data: blob}
	if expiresAt != nil {
		ms := expiresAt.UnixMilli()
		env.Expires = &ms
	}
	// a struct of a string and an int64 cannot fail to marshal
	out, _ := json.Marshal(env)
	return string(out)
}

// Decode parses raw backend content. It never fails loudly: anything that is not
// a JSON object with a non-empty string "data" (and, if present, an integer
// "expires") reports ok == false so callers can treat it as absent.
func Decode(raw string) (env Envelope, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return Envelope{}, false
	}

	data, found := fields["data"]
	if !found || json.Unmarshal(data, &env.Data) != nil || env.Data == "" {
		return Envelope{}, false
	}

	if expires, found := fields["expires"]; found && !bytes.Equal(bytes.TrimSpace(expires), []byte("null")) {
		var ms int64
		if err := json.Unmarshal(expires, &ms); err != nil {
			return Envelope{}, false
		}
		env.Expires = &ms
	}

	return env, true
}

// Expired reports whether the envelope carries an expiry that now has passed.
func (e Envelope) Expired(now time.Time) bool {
	return e.Expires != nil && now.UnixMilli() > *e.Expires
}

// ExpiresAt returns the expiry as a time, or nil when the envelope never expires.
func (e Envelope) ExpiresAt() *time.Time {
	if e.Expires == nil {
		return nil
	}
	t := time.UnixMilli(*e.Expires)
	return &t
}

package config

import (
	"fmt"
	"strings"
	"time"
)

// FieldError is one rejected configuration key.
type FieldError struct {
	Key    string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationErrors) add(key, reason string) {
	e.Fields = append(e.Fields, FieldError{Key: key, Reason: reason})
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Reason))
	}
	return sb.String()
}

// Validate checks every key and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Server.Port == "" {
		errs.add("server.port", "is required")
	}
	if c.Database.Path == "" {
		errs.add("database.path", "is required")
	}
	if c.Auth.Secret == "" {
		errs.add("auth.secret", "is required (set FORUMLIVE_AUTH_SECRET env var)")
	}
	if c.Checkpoint.IDIncrement < 1 {
		errs.add("checkpoint.id_increment", "must be >= 1")
	}
	if c.Checkpoint.SessionBase < 0 {
		errs.add("checkpoint.session_base", "must be >= 0")
	}
	if c.Checkpoint.CleanFrequency < 0 {
		errs.add("checkpoint.clean_frequency", "must be >= 0")
	}
	if c.Live.MaxEventListen < 1 {
		errs.add("live.max_event_listen", "must be >= 1")
	}

	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"auth.token_ttl", c.Auth.TokenTTL},
		{"checkpoint.clean_age", c.Checkpoint.CleanAge},
		{"live.data_cache_expire", c.Live.DataCacheExpire},
		{"live.listen_timeout", c.Live.ListenTimeout},
	} {
		if d.value < 0 {
			errs.add(d.key, "must not be negative")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

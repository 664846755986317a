package core

import (
	"context"
	"time"
)

// Record is the generic unit of storage exchanged with the Repository. Keys
// are column/field names; nested relation data appears under the relation
// name when requested via Query.Include.
type Record map[string]any

// String returns the record field as a string, or "" when absent or of a
// different type.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int returns the record field as an int, accepting the numeric types JSON
// decoding and database drivers commonly produce.
func (r Record) Int(key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Time returns the record field as a time.Time, accepting both native times
// and RFC 3339 strings. The zero time is returned when absent or unparsable.
func (r Record) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// TimeFormat is RFC 3339 UTC with a fixed 9-digit fraction. Timestamps cross
// the Repository boundary in this form so that lexicographic ordering matches
// chronological ordering regardless of the backing store.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }

// Query narrows a Repository find: equality filters, single-field sort
// ("field" ascending, "-field" descending), a result cap, and relation names
// to include on each returned record.
type Query struct {
	Filter  map[string]any
	Sort    string
	Limit   int
	Include []string
}

// Repository is the external relation-aware CRUD capability this engine
// stores conversations, messages and configuration through. The concrete
// schema/migration machinery behind it is out of scope; convoloop only
// depends on these four operations.
type Repository interface {
	Find(ctx context.Context, collection string, q Query) ([]Record, error)
	Create(ctx context.Context, collection string, rec Record) (Record, error)
	Update(ctx context.Context, collection string, id string, changes Record) (Record, error)
	Delete(ctx context.Context, collection string, id string) error
}

// Broadcaster fans a payload out to every process subscribed to a channel,
// including the publisher. Payloads carry the originating instance id so
// subscribers can drop their own echo.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler and returns an unsubscribe func. Handlers
	// are invoked sequentially per channel.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error)
}

// LeaseLocker is a short-TTL distributed lock. Acquire returns false without
// error when another holder owns the key; the lease expires on its own if the
// holder dies before Release.
type LeaseLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// AccessChecker is the external authorization capability consulted before a
// tool touches the Repository. Implementations return an error describing the
// denial; nil means allowed.
type AccessChecker interface {
	Allow(ctx context.Context, userID, action, collection string) error
}

// AllowAll is the default AccessChecker: every action is permitted.
type AllowAll struct{}

// Allow implements AccessChecker.
func (AllowAll) Allow(context.Context, string, string, string) error { return nil }

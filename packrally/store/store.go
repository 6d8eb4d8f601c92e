// Package store defines the durable store client consumed by the
// coordination layer: named record collections with conditional
// writes, filtered queries and an at-least-once change-notification
// stream. Two implementations ship with it: a Postgres/NATS adapter
// for production and an in-memory store for tests and local play.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Record is a single row of a collection, keyed by snake_case field
// names. The "id" field is the primary key and is always a string.
type Record map[string]any

// Filter matches records by field equality. A nil Filter matches
// everything.
type Filter map[string]any

// CondOp is the operator of a conditional-write guard.
type CondOp int

const (
	OpEq CondOp = iota
	OpIsNull
)

// Cond guards an Update: the patch is applied only to rows for which
// every condition still holds at write time. This is what makes the
// store's Update a compare-and-swap.
type Cond struct {
	Field string
	Op    CondOp
	Value any
}

// Eq builds an equality condition.
func Eq(field string, value any) Cond {
	return Cond{Field: field, Op: OpEq, Value: value}
}

// IsNull builds an is-unset condition.
func IsNull(field string) Cond {
	return Cond{Field: field, Op: OpIsNull}
}

// Query bundles the optional parts of a read.
type Query struct {
	Filter  Filter
	OrderBy string // field name, empty for unspecified order
	Desc    bool
	Limit   int // 0 means no limit
}

// EventType classifies a change notification.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one change notification. Delivery is at least once and
// only approximately ordered per row; the Record payload reflects the
// row at publish time and is advisory; consumers that need current
// state must refetch.
type Event struct {
	Type       EventType `json:"type"`
	Collection string    `json:"collection"`
	Record     Record    `json:"record"`
}

// Subscription is a live change feed for one collection and filter.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Client is the durable store surface. All methods are safe for
// concurrent use. Update and Delete return the number of rows
// affected; a conditional Update that finds its guard no longer
// holding affects zero rows and is not an error.
type Client interface {
	Insert(ctx context.Context, collection string, rec Record) (Record, error)
	Update(ctx context.Context, collection string, id string, patch Record, conds ...Cond) (int64, error)
	Query(ctx context.Context, collection string, q Query) ([]Record, error)
	Delete(ctx context.Context, collection string, filter Filter) (int64, error)
	Subscribe(ctx context.Context, collection string, filter Filter) (Subscription, error)
}

// NewID returns a random 16-byte hex record id.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in much deeper
		// trouble than a weak id.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// Match reports whether rec satisfies every field of the filter.
// Values are compared loosely so that records decoded from JSON
// events (where numbers arrive as float64) still match.
func Match(rec Record, filter Filter) bool {
	for field, want := range filter {
		got, ok := rec[field]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// String returns the named field as a string, or "" when absent or
// unset.
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Int returns the named field as an int64, tolerating the numeric
// types produced by SQL drivers and JSON decoding.
func (r Record) Int(field string) int64 {
	switch v := r[field].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Bool returns the named field as a bool.
func (r Record) Bool(field string) bool {
	v, ok := r[field].(bool)
	return ok && v
}

// Time returns the named field as a time.Time, or the zero time when
// absent or unparsable.
func (r Record) Time(field string) time.Time {
	switch v := r[field].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// IsSet reports whether the field is present and non-nil.
func (r Record) IsSet(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

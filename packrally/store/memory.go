package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Client with the same conditional-write and
// change-notification semantics as the Postgres adapter. It backs
// tests and local single-machine play.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]Record
	subs        map[int]*memorySub
	nextSub     int
}

type memorySub struct {
	collection string
	filter     Filter
	events     chan Event
	closeOnce  sync.Once
	parent     *Memory
	id         int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]Record),
		subs:        make(map[int]*memorySub),
	}
}

func (m *Memory) Insert(_ context.Context, collection string, rec Record) (Record, error) {
	stored := rec.Clone()
	if stored.String("id") == "" {
		stored["id"] = NewID()
	}
	if !stored.IsSet("created_at") {
		stored["created_at"] = time.Now()
	}

	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Record)
		m.collections[collection] = coll
	}
	coll[stored.String("id")] = stored
	m.mu.Unlock()

	m.publish(Event{Type: EventInsert, Collection: collection, Record: stored.Clone()})
	return stored.Clone(), nil
}

func (m *Memory) Update(_ context.Context, collection, id string, patch Record, conds ...Cond) (int64, error) {
	m.mu.Lock()
	rec, ok := m.collections[collection][id]
	if !ok || !condsHold(rec, conds) {
		m.mu.Unlock()
		return 0, nil
	}
	for k, v := range patch {
		rec[k] = v
	}
	updated := rec.Clone()
	m.mu.Unlock()

	m.publish(Event{Type: EventUpdate, Collection: collection, Record: updated})
	return 1, nil
}

func (m *Memory) Query(_ context.Context, collection string, q Query) ([]Record, error) {
	m.mu.Lock()
	var out []Record
	for _, rec := range m.collections[collection] {
		if Match(rec, q.Filter) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.Unlock()

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i][q.OrderBy], out[j][q.OrderBy])
			if q.Desc {
				return !less && !looseEqual(out[i][q.OrderBy], out[j][q.OrderBy])
			}
			return less
		})
	} else {
		// Deterministic order for tests.
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].String("id") < out[j].String("id")
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, collection string, filter Filter) (int64, error) {
	m.mu.Lock()
	var deleted []Record
	for id, rec := range m.collections[collection] {
		if Match(rec, filter) {
			deleted = append(deleted, rec.Clone())
			delete(m.collections[collection], id)
		}
	}
	m.mu.Unlock()

	for _, rec := range deleted {
		m.publish(Event{Type: EventDelete, Collection: collection, Record: rec})
	}
	return int64(len(deleted)), nil
}

func (m *Memory) Subscribe(_ context.Context, collection string, filter Filter) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	sub := &memorySub{
		collection: collection,
		filter:     filter,
		events:     make(chan Event, 256),
		parent:     m,
		id:         m.nextSub,
	}
	m.subs[sub.id] = sub
	return sub, nil
}

// Inject delivers an event to matching subscribers without touching
// stored data. Tests use it to simulate duplicate or reordered
// deliveries from the bus.
func (m *Memory) Inject(ev Event) {
	m.publish(ev)
}

// publish delivers under the store lock; sends are non-blocking so
// this cannot stall, and it keeps Close from racing a delivery.
func (m *Memory) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if sub.collection != ev.Collection || !Match(ev.Record, sub.filter) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			slog.Warn("dropping change event for slow subscriber",
				slog.String("collection", ev.Collection),
				slog.String("event", string(ev.Type)))
		}
	}
}

func (s *memorySub) Events() <-chan Event { return s.events }

func (s *memorySub) Close() error {
	s.closeOnce.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s.id)
		close(s.events)
		s.parent.mu.Unlock()
	})
	return nil
}

func condsHold(rec Record, conds []Cond) bool {
	for _, c := range conds {
		switch c.Op {
		case OpEq:
			if !looseEqual(rec[c.Field], c.Value) {
				return false
			}
		case OpIsNull:
			if rec.IsSet(c.Field) {
				return false
			}
		}
	}
	return true
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Before(bv)
		}
	}
	return false
}

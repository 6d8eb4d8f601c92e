package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/uptrace/bun"

	"github.com/packrally/packrally/packrally/logger"
)

// SubjectPrefix is the NATS subject space for change notifications.
// Full form: store.events.<collection>.
const SubjectPrefix = "store.events."

// EventSubject builds the notification subject for a collection.
func EventSubject(collection string) string {
	return SubjectPrefix + collection
}

// Postgres is the production Client: rows live in Postgres (via bun),
// change notifications fan out over NATS. Conditional updates map to
// UPDATE ... WHERE guards, which is what realizes compare-and-swap.
type Postgres struct {
	db *bun.DB
	nc *nats.Conn
}

func NewPostgres(db *bun.DB, nc *nats.Conn) *Postgres {
	return &Postgres{db: db, nc: nc}
}

func (p *Postgres) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	stored := rec.Clone()
	if stored.String("id") == "" {
		stored["id"] = NewID()
	}
	if !stored.IsSet("created_at") {
		stored["created_at"] = time.Now()
	}

	values := map[string]any(stored)
	start := time.Now()
	_, err := p.db.NewInsert().
		Model(&values).
		TableExpr(collection).
		Exec(ctx)
	logger.LogQuery("insert "+collection, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("insert into %s failed: %w", collection, err)
	}

	p.notify(Event{Type: EventInsert, Collection: collection, Record: stored.Clone()})
	return stored, nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, patch Record, conds ...Cond) (int64, error) {
	q := p.db.NewUpdate().
		Table(collection).
		Where("id = ?", id)
	for k, v := range patch {
		q = q.Set("? = ?", bun.Ident(k), v)
	}
	for _, c := range conds {
		switch c.Op {
		case OpEq:
			q = q.Where("? = ?", bun.Ident(c.Field), c.Value)
		case OpIsNull:
			q = q.Where("? IS NULL", bun.Ident(c.Field))
		}
	}

	start := time.Now()
	res, err := q.Exec(ctx)
	logger.LogQuery("update "+collection, time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("update %s failed: %w", collection, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update %s: rows affected unavailable: %w", collection, err)
	}

	if affected > 0 {
		// Refetch so the notification carries the whole row, not just
		// the patch.
		rows, qerr := p.Query(ctx, collection, Query{Filter: Filter{"id": id}, Limit: 1})
		rec := patch.Clone()
		rec["id"] = id
		if qerr == nil && len(rows) == 1 {
			rec = rows[0]
		}
		p.notify(Event{Type: EventUpdate, Collection: collection, Record: rec})
	}
	return affected, nil
}

func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]Record, error) {
	sel := p.db.NewSelect().
		Table(collection).
		ColumnExpr("*")
	for k, v := range q.Filter {
		sel = sel.Where("? = ?", bun.Ident(k), v)
	}
	if q.OrderBy != "" {
		if q.Desc {
			sel = sel.OrderExpr("? DESC", bun.Ident(q.OrderBy))
		} else {
			sel = sel.OrderExpr("? ASC", bun.Ident(q.OrderBy))
		}
	}
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}

	var rows []map[string]any
	start := time.Now()
	err := sel.Scan(ctx, &rows)
	logger.LogQuery("select "+collection, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("query %s failed: %w", collection, err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record(row)
		// NULL columns come back as nil entries; drop them so IsSet
		// means the same thing as in the memory store.
		for k, v := range rec {
			if v == nil {
				delete(rec, k)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *Postgres) Delete(ctx context.Context, collection string, filter Filter) (int64, error) {
	victims, err := p.Query(ctx, collection, Query{Filter: filter})
	if err != nil {
		return 0, err
	}

	del := p.db.NewDelete().Table(collection)
	if len(filter) == 0 {
		del = del.Where("TRUE")
	}
	for k, v := range filter {
		del = del.Where("? = ?", bun.Ident(k), v)
	}
	start := time.Now()
	res, err := del.Exec(ctx)
	logger.LogQuery("delete "+collection, time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("delete from %s failed: %w", collection, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete from %s: rows affected unavailable: %w", collection, err)
	}

	for _, rec := range victims {
		p.notify(Event{Type: EventDelete, Collection: collection, Record: rec})
	}
	return affected, nil
}

func (p *Postgres) Subscribe(_ context.Context, collection string, filter Filter) (Subscription, error) {
	sub := &natsSub{
		filter: filter,
		events: make(chan Event, 256),
	}

	natsSubscription, err := p.nc.Subscribe(EventSubject(collection), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("Dropping undecodable change event",
				slog.String("collection", collection),
				slog.Any("error", err))
			return
		}
		sub.deliver(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s failed: %w", collection, err)
	}
	sub.natsSub = natsSubscription
	return sub, nil
}

// notify publishes a change event. The rows are already durable at
// this point, so a bus hiccup is logged rather than failed back to
// the writer; consumers refetch on resubscribe.
func (p *Postgres) notify(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode change event",
			slog.String("collection", ev.Collection),
			slog.Any("error", err))
		return
	}
	if err := p.nc.Publish(EventSubject(ev.Collection), data); err != nil {
		slog.Warn("Failed to publish change event",
			slog.String("collection", ev.Collection),
			slog.Any("error", err))
	}
}

type natsSub struct {
	natsSub *nats.Subscription
	filter  Filter

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (s *natsSub) deliver(ev Event) {
	if !Match(ev.Record, s.filter) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Warn("Dropping change event for slow subscriber",
			slog.String("collection", ev.Collection),
			slog.String("event", string(ev.Type)))
	}
}

func (s *natsSub) Events() <-chan Event { return s.events }

func (s *natsSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.natsSub.Unsubscribe()
	close(s.events)
	return err
}

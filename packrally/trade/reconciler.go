package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

// Item is an offerable collectible, named and rarity-tagged by the
// content layer.
type Item struct {
	Name   string
	Rarity string
}

// OfferQueue reconciles one owner's offer lines for one session. Each
// edit mutates the local line list immediately (zero-latency UI) and
// enqueues a remote read-modify-write onto a single drain goroutine,
// so an owner's rapid add/add/remove bursts reach the store strictly
// in submission order. Only the owner ever writes its own lines, so
// cross-client interleaving cannot occur by construction; the queue
// exists to keep one client's own edits from clobbering each other.
type OfferQueue struct {
	st        store.Client
	sessionID string
	owner     string

	mu    sync.Mutex
	lines map[string]*models.OfferLine

	tasks  chan func(context.Context)
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

const offerQueueDepth = 256

// NewOfferQueue starts the drain goroutine; Close releases it.
func NewOfferQueue(parent context.Context, st store.Client, sessionID, owner string) *OfferQueue {
	ctx, cancel := context.WithCancel(parent)
	q := &OfferQueue{
		st:        st,
		sessionID: sessionID,
		owner:     owner,
		lines:     make(map[string]*models.OfferLine),
		tasks:     make(chan func(context.Context), offerQueueDepth),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go q.drain(ctx)
	return q
}

// AddItem puts one unit of item into the offer.
func (q *OfferQueue) AddItem(item Item) {
	q.mu.Lock()
	line, ok := q.lines[item.Name]
	if ok {
		line.Quantity++
	} else {
		q.lines[item.Name] = &models.OfferLine{
			SessionID:     q.sessionID,
			OwnerNickname: q.owner,
			ItemName:      item.Name,
			ItemRarity:    item.Rarity,
			Quantity:      1,
		}
	}
	q.mu.Unlock()

	q.enqueue(func(ctx context.Context) {
		q.reconcile(ctx, item.Name, item.Rarity, +1)
	})
}

// RemoveItem takes one unit of the named item out of the offer. A
// line reaching zero is removed, never left at zero; removing an
// absent item is a no-op and enqueues nothing.
func (q *OfferQueue) RemoveItem(itemName string) {
	q.mu.Lock()
	line, ok := q.lines[itemName]
	if !ok {
		q.mu.Unlock()
		return
	}
	line.Quantity--
	if line.Quantity <= 0 {
		delete(q.lines, itemName)
	}
	rarity := line.ItemRarity
	q.mu.Unlock()

	q.enqueue(func(ctx context.Context) {
		q.reconcile(ctx, itemName, rarity, -1)
	})
}

// Lines returns the optimistic local offer, sorted by item name.
func (q *OfferQueue) Lines() []*models.OfferLine {
	q.mu.Lock()
	out := make([]*models.OfferLine, 0, len(q.lines))
	for _, line := range q.lines {
		cp := *line
		out = append(out, &cp)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ItemName < out[j].ItemName })
	return out
}

// Flush blocks until every edit enqueued before it has been applied
// remotely, or ctx is cancelled.
func (q *OfferQueue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	q.enqueue(func(context.Context) { close(barrier) })
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return fmt.Errorf("offer queue closed")
	}
}

// Close stops the drain goroutine. Pending remote steps are dropped;
// trade teardown is local-only beyond the session status write.
func (q *OfferQueue) Close() {
	q.once.Do(func() {
		q.cancel()
		<-q.done
	})
}

func (q *OfferQueue) enqueue(task func(context.Context)) {
	select {
	case q.tasks <- task:
	case <-q.done:
	}
}

func (q *OfferQueue) drain(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			task(ctx)
		}
	}
}

// reconcile is the remote read-modify-write for one edit. It runs
// only on the drain goroutine, which is the serialization guarantee.
// A transient store failure is logged and dropped: there is no retry
// in this layer, and the next edit's read picks up from the store's
// actual state.
func (q *OfferQueue) reconcile(ctx context.Context, itemName, rarity string, delta int64) {
	recs, err := q.st.Query(ctx, models.CollectionOfferLines, store.Query{
		Filter: store.Filter{
			"session_id":     q.sessionID,
			"owner_nickname": q.owner,
			"item_name":      itemName,
		},
		Limit: 1,
	})
	if err != nil {
		slog.Warn("Offer reconciliation read failed",
			slog.String("session_id", q.sessionID),
			slog.String("item", itemName),
			slog.Any("error", err))
		return
	}

	switch {
	case len(recs) == 0 && delta > 0:
		line := &models.OfferLine{
			ID:            store.NewID(),
			SessionID:     q.sessionID,
			OwnerNickname: q.owner,
			ItemName:      itemName,
			ItemRarity:    rarity,
			Quantity:      delta,
		}
		_, err = q.st.Insert(ctx, models.CollectionOfferLines, line.Record())
	case len(recs) == 0:
		// Removing a line that never landed remotely; nothing to do.
		return
	default:
		remote := models.OfferLineFromRecord(recs[0])
		next := remote.Quantity + delta
		if next <= 0 {
			_, err = q.st.Delete(ctx, models.CollectionOfferLines, store.Filter{"id": remote.ID})
		} else {
			_, err = q.st.Update(ctx, models.CollectionOfferLines, remote.ID, store.Record{
				"quantity": next,
			})
		}
	}
	if err != nil {
		slog.Warn("Offer reconciliation write failed",
			slog.String("session_id", q.sessionID),
			slog.String("item", itemName),
			slog.Any("error", err))
	}
}

// SessionLines fetches all remote offer lines of a session, both
// owners included.
func SessionLines(ctx context.Context, st store.Client, sessionID string) ([]*models.OfferLine, error) {
	recs, err := st.Query(ctx, models.CollectionOfferLines, store.Query{
		Filter:  store.Filter{"session_id": sessionID},
		OrderBy: "item_name",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offer lines: %w", err)
	}
	lines := make([]*models.OfferLine, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, models.OfferLineFromRecord(rec))
	}
	return lines, nil
}

package game

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

// Roster keeps a room's live player list. Every change notification
// triggers a full refetch rather than an incremental patch: rosters
// are small and the refetch kills a whole class of merge bugs. The
// refetch is race-tolerant: each one takes a monotonically increasing
// token before it starts, and a completion only applies if no
// later-initiated fetch has applied first, so a slow early response
// can never overwrite newer state.
type Roster struct {
	st     store.Client
	roomID string

	seq atomic.Uint64

	mu       sync.Mutex
	applied  uint64
	players  []*models.Player
	onUpdate func([]*models.Player)
}

func NewRoster(st store.Client, roomID string) *Roster {
	return &Roster{st: st, roomID: roomID}
}

// SetOnUpdate registers a callback invoked with each applied roster
// snapshot. Must be called before Run.
func (r *Roster) SetOnUpdate(fn func([]*models.Player)) {
	r.onUpdate = fn
}

// Run subscribes to the room's player rows and keeps the roster
// current until ctx is cancelled. The initial fetch is synchronous so
// Players is populated once Run is underway.
func (r *Roster) Run(ctx context.Context) error {
	sub, err := r.st.Subscribe(ctx, models.CollectionPlayers, store.Filter{"room_id": r.roomID})
	if err != nil {
		return fmt.Errorf("failed to watch roster: %w", err)
	}
	defer sub.Close()

	r.Refetch(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
			// Duplicate and reordered deliveries both just cause an
			// extra refetch; the token keeps the results convergent.
			go r.Refetch(ctx)
		}
	}
}

// Refetch fetches the full roster and applies it unless a
// later-initiated fetch already did.
func (r *Roster) Refetch(ctx context.Context) {
	token := r.seq.Add(1)

	recs, err := r.st.Query(ctx, models.CollectionPlayers, store.Query{
		Filter:  store.Filter{"room_id": r.roomID},
		OrderBy: "created_at",
	})
	if err != nil {
		slog.Warn("Roster refetch failed",
			slog.String("room_id", r.roomID),
			slog.Any("error", err))
		return
	}

	players := make([]*models.Player, 0, len(recs))
	for _, rec := range recs {
		players = append(players, models.PlayerFromRecord(rec))
	}

	r.mu.Lock()
	if token <= r.applied {
		// A fetch initiated after this one already landed.
		r.mu.Unlock()
		return
	}
	r.applied = token
	r.players = players
	cb := r.onUpdate
	r.mu.Unlock()

	if cb != nil {
		cb(players)
	}
}

// Players returns the latest applied roster snapshot.
func (r *Roster) Players() []*models.Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Player, len(r.players))
	copy(out, r.players)
	return out
}

package game

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

// Machine tracks one room's lifecycle on behalf of a single client.
// Every participant runs its own Machine: the countdown is recomputed
// locally from ends_at on each tick, never trusted from the wire, so
// it is immune to per-tick network jitter (though not to systematic
// client clock skew). Whichever client hits zero first finishes the
// room; the write is idempotent so stragglers are harmless.
type Machine struct {
	st     store.Client
	roomID string

	now  func() time.Time
	tick time.Duration

	mu       sync.Mutex
	room     *models.Room
	onChange func(*models.Room)
}

func NewMachine(st store.Client, roomID string) *Machine {
	return &Machine{
		st:     st,
		roomID: roomID,
		now:    time.Now,
		tick:   time.Second,
	}
}

// SetOnChange registers a callback invoked with a fresh room snapshot
// after every observed change. Must be called before Run.
func (m *Machine) SetOnChange(fn func(*models.Room)) {
	m.onChange = fn
}

// Run watches the room until ctx is cancelled, refetching on change
// notifications and driving the countdown on a local tick.
func (m *Machine) Run(ctx context.Context) error {
	sub, err := m.st.Subscribe(ctx, models.CollectionRooms, store.Filter{"id": m.roomID})
	if err != nil {
		return fmt.Errorf("failed to watch room: %w", err)
	}
	defer sub.Close()

	if err := m.refetch(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
			// Event payloads are advisory; always refetch.
			if err := m.refetch(ctx); err != nil {
				slog.Warn("Room refetch failed", slog.Any("error", err))
			}
		case <-ticker.C:
			m.checkCountdown(ctx)
		}
	}
}

// StartGame transitions the room to playing and stamps the deadline.
// Host-only by convention. Guarded by status=waiting so a duplicate
// call cannot refresh ends_at or resurrect a finished room; losing
// the guard is a silent no-op.
func (m *Machine) StartGame(ctx context.Context) error {
	room := m.Room()
	if room == nil {
		var err error
		if room, err = m.fetchRoom(ctx); err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
	}

	now := m.now()
	endsAt := now.Add(time.Duration(room.TimeLimitMinutes) * time.Minute)
	affected, err := m.st.Update(ctx, models.CollectionRooms, m.roomID, store.Record{
		"status":     string(models.RoomPlaying),
		"started_at": now,
		"ends_at":    endsAt,
	}, store.Eq("status", string(models.RoomWaiting)))
	if err != nil {
		return fmt.Errorf("failed to start game: %w", err)
	}
	if affected > 0 {
		slog.Info("Game started",
			slog.String("room_id", m.roomID),
			slog.Time("ends_at", endsAt))
	}
	return nil
}

// EndGame finishes the room. Unconditional and idempotent: several
// clients reaching zero concurrently all write the same value.
func (m *Machine) EndGame(ctx context.Context) error {
	if _, err := m.st.Update(ctx, models.CollectionRooms, m.roomID, store.Record{
		"status": string(models.RoomFinished),
	}); err != nil {
		return fmt.Errorf("failed to end game: %w", err)
	}
	return nil
}

// Remaining returns the wall-clock time left, zero once elapsed or
// when the room is not playing.
func (m *Machine) Remaining() time.Duration {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()

	if room == nil || room.Status != models.RoomPlaying || room.EndsAt == nil {
		return 0
	}
	remaining := room.EndsAt.Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Room returns the latest observed snapshot, nil before the first
// fetch or after deletion.
func (m *Machine) Room() *models.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func (m *Machine) checkCountdown(ctx context.Context) {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()

	if room == nil || room.Status != models.RoomPlaying || room.EndsAt == nil {
		return
	}
	if m.now().Before(*room.EndsAt) {
		return
	}
	if err := m.EndGame(ctx); err != nil {
		slog.Warn("Failed to finish room at countdown zero",
			slog.String("room_id", m.roomID),
			slog.Any("error", err))
	}
}

func (m *Machine) refetch(ctx context.Context) error {
	room, err := m.fetchRoom(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.room = room
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil && room != nil {
		cb(room)
	}
	return nil
}

func (m *Machine) fetchRoom(ctx context.Context) (*models.Room, error) {
	recs, err := m.st.Query(ctx, models.CollectionRooms, store.Query{
		Filter: store.Filter{"id": m.roomID},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch room: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return models.RoomFromRecord(recs[0]), nil
}

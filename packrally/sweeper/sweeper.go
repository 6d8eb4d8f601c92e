// Package sweeper reclaims rooms left behind by the two-step create:
// a room whose host insert failed has zero players forever and would
// otherwise sit in the waiting list indefinitely.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

type Sweeper struct {
	st       store.Client
	interval time.Duration
	grace    time.Duration
}

// New returns a sweeper that runs every interval and deletes rooms
// that have had zero players for longer than grace.
func New(st store.Client, interval, grace time.Duration) *Sweeper {
	return &Sweeper{st: st, interval: interval, grace: grace}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.SweepOnce(ctx)
			if err != nil {
				slog.Warn("Room sweep failed", slog.Any("error", err))
				continue
			}
			if swept > 0 {
				slog.Info("Swept host-less rooms", slog.Int("count", swept))
			}
		}
	}
}

// SweepOnce deletes every host-less room older than the grace period
// and returns how many it removed. Rooms with players are never
// touched, whatever their age: rooms are cheap and the store is the
// system of record.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	recs, err := s.st.Query(ctx, models.CollectionRooms, store.Query{})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.grace)
	swept := 0
	for _, rec := range recs {
		room := models.RoomFromRecord(rec)
		if room.CreatedAt.After(cutoff) {
			continue
		}

		players, err := s.st.Query(ctx, models.CollectionPlayers, store.Query{
			Filter: store.Filter{"room_id": room.ID},
			Limit:  1,
		})
		if err != nil {
			return swept, err
		}
		if len(players) > 0 {
			continue
		}

		if _, err := s.st.Delete(ctx, models.CollectionRooms, store.Filter{"id": room.ID}); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

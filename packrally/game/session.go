package game

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/packrally/packrally/packrally/store"
)

// Session bundles the per-room watchers one client runs while inside a
// room: the lifecycle machine and the roster projection.
type Session struct {
	Machine *Machine
	Roster  *Roster
}

func NewSession(st store.Client, roomID string) *Session {
	return &Session{
		Machine: NewMachine(st, roomID),
		Roster:  NewRoster(st, roomID),
	}
}

// Run drives both watchers until ctx is cancelled or either fails.
// One failing cancels the other; a room is unusable with half its
// watchers down.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Machine.Run(ctx) })
	g.Go(func() error { return s.Roster.Run(ctx) })
	return g.Wait()
}

package game

import (
	"context"
	"testing"
	"time"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

func TestSession_RunsBothWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemory()
	room := seedRoom(t, st, models.RoomWaiting)
	seedPlayer(t, st, room.ID, "ada")

	s := NewSession(st, room.ID)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool {
		return s.Machine.Room() != nil && len(s.Roster.Players()) == 1
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
}

package game

import (
	"context"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

func rosterNicknames(players []*models.Player) []string {
	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.Nickname)
	}
	sort.Strings(names)
	return names
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRoster_TracksJoinsAndLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	room := seedRoom(t, st, models.RoomWaiting)
	seedPlayer(t, st, room.ID, "ada")

	r := NewRoster(st, room.ID)
	go r.Run(ctx)

	waitFor(t, func() bool { return len(r.Players()) == 1 })

	seedPlayer(t, st, room.ID, "bob")
	waitFor(t, func() bool { return len(r.Players()) == 2 })

	if _, err := st.Delete(ctx, models.CollectionPlayers, store.Filter{
		"room_id": room.ID, "nickname": "ada",
	}); err != nil {
		t.Fatalf("delete player: %v", err)
	}
	waitFor(t, func() bool {
		players := r.Players()
		return len(players) == 1 && players[0].Nickname == "bob"
	})
}

// Replaying a shuffled permutation of the change stream must converge
// to the same roster as the in-order replay: every notification is
// only a refetch trigger, so order carries no state.
func TestRoster_ConvergenceUnderReordering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	room := seedRoom(t, st, models.RoomWaiting)
	for _, nickname := range []string{"ada", "bob", "cid"} {
		seedPlayer(t, st, room.ID, nickname)
	}

	events := []store.Event{
		{Type: store.EventInsert, Collection: models.CollectionPlayers, Record: store.Record{"room_id": room.ID, "nickname": "ada"}},
		{Type: store.EventInsert, Collection: models.CollectionPlayers, Record: store.Record{"room_id": room.ID, "nickname": "bob"}},
		{Type: store.EventUpdate, Collection: models.CollectionPlayers, Record: store.Record{"room_id": room.ID, "nickname": "ada"}},
		{Type: store.EventInsert, Collection: models.CollectionPlayers, Record: store.Record{"room_id": room.ID, "nickname": "cid"}},
		{Type: store.EventDelete, Collection: models.CollectionPlayers, Record: store.Record{"room_id": room.ID, "nickname": "dee"}},
		// Duplicate delivery of an earlier event.
		{Type: store.EventInsert, Collection: models.CollectionPlayers, Record: store.Record{"room_id": room.ID, "nickname": "bob"}},
	}

	r := NewRoster(st, room.ID)
	go r.Run(ctx)
	waitFor(t, func() bool { return len(r.Players()) == 3 })

	rng := rand.New(rand.NewSource(1))
	shuffled := make([]store.Event, len(events))
	copy(shuffled, events)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	for _, ev := range shuffled {
		st.Inject(ev)
	}

	want := []string{"ada", "bob", "cid"}
	waitFor(t, func() bool {
		return reflect.DeepEqual(rosterNicknames(r.Players()), want)
	})
}

// gatedStore holds back the completion of the first roster query so a
// stale response returns after a newer fetch has already applied.
type gatedStore struct {
	store.Client

	mu    sync.Mutex
	gate  chan struct{}
	gated bool
}

func (g *gatedStore) Query(ctx context.Context, collection string, q store.Query) ([]store.Record, error) {
	recs, err := g.Client.Query(ctx, collection, q)
	g.mu.Lock()
	first := collection == models.CollectionPlayers && !g.gated
	if first {
		g.gated = true
	}
	g.mu.Unlock()
	if first {
		<-g.gate
	}
	return recs, err
}

func TestRoster_StaleRefetchIsDiscarded(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	room := seedRoom(t, mem, models.RoomWaiting)
	seedPlayer(t, mem, room.ID, "ada")

	gated := &gatedStore{Client: mem, gate: make(chan struct{})}
	r := NewRoster(gated, room.ID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Refetch(ctx) // reads [ada], then stalls before applying
	}()

	// Wait until the slow fetch has read its snapshot.
	waitFor(t, func() bool {
		gated.mu.Lock()
		defer gated.mu.Unlock()
		return gated.gated
	})

	seedPlayer(t, mem, room.ID, "bob")
	r.Refetch(ctx) // newer fetch applies [ada bob]

	close(gated.gate)
	wg.Wait()

	got := rosterNicknames(r.Players())
	if want := []string{"ada", "bob"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("roster = %v, want %v (stale fetch must not win)", got, want)
	}
}

package trade

import (
	"context"
	"testing"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

type tradeFixture struct {
	st        *store.Memory
	session   *models.TradeSession
	requester *Settlement
	target    *Settlement
}

// newTradeFixture builds an active session between ada and bob with
// offers already reconciled: ada offers shiny-rock x2, bob offers
// old-coin x1. Ada also starts with one old-coin of her own.
func newTradeFixture(t *testing.T) *tradeFixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	seedProfile(t, st, "ada")
	seedProfile(t, st, "bob")

	session, err := NewService(st, "ada").InitiateTradeRequest(ctx, "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := NewService(st, "bob").AcceptTradeRequest(ctx, session.ID); err != nil {
		t.Fatalf("accept request: %v", err)
	}

	seedInventory(t, st, "ada", "shiny-rock", "Rare", 2)
	seedInventory(t, st, "ada", "old-coin", "Common", 1)
	seedInventory(t, st, "bob", "old-coin", "Common", 1)

	adaQ := NewOfferQueue(ctx, st, session.ID, "ada")
	defer adaQ.Close()
	bobQ := NewOfferQueue(ctx, st, session.ID, "bob")
	defer bobQ.Close()
	adaQ.AddItem(Item{Name: "shiny-rock", Rarity: "Rare"})
	adaQ.AddItem(Item{Name: "shiny-rock", Rarity: "Rare"})
	bobQ.AddItem(Item{Name: "old-coin", Rarity: "Common"})
	if err := adaQ.Flush(ctx); err != nil {
		t.Fatalf("flush ada: %v", err)
	}
	if err := bobQ.Flush(ctx); err != nil {
		t.Fatalf("flush bob: %v", err)
	}

	return &tradeFixture{
		st:        st,
		session:   session,
		requester: NewSettlement(st, "ada"),
		target:    NewSettlement(st, "bob"),
	}
}

func seedInventory(t *testing.T, st *store.Memory, owner, itemName, rarity string, qty int64) {
	t.Helper()
	item := &models.InventoryItem{
		ID:            store.NewID(),
		OwnerNickname: owner,
		ItemName:      itemName,
		ItemRarity:    rarity,
		Quantity:      qty,
	}
	if _, err := st.Insert(context.Background(), models.CollectionInventoryItems, item.Record()); err != nil {
		t.Fatalf("seed inventory %s/%s: %v", owner, itemName, err)
	}
}

func inventoryQuantity(t *testing.T, st store.Client, owner, itemName string) int64 {
	t.Helper()
	recs, err := st.Query(context.Background(), models.CollectionInventoryItems, store.Query{
		Filter: store.Filter{"owner_nickname": owner, "item_name": itemName},
	})
	if err != nil {
		t.Fatalf("query inventory: %v", err)
	}
	if len(recs) == 0 {
		return 0
	}
	return models.InventoryItemFromRecord(recs[0]).Quantity
}

func tradeCounter(t *testing.T, st store.Client, nickname string) int64 {
	t.Helper()
	recs, err := st.Query(context.Background(), models.CollectionProfiles, store.Query{
		Filter: store.Filter{"nickname": nickname},
	})
	if err != nil || len(recs) != 1 {
		t.Fatalf("query profile %s: %v (%d rows)", nickname, err, len(recs))
	}
	return models.ProfileFromRecord(recs[0]).SuccessfulTrades
}

func (f *tradeFixture) current(t *testing.T) *models.TradeSession {
	t.Helper()
	recs, err := f.st.Query(context.Background(), models.CollectionTradeSessions, store.Query{
		Filter: store.Filter{"id": f.session.ID},
	})
	if err != nil || len(recs) != 1 {
		t.Fatalf("fetch session: %v (%d rows)", err, len(recs))
	}
	return models.TradeSessionFromRecord(recs[0])
}

func TestAcceptTrade_OwnFlagOnly(t *testing.T) {
	ctx := context.Background()
	f := newTradeFixture(t)

	if err := f.requester.AcceptTrade(ctx, f.session); err != nil {
		t.Fatalf("requester accept: %v", err)
	}
	session := f.current(t)
	if !session.RequesterAccepted || session.TargetAccepted {
		t.Fatalf("flags = %v/%v, want requester only",
			session.RequesterAccepted, session.TargetAccepted)
	}

	outsider := NewSettlement(f.st, "mallory")
	if err := outsider.AcceptTrade(ctx, f.session); err != ErrNotParticipant {
		t.Fatalf("outsider accept err = %v, want ErrNotParticipant", err)
	}
}

// Both parties settle redundantly: each calls CompleteTrade twice.
// Every effect must land exactly once per party.
func TestCompleteTrade_ExactlyOnceUnderRedundantTriggers(t *testing.T) {
	ctx := context.Background()
	f := newTradeFixture(t)

	if err := f.requester.AcceptTrade(ctx, f.session); err != nil {
		t.Fatalf("requester accept: %v", err)
	}
	if err := f.target.AcceptTrade(ctx, f.session); err != nil {
		t.Fatalf("target accept: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.requester.CompleteTrade(ctx, f.session.ID); err != nil {
			t.Fatalf("requester complete #%d: %v", i+1, err)
		}
		if err := f.target.CompleteTrade(ctx, f.session.ID); err != nil {
			t.Fatalf("target complete #%d: %v", i+1, err)
		}
	}

	session := f.current(t)
	if session.Status != models.TradeCompleted {
		t.Fatalf("status = %s, want completed", session.Status)
	}
	if session.RequesterSettledAt == nil || session.TargetSettledAt == nil {
		t.Fatal("both settled markers must be set")
	}

	// Ada gave shiny-rock x2 and gained one old-coin on top of hers.
	if got := inventoryQuantity(t, f.st, "ada", "shiny-rock"); got != 0 {
		t.Fatalf("ada shiny-rock = %d, want 0", got)
	}
	if got := inventoryQuantity(t, f.st, "ada", "old-coin"); got != 2 {
		t.Fatalf("ada old-coin = %d, want 2", got)
	}
	// Bob gave his old-coin and gained the rocks.
	if got := inventoryQuantity(t, f.st, "bob", "old-coin"); got != 0 {
		t.Fatalf("bob old-coin = %d, want 0", got)
	}
	if got := inventoryQuantity(t, f.st, "bob", "shiny-rock"); got != 2 {
		t.Fatalf("bob shiny-rock = %d, want 2", got)
	}

	// Counters bump once per trade, not once per party per trigger.
	if got := tradeCounter(t, f.st, "ada"); got != 1 {
		t.Fatalf("ada successful_trades = %d, want 1", got)
	}
	if got := tradeCounter(t, f.st, "bob"); got != 1 {
		t.Fatalf("bob successful_trades = %d, want 1", got)
	}
}

// A restarted client has an empty local fast path but the persisted
// marker still blocks a second application of the effects.
func TestCompleteTrade_IdempotentAcrossRestart(t *testing.T) {
	ctx := context.Background()
	f := newTradeFixture(t)

	if err := f.requester.AcceptTrade(ctx, f.session); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.target.AcceptTrade(ctx, f.session); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.requester.CompleteTrade(ctx, f.session.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	restarted := NewSettlement(f.st, "ada")
	if err := restarted.CompleteTrade(ctx, f.session.ID); err != nil {
		t.Fatalf("complete after restart: %v", err)
	}

	if got := inventoryQuantity(t, f.st, "ada", "old-coin"); got != 2 {
		t.Fatalf("ada old-coin = %d, want 2 (no double transfer)", got)
	}
	if got := tradeCounter(t, f.st, "ada"); got != 1 {
		t.Fatalf("ada successful_trades = %d, want 1", got)
	}
}

func TestCompleteTrade_DoesNotReviveTerminalSession(t *testing.T) {
	ctx := context.Background()
	f := newTradeFixture(t)

	if err := NewService(f.st, "ada").CancelTrade(ctx, f.session.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.requester.CompleteTrade(ctx, f.session.ID); err != nil {
		t.Fatalf("complete on cancelled: %v", err)
	}

	session := f.current(t)
	if session.Status != models.TradeCancelled {
		t.Fatalf("status = %s, want cancelled", session.Status)
	}
	if got := inventoryQuantity(t, f.st, "ada", "shiny-rock"); got != 2 {
		t.Fatalf("ada shiny-rock = %d, want untouched 2", got)
	}
	if got := tradeCounter(t, f.st, "ada"); got != 0 {
		t.Fatalf("ada successful_trades = %d, want 0", got)
	}
}

// Watch drives settlement once both flags are observed.
func TestWatch_CompletesWhenBothAccept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newTradeFixture(t)

	watchDone := make(chan error, 1)
	go func() { watchDone <- f.target.Watch(ctx, f.session.ID) }()

	if err := f.target.AcceptTrade(ctx, f.session); err != nil {
		t.Fatalf("target accept: %v", err)
	}
	if err := f.requester.AcceptTrade(ctx, f.session); err != nil {
		t.Fatalf("requester accept: %v", err)
	}

	if err := <-watchDone; err != nil {
		t.Fatalf("watch: %v", err)
	}

	session := f.current(t)
	if session.Status != models.TradeCompleted {
		t.Fatalf("status = %s, want completed", session.Status)
	}
	if session.TargetSettledAt == nil {
		t.Fatal("target settled marker must be set")
	}
	if got := inventoryQuantity(t, f.st, "bob", "shiny-rock"); got != 2 {
		t.Fatalf("bob shiny-rock = %d, want 2", got)
	}
}

package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

// Settlement finalizes trades exactly once per party. Completion may
// be triggered redundantly, since both parties race to call it and
// change notifications are at-least-once, so every effect is guarded:
//
//   - the status write is idempotent (completed -> completed no-ops);
//   - the one-shot effects (inventory transfer, counters) sit behind
//     a per-party settled_at marker CAS persisted on the session, so
//     idempotence survives client restarts mid-settlement;
//   - the successful_trades counters are written by the requester
//     only, a static single-writer rule that keeps the two parties
//     from double-incrementing each other.
type Settlement struct {
	st       store.Client
	nickname string

	mu      sync.Mutex
	settled map[string]bool // local fast path per session id
}

func NewSettlement(st store.Client, nickname string) *Settlement {
	return &Settlement{
		st:       st,
		nickname: nickname,
		settled:  make(map[string]bool),
	}
}

// AcceptTrade flips the caller's own acceptance flag. Unconditional:
// the flag has exactly one writer.
func (s *Settlement) AcceptTrade(ctx context.Context, session *models.TradeSession) error {
	role := session.Role(s.nickname)
	if role == "" {
		return ErrNotParticipant
	}
	if _, err := s.st.Update(ctx, models.CollectionTradeSessions, session.ID, store.Record{
		role + "_accepted": true,
		"updated_at":       time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to accept trade: %w", err)
	}
	return nil
}

// Watch observes one session and completes the trade as soon as both
// acceptance flags are observed true. Returns once the session is
// terminal and this party has settled, or when ctx is cancelled.
func (s *Settlement) Watch(ctx context.Context, sessionID string) error {
	sub, err := s.st.Subscribe(ctx, models.CollectionTradeSessions, store.Filter{"id": sessionID})
	if err != nil {
		return fmt.Errorf("failed to watch trade session: %w", err)
	}
	defer sub.Close()

	if done, err := s.check(ctx, sessionID); err != nil || done {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
			done, err := s.check(ctx, sessionID)
			if err != nil {
				slog.Warn("Trade session check failed",
					slog.String("session_id", sessionID),
					slog.Any("error", err))
				continue
			}
			if done {
				return nil
			}
		}
	}
}

// CompleteTrade settles the session for the calling party. Safe to
// call redundantly from both parties and across duplicate triggers.
func (s *Settlement) CompleteTrade(ctx context.Context, sessionID string) error {
	if s.locallySettled(sessionID) {
		return nil
	}

	role, err := s.complete(ctx, sessionID)
	if err != nil || role == "" {
		return err
	}

	if err := s.applyEffects(ctx, sessionID, role); err != nil {
		return err
	}

	s.mu.Lock()
	s.settled[sessionID] = true
	s.mu.Unlock()
	return nil
}

// check refetches the session and drives it toward settlement.
// Returns true once nothing further can happen for this party.
func (s *Settlement) check(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.fetch(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return true, nil
	}

	switch {
	case session.Status == models.TradeTrading && session.RequesterAccepted && session.TargetAccepted:
		return true, s.CompleteTrade(ctx, sessionID)
	case session.Status == models.TradeCompleted:
		return true, s.CompleteTrade(ctx, sessionID)
	case session.Status.Terminal():
		return true, nil
	default:
		return false, nil
	}
}

// complete performs the status write and the settlement-marker CAS.
// Returns the caller's role when this call won the marker and the
// one-shot effects must be applied, "" otherwise.
func (s *Settlement) complete(ctx context.Context, sessionID string) (string, error) {
	// Idempotent completion: guarded by status=trading so a declined
	// or cancelled session stays terminal, but losing that guard is
	// expected (the other party may have completed first).
	if _, err := s.st.Update(ctx, models.CollectionTradeSessions, sessionID, store.Record{
		"status":     string(models.TradeCompleted),
		"updated_at": time.Now(),
	}, store.Eq("status", string(models.TradeTrading))); err != nil {
		return "", fmt.Errorf("failed to complete trade: %w", err)
	}

	session, err := s.fetch(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", ErrSessionNotFound
	}
	if session.Status != models.TradeCompleted {
		// Resolved terminally some other way; nothing to settle.
		return "", nil
	}
	role := session.Role(s.nickname)
	if role == "" {
		return "", ErrNotParticipant
	}

	affected, err := s.st.Update(ctx, models.CollectionTradeSessions, sessionID, store.Record{
		role + "_settled_at": time.Now(),
		"updated_at":         time.Now(),
	}, store.IsNull(role+"_settled_at"))
	if err != nil {
		return "", fmt.Errorf("failed to mark settlement: %w", err)
	}
	if affected == 0 {
		// This party already settled, possibly in a previous process.
		s.mu.Lock()
		s.settled[sessionID] = true
		s.mu.Unlock()
		return "", nil
	}
	return role, nil
}

// applyEffects runs the one-shot side of settlement for the winning
// marker: transfer this party's side of the inventory and, for the
// requester only, bump both counters.
func (s *Settlement) applyEffects(ctx context.Context, sessionID, role string) error {
	session, err := s.fetch(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}

	lines, err := SessionLines(ctx, s.st, sessionID)
	if err != nil {
		return err
	}

	for _, line := range lines {
		if line.OwnerNickname == s.nickname {
			if err := s.adjustInventory(ctx, s.nickname, line.ItemName, line.ItemRarity, -line.Quantity); err != nil {
				return err
			}
		} else {
			if err := s.adjustInventory(ctx, s.nickname, line.ItemName, line.ItemRarity, line.Quantity); err != nil {
				return err
			}
		}
	}

	if role == "requester" {
		for _, nickname := range []string{session.RequesterNickname, session.TargetNickname} {
			if err := s.incrementTrades(ctx, nickname); err != nil {
				return err
			}
		}
	}

	slog.Info("Trade settled",
		slog.String("session_id", sessionID),
		slog.String("party", s.nickname),
		slog.String("role", role))
	return nil
}

func (s *Settlement) adjustInventory(ctx context.Context, owner, itemName, rarity string, delta int64) error {
	recs, err := s.st.Query(ctx, models.CollectionInventoryItems, store.Query{
		Filter: store.Filter{"owner_nickname": owner, "item_name": itemName},
		Limit:  1,
	})
	if err != nil {
		return fmt.Errorf("failed to read inventory: %w", err)
	}

	if len(recs) == 0 {
		if delta <= 0 {
			// Nothing left to remove; treat as already gone.
			return nil
		}
		item := &models.InventoryItem{
			ID:            store.NewID(),
			OwnerNickname: owner,
			ItemName:      itemName,
			ItemRarity:    rarity,
			Quantity:      delta,
		}
		if _, err := s.st.Insert(ctx, models.CollectionInventoryItems, item.Record()); err != nil {
			return fmt.Errorf("failed to grant item: %w", err)
		}
		return nil
	}

	current := models.InventoryItemFromRecord(recs[0])
	next := current.Quantity + delta
	if next <= 0 {
		if _, err := s.st.Delete(ctx, models.CollectionInventoryItems, store.Filter{"id": current.ID}); err != nil {
			return fmt.Errorf("failed to remove item: %w", err)
		}
		return nil
	}
	if _, err := s.st.Update(ctx, models.CollectionInventoryItems, current.ID, store.Record{
		"quantity": next,
	}); err != nil {
		return fmt.Errorf("failed to adjust item quantity: %w", err)
	}
	return nil
}

func (s *Settlement) incrementTrades(ctx context.Context, nickname string) error {
	recs, err := s.st.Query(ctx, models.CollectionProfiles, store.Query{
		Filter: store.Filter{"nickname": nickname},
		Limit:  1,
	})
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	if len(recs) == 0 {
		slog.Warn("No profile for trade counter", slog.String("nickname", nickname))
		return nil
	}
	profile := models.ProfileFromRecord(recs[0])
	if _, err := s.st.Update(ctx, models.CollectionProfiles, profile.ID, store.Record{
		"successful_trades": profile.SuccessfulTrades + 1,
	}); err != nil {
		return fmt.Errorf("failed to increment trade counter: %w", err)
	}
	return nil
}

func (s *Settlement) fetch(ctx context.Context, sessionID string) (*models.TradeSession, error) {
	recs, err := s.st.Query(ctx, models.CollectionTradeSessions, store.Query{
		Filter: store.Filter{"id": sessionID},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trade session: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return models.TradeSessionFromRecord(recs[0]), nil
}

func (s *Settlement) locallySettled(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled[sessionID]
}

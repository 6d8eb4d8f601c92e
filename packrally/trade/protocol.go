// Package trade implements the two-party negotiation protocol: the
// session lifecycle, the optimistic per-session offer queue and the
// idempotent settlement engine. A session moves only along
// pending -> trading -> {completed, declined, cancelled}; each
// acceptance flag and each offer line has exactly one owning client,
// so no distributed lock is needed anywhere.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

var (
	ErrBlankNickname   = errors.New("target nickname must not be blank")
	ErrPlayerNotFound  = errors.New("no player with that nickname")
	ErrSessionNotFound = errors.New("trade session not found")
	ErrNotParticipant  = errors.New("not a participant in this trade")
)

const profileCacheSize = 256

// Service drives one client's trade sessions.
type Service struct {
	st       store.Client
	nickname string
	profiles *lru.Cache // positive profile-existence lookups
}

func NewService(st store.Client, nickname string) *Service {
	cache, _ := lru.New(profileCacheSize)
	return &Service{st: st, nickname: nickname, profiles: cache}
}

// InitiateTradeRequest opens a pending session toward target. The
// target must exist as a registered profile, not necessarily be
// online.
func (s *Service) InitiateTradeRequest(ctx context.Context, target string) (*models.TradeSession, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, ErrBlankNickname
	}

	exists, err := s.profileExists(ctx, target)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrPlayerNotFound
	}

	now := time.Now()
	session := &models.TradeSession{
		ID:                store.NewID(),
		RequesterNickname: s.nickname,
		TargetNickname:    target,
		Status:            models.TradePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := s.st.Insert(ctx, models.CollectionTradeSessions, session.Record()); err != nil {
		return nil, fmt.Errorf("failed to create trade session: %w", err)
	}

	slog.Info("Trade requested",
		slog.String("session_id", session.ID),
		slog.String("requester", s.nickname),
		slog.String("target", target))
	return session, nil
}

// WatchIncoming surfaces pending sessions addressed to this client,
// most recent first, until ctx is cancelled. Deliveries are
// at-least-once; the callback must tolerate seeing a session again.
func (s *Service) WatchIncoming(ctx context.Context, onRequest func(*models.TradeSession)) error {
	sub, err := s.st.Subscribe(ctx, models.CollectionTradeSessions, store.Filter{
		"target_nickname": s.nickname,
		"status":          string(models.TradePending),
	})
	if err != nil {
		return fmt.Errorf("failed to watch incoming trades: %w", err)
	}
	defer sub.Close()

	if latest, err := s.latestPending(ctx); err == nil && latest != nil {
		onRequest(latest)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
			latest, err := s.latestPending(ctx)
			if err != nil {
				slog.Warn("Incoming trade refetch failed", slog.Any("error", err))
				continue
			}
			if latest != nil {
				onRequest(latest)
			}
		}
	}
}

// AcceptTradeRequest moves a pending session to trading. Performed by
// the target; the requester learns of it through its own watch.
// Losing the pending guard (already resolved elsewhere) is a silent
// no-op.
func (s *Service) AcceptTradeRequest(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, models.TradePending, models.TradeTrading)
}

// DeclineTradeRequest terminally declines a pending session.
func (s *Service) DeclineTradeRequest(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, models.TradePending, models.TradeDeclined)
}

// DeclineTrade terminally declines an active session. Available to
// either party once trading has begun, alongside CancelTrade.
func (s *Service) DeclineTrade(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, models.TradeTrading, models.TradeDeclined)
}

// CancelTrade terminally cancels an active session; either party may
// call it. Local trade state (offer queues, watches) is torn down by
// the caller cancelling its contexts.
func (s *Service) CancelTrade(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, models.TradeTrading, models.TradeCancelled)
}

// Session fetches a session by id.
func (s *Service) Session(ctx context.Context, sessionID string) (*models.TradeSession, error) {
	recs, err := s.st.Query(ctx, models.CollectionTradeSessions, store.Query{
		Filter: store.Filter{"id": sessionID},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trade session: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrSessionNotFound
	}
	return models.TradeSessionFromRecord(recs[0]), nil
}

func (s *Service) transition(ctx context.Context, sessionID string, from, to models.TradeStatus) error {
	_, err := s.st.Update(ctx, models.CollectionTradeSessions, sessionID, store.Record{
		"status":     string(to),
		"updated_at": time.Now(),
	}, store.Eq("status", string(from)))
	if err != nil {
		return fmt.Errorf("failed to move trade to %s: %w", to, err)
	}
	return nil
}

func (s *Service) latestPending(ctx context.Context) (*models.TradeSession, error) {
	recs, err := s.st.Query(ctx, models.CollectionTradeSessions, store.Query{
		Filter: store.Filter{
			"target_nickname": s.nickname,
			"status":          string(models.TradePending),
		},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return models.TradeSessionFromRecord(recs[0]), nil
}

func (s *Service) profileExists(ctx context.Context, nickname string) (bool, error) {
	if _, ok := s.profiles.Get(nickname); ok {
		return true, nil
	}
	recs, err := s.st.Query(ctx, models.CollectionProfiles, store.Query{
		Filter: store.Filter{"nickname": nickname},
		Limit:  1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up profile: %w", err)
	}
	if len(recs) == 0 {
		return false, nil
	}
	s.profiles.Add(nickname, struct{}{})
	return true, nil
}

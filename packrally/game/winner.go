package game

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

// RarityRanker maps a rarity name to its position in the fixed rarity
// ordering. Higher means rarer. The table itself is supplied by the
// game content layer and treated as opaque here.
type RarityRanker func(rarity string) int

// Reporter publishes one player's pulls and scores. In classic mode a
// qualifying pull races for the single winner slot through a
// store-level compare-and-swap; exactly one concurrent caller's
// conditional write lands, every other one affects zero rows and
// no-ops silently.
type Reporter struct {
	st       store.Client
	roomID   string
	nickname string
	rank     RarityRanker
}

func NewReporter(st store.Client, roomID, nickname string, rank RarityRanker) *Reporter {
	return &Reporter{st: st, roomID: roomID, nickname: nickname, rank: rank}
}

// ReportItem records the caller's latest pull, then attempts winner
// arbitration when the pull meets the room's target rarity.
func (r *Reporter) ReportItem(ctx context.Context, itemName, rarity string) error {
	player, err := r.ownPlayer(ctx)
	if err != nil {
		return err
	}

	if _, err := r.st.Update(ctx, models.CollectionPlayers, player.ID, store.Record{
		"current_item":   itemName,
		"current_rarity": rarity,
	}); err != nil {
		return fmt.Errorf("failed to report item: %w", err)
	}

	rooms, err := r.st.Query(ctx, models.CollectionRooms, store.Query{
		Filter: store.Filter{"id": r.roomID},
		Limit:  1,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch room: %w", err)
	}
	if len(rooms) == 0 {
		return ErrRoomNotFound
	}
	room := models.RoomFromRecord(rooms[0])

	if room.Mode != models.ModeClassic || room.WinnerNickname != nil {
		return nil
	}
	if r.rank == nil || r.rank(rarity) < r.rank(room.TargetRarity) {
		return nil
	}

	// The CAS: lands only if nobody has won yet. Never read-then-write
	// here, that would reopen the race this guard exists to close.
	affected, err := r.st.Update(ctx, models.CollectionRooms, r.roomID, store.Record{
		"winner_nickname": r.nickname,
		"winning_item":    itemName,
	},
		store.IsNull("winner_nickname"),
		store.Eq("status", string(models.RoomPlaying)),
	)
	if err != nil {
		return fmt.Errorf("failed to record winner: %w", err)
	}
	if affected > 0 {
		slog.Info("Winner recorded",
			slog.String("room_id", r.roomID),
			slog.String("winner", r.nickname),
			slog.String("item", itemName))
	}
	return nil
}

// ReportScore records the caller's score in non-classic modes. Rank
// is derived by callers from roster snapshots, there is no winner
// field to race for.
func (r *Reporter) ReportScore(ctx context.Context, count int64) error {
	player, err := r.ownPlayer(ctx)
	if err != nil {
		return err
	}
	if _, err := r.st.Update(ctx, models.CollectionPlayers, player.ID, store.Record{
		"current_score": count,
	}); err != nil {
		return fmt.Errorf("failed to report score: %w", err)
	}
	return nil
}

func (r *Reporter) ownPlayer(ctx context.Context) (*models.Player, error) {
	recs, err := r.st.Query(ctx, models.CollectionPlayers, store.Query{
		Filter: store.Filter{"room_id": r.roomID, "nickname": r.nickname},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch own player: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotInRoom
	}
	return models.PlayerFromRecord(recs[0]), nil
}

// RankRoster orders a roster snapshot for scored modes: score
// descending, nickname ascending for stable ties.
func RankRoster(players []*models.Player) []*models.Player {
	ranked := make([]*models.Player, len(players))
	copy(ranked, players)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].CurrentScore != ranked[j].CurrentScore {
			return ranked[i].CurrentScore > ranked[j].CurrentScore
		}
		return ranked[i].Nickname < ranked[j].Nickname
	})
	return ranked
}

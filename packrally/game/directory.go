// Package game coordinates multiplayer rooms: creation and joining,
// the room lifecycle, winner arbitration and the live roster. All
// cross-client safety comes from the store's conditional writes and
// idempotent updates; no process here holds authoritative state.
package game

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

var (
	ErrRoomNotFound  = errors.New("room not found or already started")
	ErrNicknameTaken = errors.New("nickname already taken in this room")
	ErrBlankNickname = errors.New("nickname must not be blank")
	ErrNotInRoom     = errors.New("player is not in this room")
)

const joinCodeWidth = 6

// Directory creates and joins rooms.
type Directory struct {
	st store.Client
}

func NewDirectory(st store.Client) *Directory {
	return &Directory{st: st}
}

// CreateRoom inserts the room, then the host's player row. Join codes
// are random and not checked for uniqueness against other active
// rooms; JoinRoom resolves a collision to the newest waiting room.
// If the host insert fails the room is left behind without players;
// the sweeper reclaims it after the grace period.
func (d *Directory) CreateRoom(ctx context.Context, hostNickname string, mode models.GameMode, targetRarity string, timeLimitMinutes int) (*models.Room, string, error) {
	hostNickname = strings.TrimSpace(hostNickname)
	if hostNickname == "" {
		return nil, "", ErrBlankNickname
	}
	if timeLimitMinutes <= 0 {
		return nil, "", fmt.Errorf("time limit must be positive, got %d", timeLimitMinutes)
	}

	room := &models.Room{
		ID:               store.NewID(),
		JoinCode:         newJoinCode(),
		HostNickname:     hostNickname,
		Mode:             mode,
		TargetRarity:     targetRarity,
		TimeLimitMinutes: timeLimitMinutes,
		Status:           models.RoomWaiting,
		CreatedAt:        time.Now(),
	}

	if _, err := d.st.Insert(ctx, models.CollectionRooms, room.Record()); err != nil {
		return nil, "", fmt.Errorf("failed to create room: %w", err)
	}

	host := &models.Player{
		ID:        store.NewID(),
		RoomID:    room.ID,
		Nickname:  hostNickname,
		IsHost:    true,
		CreatedAt: time.Now(),
	}
	if _, err := d.st.Insert(ctx, models.CollectionPlayers, host.Record()); err != nil {
		// Known partial-failure state: the room exists with zero
		// players until the sweeper collects it.
		slog.Warn("Room created but host insert failed",
			slog.String("room_id", room.ID),
			slog.Any("error", err))
		return nil, "", fmt.Errorf("failed to add host to room: %w", err)
	}

	slog.Info("Room created",
		slog.String("room_id", room.ID),
		slog.String("mode", string(mode)),
		slog.String("host", hostNickname))
	return room, room.JoinCode, nil
}

// JoinRoom adds a player to the newest waiting room with the given
// code.
func (d *Directory) JoinRoom(ctx context.Context, pinCode, nickname string) (*models.Room, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, ErrBlankNickname
	}

	rooms, err := d.st.Query(ctx, models.CollectionRooms, store.Query{
		Filter:  store.Filter{"join_code": pinCode, "status": string(models.RoomWaiting)},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up room: %w", err)
	}
	if len(rooms) == 0 {
		return nil, ErrRoomNotFound
	}
	room := models.RoomFromRecord(rooms[0])

	existing, err := d.st.Query(ctx, models.CollectionPlayers, store.Query{
		Filter: store.Filter{"room_id": room.ID, "nickname": nickname},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check nickname: %w", err)
	}
	if len(existing) > 0 {
		return nil, ErrNicknameTaken
	}

	player := &models.Player{
		ID:        store.NewID(),
		RoomID:    room.ID,
		Nickname:  nickname,
		CreatedAt: time.Now(),
	}
	if _, err := d.st.Insert(ctx, models.CollectionPlayers, player.Record()); err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	slog.Info("Player joined room",
		slog.String("room_id", room.ID),
		slog.String("nickname", nickname))
	return room, nil
}

// LeaveRoom deletes the caller's own player row. Subscriptions are
// torn down by the caller cancelling its contexts; there is no
// heartbeat eviction for players that never call this.
func (d *Directory) LeaveRoom(ctx context.Context, roomID, nickname string) error {
	affected, err := d.st.Delete(ctx, models.CollectionPlayers, store.Filter{
		"room_id":  roomID,
		"nickname": nickname,
	})
	if err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	if affected == 0 {
		return ErrNotInRoom
	}
	return nil
}

func newJoinCode() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%0*d", joinCodeWidth, time.Now().UnixNano()%1_000_000)
	}
	n := binary.BigEndian.Uint32(b[:]) % 1_000_000
	return fmt.Sprintf("%0*d", joinCodeWidth, n)
}

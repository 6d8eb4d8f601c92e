// Package models defines the coordination records. Each model carries
// bun tags for schema creation and converts to and from the generic
// store record shape the coordination packages speak.
package models

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/packrally/packrally/packrally/store"
)

const CollectionRooms = "rooms"

type GameMode string

const (
	ModeClassic GameMode = "classic"
	ModeArcade  GameMode = "arcade"
)

type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomPlaying  RoomStatus = "playing"
	RoomFinished RoomStatus = "finished"
)

// Room is one multiplayer game session. Status only moves forward
// (waiting -> playing -> finished) and the winner pair is set at most
// once, by a conditional write while the room is playing.
type Room struct {
	bun.BaseModel `bun:"table:rooms,alias:r"`

	ID               string     `bun:"id,pk"`
	JoinCode         string     `bun:"join_code,notnull"`
	HostNickname     string     `bun:"host_nickname,notnull"`
	Mode             GameMode   `bun:"mode,notnull"`
	TargetRarity     string     `bun:"target_rarity"`
	TimeLimitMinutes int        `bun:"time_limit_minutes,notnull"`
	Status           RoomStatus `bun:"status,notnull"`
	StartedAt        *time.Time `bun:"started_at,nullzero"`
	EndsAt           *time.Time `bun:"ends_at,nullzero"`
	WinnerNickname   *string    `bun:"winner_nickname,nullzero"`
	WinningItem      *string    `bun:"winning_item,nullzero"`
	CreatedAt        time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

func (r *Room) Record() store.Record {
	rec := store.Record{
		"id":                 r.ID,
		"join_code":          r.JoinCode,
		"host_nickname":      r.HostNickname,
		"mode":               string(r.Mode),
		"target_rarity":      r.TargetRarity,
		"time_limit_minutes": int64(r.TimeLimitMinutes),
		"status":             string(r.Status),
		"created_at":         r.CreatedAt,
	}
	if r.StartedAt != nil {
		rec["started_at"] = *r.StartedAt
	}
	if r.EndsAt != nil {
		rec["ends_at"] = *r.EndsAt
	}
	if r.WinnerNickname != nil {
		rec["winner_nickname"] = *r.WinnerNickname
	}
	if r.WinningItem != nil {
		rec["winning_item"] = *r.WinningItem
	}
	return rec
}

func RoomFromRecord(rec store.Record) *Room {
	r := &Room{
		ID:               rec.String("id"),
		JoinCode:         rec.String("join_code"),
		HostNickname:     rec.String("host_nickname"),
		Mode:             GameMode(rec.String("mode")),
		TargetRarity:     rec.String("target_rarity"),
		TimeLimitMinutes: int(rec.Int("time_limit_minutes")),
		Status:           RoomStatus(rec.String("status")),
		CreatedAt:        rec.Time("created_at"),
	}
	if rec.IsSet("started_at") {
		t := rec.Time("started_at")
		r.StartedAt = &t
	}
	if rec.IsSet("ends_at") {
		t := rec.Time("ends_at")
		r.EndsAt = &t
	}
	if rec.IsSet("winner_nickname") {
		s := rec.String("winner_nickname")
		r.WinnerNickname = &s
	}
	if rec.IsSet("winning_item") {
		s := rec.String("winning_item")
		r.WinningItem = &s
	}
	return r
}

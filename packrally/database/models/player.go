package models

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/packrally/packrally/packrally/store"
)

const CollectionPlayers = "players"

// Player is one roster entry, created on join and deleted on leave.
// One row per (room, nickname).
type Player struct {
	bun.BaseModel `bun:"table:players,alias:p"`

	ID            string    `bun:"id,pk"`
	RoomID        string    `bun:"room_id,notnull"`
	Nickname      string    `bun:"nickname,notnull"`
	IsHost        bool      `bun:"is_host,notnull,default:false"`
	CurrentItem   *string   `bun:"current_item,nullzero"`
	CurrentRarity *string   `bun:"current_rarity,nullzero"`
	CurrentScore  int64     `bun:"current_score,notnull,default:0"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func (p *Player) Record() store.Record {
	rec := store.Record{
		"id":            p.ID,
		"room_id":       p.RoomID,
		"nickname":      p.Nickname,
		"is_host":       p.IsHost,
		"current_score": p.CurrentScore,
		"created_at":    p.CreatedAt,
	}
	if p.CurrentItem != nil {
		rec["current_item"] = *p.CurrentItem
	}
	if p.CurrentRarity != nil {
		rec["current_rarity"] = *p.CurrentRarity
	}
	return rec
}

func PlayerFromRecord(rec store.Record) *Player {
	p := &Player{
		ID:           rec.String("id"),
		RoomID:       rec.String("room_id"),
		Nickname:     rec.String("nickname"),
		IsHost:       rec.Bool("is_host"),
		CurrentScore: rec.Int("current_score"),
		CreatedAt:    rec.Time("created_at"),
	}
	if rec.IsSet("current_item") {
		s := rec.String("current_item")
		p.CurrentItem = &s
	}
	if rec.IsSet("current_rarity") {
		s := rec.String("current_rarity")
		p.CurrentRarity = &s
	}
	return p
}

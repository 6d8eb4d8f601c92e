package models

import (
	"github.com/uptrace/bun"

	"github.com/packrally/packrally/packrally/store"
)

const CollectionOfferLines = "offer_lines"

// OfferLine is one (item, quantity) entry an owner has placed into a
// trade session. Quantity stays >= 1; a line whose quantity would
// drop to zero is deleted, not zeroed. At most one line exists per
// (session, owner, item).
type OfferLine struct {
	bun.BaseModel `bun:"table:offer_lines,alias:ol"`

	ID            string `bun:"id,pk"`
	SessionID     string `bun:"session_id,notnull"`
	OwnerNickname string `bun:"owner_nickname,notnull"`
	ItemName      string `bun:"item_name,notnull"`
	ItemRarity    string `bun:"item_rarity,notnull"`
	Quantity      int64  `bun:"quantity,notnull,default:1"`
}

func (l *OfferLine) Record() store.Record {
	return store.Record{
		"id":             l.ID,
		"session_id":     l.SessionID,
		"owner_nickname": l.OwnerNickname,
		"item_name":      l.ItemName,
		"item_rarity":    l.ItemRarity,
		"quantity":       l.Quantity,
	}
}

func OfferLineFromRecord(rec store.Record) *OfferLine {
	return &OfferLine{
		ID:            rec.String("id"),
		SessionID:     rec.String("session_id"),
		OwnerNickname: rec.String("owner_nickname"),
		ItemName:      rec.String("item_name"),
		ItemRarity:    rec.String("item_rarity"),
		Quantity:      rec.Int("quantity"),
	}
}

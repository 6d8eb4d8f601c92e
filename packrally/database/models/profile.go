package models

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/packrally/packrally/packrally/store"
)

const (
	CollectionProfiles       = "profiles"
	CollectionInventoryItems = "inventory_items"
)

// Profile is a registered player identity, independent of any room.
// Trade targets are resolved against profiles, and settlement
// increments the successful-trades counter here.
type Profile struct {
	bun.BaseModel `bun:"table:profiles,alias:pr"`

	ID               string    `bun:"id,pk"`
	Nickname         string    `bun:"nickname,notnull,unique"`
	SuccessfulTrades int64     `bun:"successful_trades,notnull,default:0"`
	CreatedAt        time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func (p *Profile) Record() store.Record {
	return store.Record{
		"id":                p.ID,
		"nickname":          p.Nickname,
		"successful_trades": p.SuccessfulTrades,
		"created_at":        p.CreatedAt,
	}
}

func ProfileFromRecord(rec store.Record) *Profile {
	return &Profile{
		ID:               rec.String("id"),
		Nickname:         rec.String("nickname"),
		SuccessfulTrades: rec.Int("successful_trades"),
		CreatedAt:        rec.Time("created_at"),
	}
}

// InventoryItem is one stack of a collected item in a player's
// inventory, keyed by (owner, item).
type InventoryItem struct {
	bun.BaseModel `bun:"table:inventory_items,alias:inv"`

	ID            string `bun:"id,pk"`
	OwnerNickname string `bun:"owner_nickname,notnull"`
	ItemName      string `bun:"item_name,notnull"`
	ItemRarity    string `bun:"item_rarity,notnull"`
	Quantity      int64  `bun:"quantity,notnull,default:0"`
}

func (i *InventoryItem) Record() store.Record {
	return store.Record{
		"id":             i.ID,
		"owner_nickname": i.OwnerNickname,
		"item_name":      i.ItemName,
		"item_rarity":    i.ItemRarity,
		"quantity":       i.Quantity,
	}
}

func InventoryItemFromRecord(rec store.Record) *InventoryItem {
	return &InventoryItem{
		ID:            rec.String("id"),
		OwnerNickname: rec.String("owner_nickname"),
		ItemName:      rec.String("item_name"),
		ItemRarity:    rec.String("item_rarity"),
		Quantity:      rec.Int("quantity"),
	}
}

package models

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/packrally/packrally/packrally/store"
)

const CollectionTradeSessions = "trade_sessions"

type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeTrading   TradeStatus = "trading"
	TradeCompleted TradeStatus = "completed"
	TradeDeclined  TradeStatus = "declined"
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeDeclined || s == TradeCancelled
}

// TradeSession is one two-party negotiation. Status moves only along
// pending -> trading -> {completed, declined, cancelled}. The two
// settled markers are per-party settlement guards: each party wins at
// most one conditional write on its own marker, so the one-shot
// settlement effects survive duplicate triggers and client restarts.
type TradeSession struct {
	bun.BaseModel `bun:"table:trade_sessions,alias:ts"`

	ID                 string      `bun:"id,pk"`
	RequesterNickname  string      `bun:"requester_nickname,notnull"`
	TargetNickname     string      `bun:"target_nickname,notnull"`
	Status             TradeStatus `bun:"status,notnull"`
	RequesterAccepted  bool        `bun:"requester_accepted,notnull,default:false"`
	TargetAccepted     bool        `bun:"target_accepted,notnull,default:false"`
	RequesterSettledAt *time.Time  `bun:"requester_settled_at,nullzero"`
	TargetSettledAt    *time.Time  `bun:"target_settled_at,nullzero"`
	CreatedAt          time.Time   `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt          time.Time   `bun:"updated_at,notnull,default:current_timestamp"`
}

// Role returns the acceptance-flag field owned by nickname, or ""
// when the nickname is not a party to the session.
func (t *TradeSession) Role(nickname string) string {
	switch nickname {
	case t.RequesterNickname:
		return "requester"
	case t.TargetNickname:
		return "target"
	default:
		return ""
	}
}

// Other returns the opposing party's nickname.
func (t *TradeSession) Other(nickname string) string {
	if nickname == t.RequesterNickname {
		return t.TargetNickname
	}
	return t.RequesterNickname
}

func (t *TradeSession) Record() store.Record {
	rec := store.Record{
		"id":                 t.ID,
		"requester_nickname": t.RequesterNickname,
		"target_nickname":    t.TargetNickname,
		"status":             string(t.Status),
		"requester_accepted": t.RequesterAccepted,
		"target_accepted":    t.TargetAccepted,
		"created_at":         t.CreatedAt,
		"updated_at":         t.UpdatedAt,
	}
	if t.RequesterSettledAt != nil {
		rec["requester_settled_at"] = *t.RequesterSettledAt
	}
	if t.TargetSettledAt != nil {
		rec["target_settled_at"] = *t.TargetSettledAt
	}
	return rec
}

func TradeSessionFromRecord(rec store.Record) *TradeSession {
	t := &TradeSession{
		ID:                rec.String("id"),
		RequesterNickname: rec.String("requester_nickname"),
		TargetNickname:    rec.String("target_nickname"),
		Status:            TradeStatus(rec.String("status")),
		RequesterAccepted: rec.Bool("requester_accepted"),
		TargetAccepted:    rec.Bool("target_accepted"),
		CreatedAt:         rec.Time("created_at"),
		UpdatedAt:         rec.Time("updated_at"),
	}
	if rec.IsSet("requester_settled_at") {
		ts := rec.Time("requester_settled_at")
		t.RequesterSettledAt = &ts
	}
	if rec.IsSet("target_settled_at") {
		ts := rec.Time("target_settled_at")
		t.TargetSettledAt = &ts
	}
	return t
}

package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SpooledBatch is a dead-lettered append batch: the encoded payload a failed
// append would have carried, kept so it can be replayed through a fresh channel.
type SpooledBatch struct {
	bun.BaseModel `bun:"table:spooled_batches,alias:sb"`

	ID           int64     `bun:",pk,autoincrement"`
	RunID        string    `bun:",notnull"`
	ChannelName  string    `bun:",notnull"`
	TargetOffset int64     `bun:",notnull"`
	RowCount     int       `bun:",notnull"`
	Payload      []byte    `bun:",notnull"`
	FailureKind  string    `bun:",notnull"`
	FailureMsg   string
	CreatedAt    time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	ReplayedAt   time.Time `bun:",nullzero"`
}

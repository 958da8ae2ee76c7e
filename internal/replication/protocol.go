// Package replication defines the messages and interfaces a broadcaster and
// its listeners exchange.
package replication

import (
	"context"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/shardkv/internal/replication/fifo"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// WriteRequest carries a single write to a listener. The token's transition
// is the write's timestamp on the broadcaster's branch.
type WriteRequest struct {
	Op    store.WriteOp   `json:"op"`
	Token fifo.WriteToken `json:"token"`
	// Respond asks the listener to include the write's effect in its ack.
	Respond bool `json:"respond,omitempty"`
}

// WriteAck acknowledges a write. Applied is false if the listener only
// queued the write because it is still backfilling.
type WriteAck struct {
	Applied  bool                 `json:"applied"`
	Response *store.WriteResponse `json:"response,omitempty"`
}

// ReadRequest carries a read to a listener. The listener serves it once it
// applied every write up to MinTimestamp or, if Token is set, once every
// write admitted before the read has passed its store entrance.
type ReadRequest struct {
	Op           store.ReadOp        `json:"op"`
	MinTimestamp timestamp.Timestamp `json:"min_timestamp"`
	Token        *fifo.ReadToken     `json:"token,omitempty"`
}

// Intro is what a listener learns about the broadcaster when registering.
type Intro struct {
	// ID identifies the listener with the broadcaster.
	ID     uuid.UUID     `json:"id"`
	Branch uuid.UUID     `json:"branch"`
	Region region.Region `json:"region"`
	// BeginTimestamp is the newest timestamp whose writes are all complete.
	// Every write after it is sent to the listener.
	BeginTimestamp timestamp.Timestamp `json:"begin_timestamp"`
	// Fifo is the state of the listener's token source before the first
	// write was sent to it.
	Fifo    fifo.State       `json:"fifo"`
	History version.Snapshot `json:"history"`
}

// ListenerClient dispatches operations to a single listener.
type ListenerClient interface {
	Write(ctx context.Context, req WriteRequest) (WriteAck, error)
	Read(ctx context.Context, req ReadRequest) (store.ReadResponse, error)
}

// Registrar attaches listeners to a broadcaster.
type Registrar interface {
	// Register attaches a listener. Writes start flowing to it before
	// Register returns.
	Register(ctx context.Context, listener ListenerClient) (Intro, error)
	// Upgrade marks a listener as readable.
	Upgrade(ctx context.Context, id uuid.UUID) error
	// Downgrade marks a listener as no longer readable.
	Downgrade(ctx context.Context, id uuid.UUID) error
	// Deregister detaches a listener.
	Deregister(ctx context.Context, id uuid.UUID) error
}

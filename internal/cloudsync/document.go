// Package cloudsync mirrors the local store into a shared remote document
// with last-writer-wins reconciliation.
package cloudsync

import (
	"context"
	"time"

	"github.com/sadopc/doflow/internal/store"
)

// Document is the whole synced state plus its arbitration timestamp.
type Document struct {
	Snapshot  store.Snapshot `json:"snapshot"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeviceID  string         `json:"deviceId,omitempty"`
}

// Remote is a shared document host.
type Remote interface {
	// Get returns the remote document, or nil if none was ever written.
	Get(ctx context.Context) (*Document, error)
	Set(ctx context.Context, doc Document) error
	// Watch signals whenever the remote document may have changed. The
	// channel is closed when ctx is done.
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Direction is the outcome of a reconcile.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionPull
	DirectionPush
)

func (d Direction) String() string {
	switch d {
	case DirectionPull:
		return "pull"
	case DirectionPush:
		return "push"
	default:
		return "none"
	}
}

// Resolve picks the winner of local and remote. The newer document wins
// verbatim; equal timestamps keep local and need no transfer.
func Resolve(local, remote Document) (Document, Direction) {
	switch {
	case remote.UpdatedAt.After(local.UpdatedAt):
		return remote, DirectionPull
	case local.UpdatedAt.After(remote.UpdatedAt):
		return local, DirectionPush
	default:
		return local, DirectionNone
	}
}

// Message types of the document server protocol.
const (
	MsgGet      = "get"
	MsgSet      = "set"
	MsgDocument = "document"
	MsgAck      = "ack"
	MsgChanged  = "changed"
	MsgError    = "error"
)

// Message is one websocket frame between a client and the document server.
type Message struct {
	Type     string    `json:"type"`
	Document *Document `json:"document,omitempty"`
	Stored   bool      `json:"stored,omitempty"`
	Error    string    `json:"error,omitempty"`
}

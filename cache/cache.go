// Package cache defines the storage contract the mailbox synchroniser
// reconciles against: per-mailbox sync state, the sequence→UID map, and
// per-message metadata, flags, body parts and threading data (spec.md
// section 4.8). Three backends implement it: memcache (in-process,
// default), sqlitecache and rediscache.
package cache

import (
	"context"
	"time"

	"github.com/fenilsonani/imapkit/wire"
)

// SyncState is the synchroniser's bookkeeping for one mailbox: the
// values it needs to classify the next SELECT against the decision
// table in spec.md section 4.7.
type SyncState struct {
	UIDValidity   uint32
	UIDNext       uint32
	Exists        uint32
	HighestModSeq uint64
}

// MessageMetadata is the static, UIDVALIDITY-scoped data cached per
// message: fields that flag changes never invalidate (spec.md section
// 4.7, "flag updates never invalidate envelope or body caches").
type MessageMetadata struct {
	Envelope      *wire.Envelope
	BodyStructure *wire.BodyStructure
	InternalDate  time.Time
	Size          uint32
}

// Cache is the storage contract every backend implements. Every method
// takes mailbox as the canonical (decoded) mailbox name; backends are
// responsible for their own key-namespacing by account if they serve
// more than one.
type Cache interface {
	GetSyncState(ctx context.Context, mailbox string) (SyncState, bool, error)
	SetSyncState(ctx context.Context, mailbox string, state SyncState) error

	// GetUIDMap/SetUIDMap carry the sequence→UID mapping as a slice
	// indexed by sequence number minus one (index 0 is message sequence
	// 1); a zero entry denotes a
	// placeholder with unknown UID (spec.md section 4.7's handling of
	// a fresh EXISTS before its UID FETCH reply lands).
	GetUIDMap(ctx context.Context, mailbox string) ([]uint32, bool, error)
	SetUIDMap(ctx context.Context, mailbox string, uids []uint32) error
	ClearUIDMap(ctx context.Context, mailbox string) error

	GetMessageMetadata(ctx context.Context, mailbox string, uid uint32) (MessageMetadata, bool, error)
	SetMessageMetadata(ctx context.Context, mailbox string, uid uint32, meta MessageMetadata) error

	GetFlags(ctx context.Context, mailbox string, uid uint32) ([]string, bool, error)
	SetFlags(ctx context.Context, mailbox string, uid uint32, flags []string) error

	GetBodyPart(ctx context.Context, mailbox string, uid uint32, partID string) ([]byte, bool, error)
	SetBodyPart(ctx context.Context, mailbox string, uid uint32, partID string, data []byte) error

	GetThreading(ctx context.Context, mailbox string) ([]wire.ThreadNode, bool, error)
	SetThreading(ctx context.Context, mailbox string, tree []wire.ThreadNode) error

	ClearAllMessages(ctx context.Context, mailbox string) error
	ClearMessage(ctx context.Context, mailbox string, uid uint32) error
}

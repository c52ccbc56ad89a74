// Package memcache is the default cache.Cache backend: everything lives
// in process memory behind one mutex. It exists for short-lived
// processes, tests, and any caller that would rather lose its cache on
// restart than manage a file or a Redis instance.
package memcache

import (
	"context"
	"sync"

	"github.com/fenilsonani/imapkit/cache"
	"github.com/fenilsonani/imapkit/wire"
)

type mailboxData struct {
	state     cache.SyncState
	stateSet  bool
	uids      []uint32
	uidsSet   bool
	metadata  map[uint32]cache.MessageMetadata
	flags     map[uint32][]string
	bodyParts map[uint32]map[string][]byte
	threading []wire.ThreadNode
}

func newMailboxData() *mailboxData {
	return &mailboxData{
		metadata:  map[uint32]cache.MessageMetadata{},
		flags:     map[uint32][]string{},
		bodyParts: map[uint32]map[string][]byte{},
	}
}

// Cache is an in-memory cache.Cache.
type Cache struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailboxData
}

// New returns an empty in-memory cache.
func New() *Cache {
	return &Cache{mailboxes: map[string]*mailboxData{}}
}

func (c *Cache) box(mailbox string) *mailboxData {
	m, ok := c.mailboxes[mailbox]
	if !ok {
		m = newMailboxData()
		c.mailboxes[mailbox] = m
	}
	return m
}

func (c *Cache) GetSyncState(ctx context.Context, mailbox string) (cache.SyncState, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mailboxes[mailbox]
	if !ok || !m.stateSet {
		return cache.SyncState{}, false, nil
	}
	return m.state, true, nil
}

func (c *Cache) SetSyncState(ctx context.Context, mailbox string, state cache.SyncState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.box(mailbox)
	m.state = state
	m.stateSet = true
	return nil
}

func (c *Cache) GetUIDMap(ctx context.Context, mailbox string) ([]uint32, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mailboxes[mailbox]
	if !ok || !m.uidsSet {
		return nil, false, nil
	}
	out := make([]uint32, len(m.uids))
	copy(out, m.uids)
	return out, true, nil
}

func (c *Cache) SetUIDMap(ctx context.Context, mailbox string, uids []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.box(mailbox)
	m.uids = append([]uint32{}, uids...)
	m.uidsSet = true
	return nil
}

func (c *Cache) ClearUIDMap(ctx context.Context, mailbox string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.box(mailbox)
	m.uids = nil
	m.uidsSet = false
	return nil
}

func (c *Cache) GetMessageMetadata(ctx context.Context, mailbox string, uid uint32) (cache.MessageMetadata, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mailboxes[mailbox]
	if !ok {
		return cache.MessageMetadata{}, false, nil
	}
	meta, ok := m.metadata[uid]
	return meta, ok, nil
}

func (c *Cache) SetMessageMetadata(ctx context.Context, mailbox string, uid uint32, meta cache.MessageMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.box(mailbox)
	m.metadata[uid] = meta
	return nil
}

func (c *Cache) GetFlags(ctx context.Context, mailbox string, uid uint32) ([]string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mailboxes[mailbox]
	if !ok {
		return nil, false, nil
	}
	flags, ok := m.flags[uid]
	return flags, ok, nil
}

func (c *Cache) SetFlags(ctx context.Context, mailbox string, uid uint32, flags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.box(mailbox)
	m.flags[uid] = append([]string{}, flags...)
	return nil
}

func (c *Cache) GetBodyPart(ctx context.Context, mailbox string, uid uint32, partID string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mailboxes[mailbox]
	if !ok {
		return nil, false, nil
	}
	parts, ok := m.bodyParts[uid]
	if !ok {
		return nil, false, nil
	}
	data, ok := parts[partID]
	return data, ok, nil
}

func (c *Cache) SetBodyPart(ctx context.Context, mailbox string, uid uint32, partID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.box(mailbox)
	parts, ok := m.bodyParts[uid]
	if !ok {
		parts = map[string][]byte{}
		m.bodyParts[uid] = parts
	}
	parts[partID] = append([]byte{}, data...)
	return nil
}

func (c *Cache) GetThreading(ctx context.Context, mailbox string) ([]wire.ThreadNode, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mailboxes[mailbox]
	if !ok || m.threading == nil {
		return nil, false, nil
	}
	return m.threading, true, nil
}

func (c *Cache) SetThreading(ctx context.Context, mailbox string, tree []wire.ThreadNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.box(mailbox)
	m.threading = tree
	return nil
}

// ClearAllMessages drops every per-message record for mailbox: its UID
// map, metadata, flags, body parts and threading. It leaves the
// mailbox's SyncState alone; the caller (mboxsync's DecisionInvalidate/
// DecisionFullResync branch, spec.md section 4.7) always persists a
// fresh SyncState of its own right after, so this only needs to clear
// the data that's actually now stale.
func (c *Cache) ClearAllMessages(ctx context.Context, mailbox string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mailboxes[mailbox]
	if !ok {
		return nil
	}
	m.uids = nil
	m.uidsSet = false
	m.metadata = map[uint32]cache.MessageMetadata{}
	m.flags = map[uint32][]string{}
	m.bodyParts = map[uint32]map[string][]byte{}
	m.threading = nil
	return nil
}

func (c *Cache) ClearMessage(ctx context.Context, mailbox string, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mailboxes[mailbox]
	if !ok {
		return nil
	}
	delete(m.metadata, uid)
	delete(m.flags, uid)
	delete(m.bodyParts, uid)
	return nil
}

var _ cache.Cache = (*Cache)(nil)

package mboxsync

import (
	"context"
	"strconv"

	"github.com/fenilsonani/imapkit/wire"
)

// applyMutation handles one untagged response seen while a mailbox is
// selected and no command currently owns the sink: EXISTS growth,
// EXPUNGE, VANISHED and incremental FETCH pushes (spec.md section 4.7,
// "In-session mutations"). Grounded on the teacher's UpdateHub
// (internal/imap/updates.go): same "apply to in-memory state, fan the
// change out to subscribers" shape, mirrored from server-push-to-client
// to client-apply-from-server.
func (s *Synchroniser) applyMutation(resp *wire.Response) {
	s.mu.Lock()
	state := s.selected
	s.mu.Unlock()
	if state == nil {
		return
	}

	switch resp.Kind {
	case wire.KindExists:
		s.applyExists(state, resp.Count)
	case wire.KindExpunge:
		s.applyExpunge(state, resp.Count)
	case wire.KindVanished:
		s.applyVanished(state, resp.Vanished)
	case wire.KindFetch:
		s.applyFetch(state, resp.Fetch)
	case wire.KindStatusUntagged:
		s.applyStatusCode(state, resp)
	}
}

// applyExists grows the UID map with UID-unknown placeholders and
// kicks off UID FETCH uidNext:* (FLAGS) to resolve them, per spec.md
// section 4.7's in-session EXISTS-growth rule.
func (s *Synchroniser) applyExists(state *MailboxState, newCount uint32) {
	s.mu.Lock()
	old := state.SyncState.Exists
	if newCount <= old {
		s.mu.Unlock()
		return
	}
	growth := newCount - old
	for i := uint32(0); i < growth; i++ {
		state.UIDMap = append(state.UIDMap, 0)
	}
	state.SyncState.Exists = newCount
	mailbox := state.Name
	s.mu.Unlock()

	s.emit(Event{Mailbox: mailbox, Kind: EventExists, Seq: newCount})

	go s.resolveNewUIDs(state)
}

// resolveNewUIDs issues UID FETCH uidNext:* (FLAGS) to learn the UIDs
// behind the placeholders applyExists just allocated. Any other
// untagged traffic that arrives while this is outstanding (a further
// EXISTS, an EXPUNGE racing ahead of the UID reply, VANISHED) is still
// a real mutation and is applied immediately rather than queued.
func (s *Synchroniser) resolveNewUIDs(state *MailboxState) {
	s.mu.Lock()
	fromUID := state.SyncState.UIDNext
	mailbox := state.Name
	s.mu.Unlock()
	if fromUID == 0 {
		fromUID = 1
	}

	release := s.withSink(func(resp *wire.Response) {
		if resp.Kind == wire.KindFetch {
			s.resolvePlaceholder(state, resp.Fetch)
			return
		}
		s.applyMutation(resp)
	})
	defer release()

	b, replyC, _ := s.issuer.NewCommandNamed("UID")
	b.Atom("FETCH").Raw(strconv.FormatUint(uint64(fromUID), 10) + ":*").Raw("(FLAGS)")
	if _, err := b.Flush(context.Background()); err != nil {
		s.log.Warn("mboxsync: resolving new-message UIDs failed", "mailbox", mailbox, "error", err)
		return
	}
	<-replyC
}

// resolvePlaceholder fills in the UID a FETCH reply reveals for a
// message sequence number whose UID was still unknown. A FETCH for a
// sequence number outside the current map (already expunged before its
// UID arrived) is silently dropped: spec.md section 4.7 is explicit
// that the client must not invent a UID for it.
func (s *Synchroniser) resolvePlaceholder(state *MailboxState, f *wire.Fetch) {
	uidAttr, ok := f.Attr("UID")
	if !ok {
		return
	}

	s.mu.Lock()
	idx := int(f.Seq) - 1
	if idx < 0 || idx >= len(state.UIDMap) {
		s.mu.Unlock()
		return
	}
	state.UIDMap[idx] = uidAttr.UID
	mailbox := state.Name
	uidMapCopy := append([]uint32{}, state.UIDMap...)
	s.mu.Unlock()

	ctx := context.Background()
	_ = s.cacheStore.SetUIDMap(ctx, mailbox, uidMapCopy)

	if flagsAttr, ok := f.Attr("FLAGS"); ok {
		_ = s.cacheStore.SetFlags(ctx, mailbox, uidAttr.UID, flagsAttr.Flags)
		s.emit(Event{Mailbox: mailbox, Kind: EventFlagsChanged, UID: uidAttr.UID, Flags: flagsAttr.Flags})
	}
}

// applyExpunge removes one sequence position and renumbers everything
// after it. If the expunged position's UID was never learned (the
// EXPUNGE-before-UID-reply race spec.md section 4.7 calls out), no UID
// is reported and UIDNEXT is left untouched; it only advances when the
// server explicitly sends "* OK [UIDNEXT n]".
func (s *Synchroniser) applyExpunge(state *MailboxState, seq uint32) {
	s.mu.Lock()
	idx := int(seq) - 1
	var uid uint32
	if idx >= 0 && idx < len(state.UIDMap) {
		uid = state.UIDMap[idx]
		state.UIDMap = append(state.UIDMap[:idx:idx], state.UIDMap[idx+1:]...)
	}
	if state.SyncState.Exists > 0 {
		state.SyncState.Exists--
	}
	mailbox := state.Name
	uidMapCopy := append([]uint32{}, state.UIDMap...)
	s.mu.Unlock()

	ctx := context.Background()
	_ = s.cacheStore.SetUIDMap(ctx, mailbox, uidMapCopy)
	if uid != 0 {
		_ = s.cacheStore.ClearMessage(ctx, mailbox, uid)
	}
	s.emit(Event{Mailbox: mailbox, Kind: EventExpunge, Seq: seq, UID: uid})
}

// applyVanished removes messages by UID regardless of their current
// sequence position (spec.md section 4.7, VANISHED without EARLIER is
// an in-session expunge-equivalent delivered by UID rather than by
// sequence number).
func (s *Synchroniser) applyVanished(state *MailboxState, v *wire.Vanished) {
	if v == nil {
		return
	}
	goneSet := map[uint32]bool{}
	for _, r := range v.UIDs {
		lo, hi := r.Min, r.Max
		if hi == 0 {
			hi = lo
		}
		for u := lo; u <= hi; u++ {
			goneSet[u] = true
		}
	}

	s.mu.Lock()
	newMap := make([]uint32, 0, len(state.UIDMap))
	var gone []uint32
	for _, u := range state.UIDMap {
		if u != 0 && goneSet[u] {
			gone = append(gone, u)
			continue
		}
		newMap = append(newMap, u)
	}
	state.UIDMap = newMap
	if uint32(len(gone)) <= state.SyncState.Exists {
		state.SyncState.Exists -= uint32(len(gone))
	}
	mailbox := state.Name
	s.mu.Unlock()

	ctx := context.Background()
	_ = s.cacheStore.SetUIDMap(ctx, mailbox, newMap)
	for _, u := range gone {
		_ = s.cacheStore.ClearMessage(ctx, mailbox, u)
		s.emit(Event{Mailbox: mailbox, Kind: EventVanished, UID: u})
	}
}

// applyFetch merges an incremental untagged FETCH (typically a flag
// change pushed by another client) into the cache. Only FLAGS is
// written here: envelope and body-structure caches are untouched, since
// spec.md section 4.7 says flag updates never invalidate them.
func (s *Synchroniser) applyFetch(state *MailboxState, f *wire.Fetch) {
	if f == nil {
		return
	}

	s.mu.Lock()
	idx := int(f.Seq) - 1
	var uid uint32
	if idx >= 0 && idx < len(state.UIDMap) {
		uid = state.UIDMap[idx]
	}
	if uidAttr, ok := f.Attr("UID"); ok && uidAttr.UID != 0 {
		uid = uidAttr.UID
		if idx >= 0 && idx < len(state.UIDMap) {
			state.UIDMap[idx] = uid
		}
	}
	mailbox := state.Name
	s.mu.Unlock()

	if uid == 0 {
		return
	}

	ctx := context.Background()
	if flagsAttr, ok := f.Attr("FLAGS"); ok {
		_ = s.cacheStore.SetFlags(ctx, mailbox, uid, flagsAttr.Flags)
		s.emit(Event{Mailbox: mailbox, Kind: EventFlagsChanged, UID: uid, Flags: flagsAttr.Flags})
	}
	s.emit(Event{Mailbox: mailbox, Kind: EventFetchMerged, UID: uid, Fetch: f})
}

// applyStatusCode handles a bare untagged OK carrying a response code
// outside of a SELECT, most commonly "* OK [UIDNEXT n]" after an
// EXISTS whose UID fetch is still outstanding.
func (s *Synchroniser) applyStatusCode(state *MailboxState, resp *wire.Response) {
	if resp.Status == nil || resp.Status.Code == nil {
		return
	}
	if resp.Status.Code.Name != "UIDNEXT" {
		return
	}
	s.mu.Lock()
	state.SyncState.UIDNext = uint32(resp.Status.Code.Number)
	mailbox := state.Name
	fresh := state.SyncState
	s.mu.Unlock()

	_ = s.cacheStore.SetSyncState(context.Background(), mailbox, fresh)
}

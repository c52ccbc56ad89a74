// Package mboxsync reconciles a client-side cache against whatever a
// server says is true about a mailbox right now. It owns the one
// decision every IMAP client with a persistent cache has to make on
// every SELECT: is the cache still usable, and if so, exactly how much
// work does bringing it up to date require (spec.md section 4.7).
//
// This has no direct analog in the example corpus this library's wire
// layer, connection engine and scheduler are each grounded on: none of
// those repos are IMAP clients reconciling against a cache they wrote
// themselves in an earlier session. The decision table and reconciliation
// paths below follow spec.md section 4.7 directly, cross-checked against
// original_source/Imap/Model/Cache.h's cache-shape preconditions
// (UIDVALIDITY/UIDNEXT/EXISTS bookkeeping) for the exact fields each
// path needs.
package mboxsync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/fenilsonani/imapkit/cache"
	"github.com/fenilsonani/imapkit/internal/logging"
	"github.com/fenilsonani/imapkit/wire"
)

// Decision names which reconciliation path Select took, exposed mainly
// for logging and tests.
type Decision int

const (
	DecisionFullResync Decision = iota
	DecisionNoChange
	DecisionAppendOnly
	DecisionReenumerate
	DecisionInvalidate
	DecisionQResync
)

func (d Decision) String() string {
	switch d {
	case DecisionFullResync:
		return "full-resync"
	case DecisionNoChange:
		return "no-change"
	case DecisionAppendOnly:
		return "append-only"
	case DecisionReenumerate:
		return "re-enumerate"
	case DecisionInvalidate:
		return "invalidate"
	case DecisionQResync:
		return "qresync"
	default:
		return "unknown"
	}
}

// CommandIssuer is the subset of *conn.Engine the synchroniser needs: a
// way to start a tagged command and be handed its reply. Declared here,
// rather than imported from package conn, so mboxsync can be tested
// against a fake without pulling in the transport/bring-up machinery.
type CommandIssuer interface {
	NewCommandNamed(name string) (*wire.Builder, <-chan *wire.Response, string)
}

// MailboxState is the reconciled view of one mailbox's sync state and
// UID map, kept live by the Synchroniser for as long as it's selected.
type MailboxState struct {
	Name           string
	ReadOnly       bool
	SyncState      cache.SyncState
	UIDMap         []uint32 // indexed by sequence number minus one; UIDMap[0] is seq 1. A 0 entry is a placeholder (spec.md section 4.7).
	Flags          []string
	PermanentFlags []string
	Decision       Decision

	// NewUIDs/GoneUIDs describe the reconciliation's diff against the
	// cache, so the caller can schedule ENVELOPE/BODYSTRUCTURE fetches
	// for new messages without re-deriving it.
	NewUIDs  []uint32
	GoneUIDs []uint32
}

// Event is emitted for every applied in-session mutation, so a model
// layer can subscribe without mboxsync knowing anything about trees or
// widgets.
type Event struct {
	Mailbox string
	Kind    EventKind

	Seq   uint32      // EventExists, EventExpunge
	UID   uint32      // EventFlagsChanged, EventVanished, EventExpunge (0 if unknown), EventFetchMerged
	Flags []string    // EventFlagsChanged
	Fetch *wire.Fetch // EventFetchMerged
}

type EventKind int

const (
	EventExists EventKind = iota
	EventExpunge
	EventVanished
	EventFlagsChanged
	EventFetchMerged
)

// Synchroniser owns the reconciliation logic for every mailbox on one
// connection. It implements conn.UntaggedHandler directly: spec.md
// section 4.4 routes every untagged response, once bring-up completes,
// to a single handler with no per-command demultiplexing, so any
// command that expects untagged data (SELECT, SEARCH, UID FETCH) must
// register a temporary sink here before sending it and clear it once
// its own tagged reply lands.
type Synchroniser struct {
	cacheStore cache.Cache
	issuer     CommandIssuer
	log        *logging.Logger
	onUpdate   func(Event)

	mu       sync.Mutex
	sink     func(*wire.Response)
	selected *MailboxState
}

// New returns a Synchroniser. onUpdate may be nil if the caller doesn't
// need live notifications (e.g. a one-shot fetch tool).
func New(c cache.Cache, issuer CommandIssuer, log *logging.Logger, onUpdate func(Event)) *Synchroniser {
	return &Synchroniser{cacheStore: c, issuer: issuer, log: log, onUpdate: onUpdate}
}

// HandleUntagged implements conn.UntaggedHandler. Whichever command
// currently owns the sink gets first refusal; once a mailbox is open
// and nothing is actively collecting, traffic is an in-session mutation
// (mutate.go).
func (s *Synchroniser) HandleUntagged(resp *wire.Response) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(resp)
		return
	}
	s.applyMutation(resp)
}

// withSink installs fn as the untagged sink and returns a release
// function the caller must call once its command's tagged reply has
// been observed.
func (s *Synchroniser) withSink(fn func(*wire.Response)) func() {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.sink = nil
		s.mu.Unlock()
	}
}

func (s *Synchroniser) emit(e Event) {
	if s.onUpdate != nil {
		s.onUpdate(e)
	}
}

// collector accumulates the untagged responses a SELECT/EXAMINE produces
// between the command and its own tagged reply (spec.md section 4.7,
// "Inputs").
type collector struct {
	exists        *uint32
	flags         []string
	permFlags     []string
	uidValidity   *uint32
	uidNext       *uint32
	highestModSeq *uint64
	noModSeq      bool
	vanished      []*wire.Vanished
	fetches       []*wire.Fetch
}

func collectIntoSelect(col *collector, resp *wire.Response) {
	switch resp.Kind {
	case wire.KindExists:
		n := resp.Count
		col.exists = &n
	case wire.KindFlags:
		col.flags = resp.Flags
	case wire.KindStatusUntagged:
		if resp.Status != nil && resp.Status.Code != nil {
			applyCode(col, resp.Status.Code)
		}
	case wire.KindVanished:
		col.vanished = append(col.vanished, resp.Vanished)
	case wire.KindFetch:
		col.fetches = append(col.fetches, resp.Fetch)
	}
}

func applyCode(col *collector, code *wire.Code) {
	switch code.Name {
	case "UIDVALIDITY":
		v := uint32(code.Number)
		col.uidValidity = &v
	case "UIDNEXT":
		v := uint32(code.Number)
		col.uidNext = &v
	case "HIGHESTMODSEQ":
		v := code.Number
		col.highestModSeq = &v
	case "NOMODSEQ":
		col.noModSeq = true
	case "PERMANENTFLAGS":
		col.permFlags = code.Strings
	}
}

// Select reconciles mailbox against the cache and returns its resolved
// state. qresyncCapable reflects whether QRESYNC was ENABLEd during
// bring-up (spec.md section 4.5).
func (s *Synchroniser) Select(ctx context.Context, mailbox string, readOnly bool, qresyncCapable bool) (*MailboxState, error) {
	cached, cachedOK, err := s.cacheStore.GetSyncState(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("mboxsync: reading cached sync state: %w", err)
	}
	cachedUIDs, _, err := s.cacheStore.GetUIDMap(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("mboxsync: reading cached UID map: %w", err)
	}

	col := &collector{}
	release := s.withSink(func(resp *wire.Response) { collectIntoSelect(col, resp) })

	name := "SELECT"
	if readOnly {
		name = "EXAMINE"
	}
	b, replyC, _ := s.issuer.NewCommandNamed(name)
	b.Mailbox(mailbox)
	requestQResync := qresyncCapable && cachedOK && cached.UIDValidity != 0 && cached.HighestModSeq > 0
	if requestQResync {
		b.Raw(fmt.Sprintf("(QRESYNC (%d %d))", cached.UIDValidity, cached.HighestModSeq))
	}

	if _, err := b.Flush(ctx); err != nil {
		release()
		return nil, fmt.Errorf("mboxsync: sending %s: %w", name, err)
	}

	var resp *wire.Response
	select {
	case resp = <-replyC:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
	release()

	if resp.Status == nil || resp.Status.Type != wire.StatusOK {
		return nil, fmt.Errorf("mboxsync: %s %s failed: %s", name, mailbox, statusText(resp))
	}
	if resp.Status.Code != nil {
		applyCode(col, resp.Status.Code)
	}

	fresh := freshSyncState(col, cached)
	qresyncEligible := requestQResync && col.uidValidity != nil
	decision := classify(cached, cachedOK, fresh, qresyncEligible)
	decision = refineForVanished(decision, col, requestQResync)

	state := &MailboxState{
		Name:           mailbox,
		ReadOnly:       readOnly,
		SyncState:      fresh,
		Flags:          col.flags,
		PermanentFlags: col.permFlags,
		Decision:       decision,
	}

	switch decision {
	case DecisionInvalidate, DecisionFullResync:
		if err := s.cacheStore.ClearAllMessages(ctx, mailbox); err != nil {
			return nil, fmt.Errorf("mboxsync: clearing stale cache: %w", err)
		}
		uids, err := s.searchAllUIDs(ctx)
		if err != nil {
			return nil, err
		}
		state.UIDMap = uids
		state.NewUIDs = uids
		if err := s.fetchFlagsForRange(ctx, mailbox, "1:*"); err != nil {
			return nil, err
		}

	case DecisionNoChange:
		state.UIDMap = cachedUIDs
		if fresh.Exists > 0 {
			if err := s.fetchFlagsForRange(ctx, mailbox, "1:*"); err != nil {
				return nil, err
			}
		}

	case DecisionAppendOnly:
		newUIDs, err := s.fetchUIDsFrom(ctx, cached.UIDNext)
		if err != nil {
			return nil, err
		}
		merged := append(append([]uint32{}, cachedUIDs...), newUIDs...)
		if uint32(len(merged)) != fresh.Exists {
			s.log.Warn("mboxsync: append-only delta mismatch, falling back to re-enumerate",
				"mailbox", mailbox, "cached_exists", cached.Exists, "fresh_exists", fresh.Exists, "fetched", len(newUIDs))
			if err := s.reenumerate(ctx, state, cachedUIDs); err != nil {
				return nil, err
			}
		} else {
			state.UIDMap = merged
			state.NewUIDs = newUIDs
		}

	case DecisionReenumerate:
		if err := s.reenumerate(ctx, state, cachedUIDs); err != nil {
			return nil, err
		}
		if err := s.fetchFlagsForRange(ctx, mailbox, "1:*"); err != nil {
			return nil, err
		}

	case DecisionQResync:
		uidMap, goneUIDs := applyQResyncDelta(cachedUIDs, col)
		state.UIDMap = uidMap
		state.GoneUIDs = goneUIDs
		for _, f := range col.fetches {
			if uidAttr, ok := f.Attr("UID"); ok {
				state.NewUIDs = appendIfAbsent(state.NewUIDs, uidAttr.UID, cachedUIDs)
			}
			applyFetchFlagsOnly(s.cacheStore, mailbox, f)
		}
	}

	if err := s.cacheStore.SetSyncState(ctx, mailbox, fresh); err != nil {
		return nil, fmt.Errorf("mboxsync: persisting sync state: %w", err)
	}
	if err := s.cacheStore.SetUIDMap(ctx, mailbox, state.UIDMap); err != nil {
		return nil, fmt.Errorf("mboxsync: persisting UID map: %w", err)
	}
	for _, uid := range state.GoneUIDs {
		if err := s.cacheStore.ClearMessage(ctx, mailbox, uid); err != nil {
			return nil, fmt.Errorf("mboxsync: clearing vanished message %d: %w", uid, err)
		}
	}

	s.mu.Lock()
	s.selected = state
	s.mu.Unlock()
	return state, nil
}

func statusText(resp *wire.Response) string {
	if resp.Status.Text != "" {
		return resp.Status.Text
	}
	return resp.Status.Type.String()
}

// freshSyncState derives the post-SELECT SyncState from whatever the
// collector actually saw, falling back to the previously cached values
// for anything the server didn't resend (a compliant server always
// resends EXISTS and UIDVALIDITY on SELECT, but UIDNEXT/HIGHESTMODSEQ
// are sometimes only carried on the tagged OK).
func freshSyncState(col *collector, cached cache.SyncState) cache.SyncState {
	out := cached
	if col.exists != nil {
		out.Exists = *col.exists
	}
	if col.uidValidity != nil {
		out.UIDValidity = *col.uidValidity
	}
	if col.uidNext != nil {
		out.UIDNext = *col.uidNext
	}
	if col.highestModSeq != nil {
		out.HighestModSeq = *col.highestModSeq
	}
	if col.noModSeq {
		out.HighestModSeq = 0
	}
	return out
}

// classify implements spec.md section 4.7's decision table.
func classify(cached cache.SyncState, cachedOK bool, fresh cache.SyncState, qresyncEligible bool) Decision {
	if !cachedOK || cached.UIDValidity == 0 {
		return DecisionFullResync
	}
	if cached.UIDValidity != fresh.UIDValidity {
		return DecisionInvalidate
	}
	if qresyncEligible {
		return DecisionQResync
	}
	if cached.Exists == fresh.Exists && cached.UIDNext == fresh.UIDNext {
		return DecisionNoChange
	}
	if fresh.Exists >= cached.Exists && fresh.UIDNext >= cached.UIDNext {
		grown := fresh.Exists - cached.Exists
		if fresh.UIDNext-cached.UIDNext == grown && grown > 0 {
			return DecisionAppendOnly
		}
	}
	return DecisionReenumerate
}

// refineForVanished downgrades a QRESYNC classification back to
// no-change if the server came back with nothing to report: a QRESYNC
// SELECT with no VANISHED and no FETCH data is a legitimate "nothing
// changed" result, not evidence the server ignored QRESYNC.
func refineForVanished(d Decision, col *collector, requestedQResync bool) Decision {
	if d != DecisionQResync || !requestedQResync {
		return d
	}
	if len(col.vanished) == 0 && len(col.fetches) == 0 {
		return DecisionNoChange
	}
	return DecisionQResync
}

// reenumerate diffs a freshly fetched UID set against the cached one to
// find what's new and what's gone, without discarding cached metadata
// for UIDs that survive.
func (s *Synchroniser) reenumerate(ctx context.Context, state *MailboxState, cachedUIDs []uint32) error {
	uids, err := s.searchAllUIDs(ctx)
	if err != nil {
		return err
	}
	have := map[uint32]bool{}
	for _, u := range cachedUIDs {
		if u != 0 {
			have[u] = true
		}
	}
	now := map[uint32]bool{}
	for _, u := range uids {
		now[u] = true
	}
	var newUIDs, goneUIDs []uint32
	for _, u := range uids {
		if !have[u] {
			newUIDs = append(newUIDs, u)
		}
	}
	for _, u := range cachedUIDs {
		if u != 0 && !now[u] {
			goneUIDs = append(goneUIDs, u)
		}
	}
	state.Decision = DecisionReenumerate
	state.UIDMap = uids
	state.NewUIDs = newUIDs
	state.GoneUIDs = goneUIDs
	return nil
}

// searchAllUIDs issues "UID SEARCH ALL", collecting the untagged SEARCH
// response(s) via a temporary sink, and returns the UIDs sorted (spec.md
// section 4.7, "out-of-order UID tolerance": a server is never assumed
// to reply in ascending order).
func (s *Synchroniser) searchAllUIDs(ctx context.Context) ([]uint32, error) {
	var uids []uint32
	release := s.withSink(func(resp *wire.Response) {
		if resp.Kind == wire.KindSearch {
			uids = append(uids, resp.Search.Nums...)
		}
	})
	defer release()

	b, replyC, _ := s.issuer.NewCommandNamed("UID")
	b.Atom("SEARCH").Atom("ALL")
	if _, err := b.Flush(ctx); err != nil {
		return nil, fmt.Errorf("mboxsync: sending UID SEARCH ALL: %w", err)
	}

	select {
	case resp := <-replyC:
		if resp.Status == nil || resp.Status.Type != wire.StatusOK {
			return nil, fmt.Errorf("mboxsync: UID SEARCH ALL failed: %s", statusText(resp))
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// fetchUIDsFrom fetches FLAGS for uidNext:* (the UIDs the server added
// since the cache was last synced) and returns them sorted.
func (s *Synchroniser) fetchUIDsFrom(ctx context.Context, fromUID uint32) ([]uint32, error) {
	var uids []uint32
	release := s.withSink(func(resp *wire.Response) {
		if resp.Kind == wire.KindFetch {
			if a, ok := resp.Fetch.Attr("UID"); ok {
				uids = append(uids, a.UID)
			}
		}
	})
	defer release()

	b, replyC, _ := s.issuer.NewCommandNamed("UID")
	b.Atom("FETCH").Raw(strconv.FormatUint(uint64(fromUID), 10) + ":*").Raw("(FLAGS)")
	if _, err := b.Flush(ctx); err != nil {
		return nil, fmt.Errorf("mboxsync: sending UID FETCH %d:*: %w", fromUID, err)
	}

	select {
	case resp := <-replyC:
		if resp.Status == nil || resp.Status.Type != wire.StatusOK {
			return nil, fmt.Errorf("mboxsync: UID FETCH %d:* failed: %s", fromUID, statusText(resp))
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// fetchFlagsForRange issues "FETCH <seqRange> (UID FLAGS)" and persists
// every reported UID's flags into the cache directly, without routing
// through MailboxState: spec.md section 4.7 requires the no-change,
// full-resync/invalidate and re-enumerate paths to all learn every
// message's current flags before a Select call returns, since none of
// them otherwise observes a flag change the server made while the
// cache was stale (scenario S4).
func (s *Synchroniser) fetchFlagsForRange(ctx context.Context, mailbox, seqRange string) error {
	var fetches []*wire.Fetch
	release := s.withSink(func(resp *wire.Response) {
		if resp.Kind == wire.KindFetch {
			fetches = append(fetches, resp.Fetch)
		}
	})
	defer release()

	b, replyC, _ := s.issuer.NewCommandNamed("FETCH")
	b.Raw(seqRange).Raw("(UID FLAGS)")
	if _, err := b.Flush(ctx); err != nil {
		return fmt.Errorf("mboxsync: sending FETCH %s (UID FLAGS): %w", seqRange, err)
	}

	select {
	case resp := <-replyC:
		if resp.Status == nil || resp.Status.Type != wire.StatusOK {
			return fmt.Errorf("mboxsync: FETCH %s (UID FLAGS) failed: %s", seqRange, statusText(resp))
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, f := range fetches {
		uidAttr, ok := f.Attr("UID")
		if !ok {
			continue
		}
		flagsAttr, ok := f.Attr("FLAGS")
		if !ok {
			continue
		}
		if err := s.cacheStore.SetFlags(ctx, mailbox, uidAttr.UID, flagsAttr.Flags); err != nil {
			return fmt.Errorf("mboxsync: persisting flags for UID %d: %w", uidAttr.UID, err)
		}
	}
	return nil
}

// applyQResyncDelta folds the VANISHED(EARLIER) responses a
// QRESYNC-enabled SELECT returned directly into the cached UID map,
// without any further round trip.
func applyQResyncDelta(cachedUIDs []uint32, col *collector) (uidMap []uint32, gone []uint32) {
	goneSet := map[uint32]bool{}
	for _, v := range col.vanished {
		for _, r := range v.UIDs {
			lo, hi := r.Min, r.Max
			if hi == 0 {
				hi = lo
			}
			for u := lo; u <= hi; u++ {
				goneSet[u] = true
			}
		}
	}

	uidMap = make([]uint32, 0, len(cachedUIDs))
	for _, u := range cachedUIDs {
		if u != 0 && goneSet[u] {
			gone = append(gone, u)
			continue
		}
		uidMap = append(uidMap, u)
	}
	return uidMap, gone
}

// applyFetchFlagsOnly persists a QRESYNC SELECT's inline FETCH flag data
// without touching envelope/body caches (spec.md section 4.7: flag
// updates never invalidate those).
func applyFetchFlagsOnly(c cache.Cache, mailbox string, f *wire.Fetch) {
	uidAttr, ok := f.Attr("UID")
	if !ok {
		return
	}
	if flagsAttr, ok := f.Attr("FLAGS"); ok {
		_ = c.SetFlags(context.Background(), mailbox, uidAttr.UID, flagsAttr.Flags)
	}
}

func appendIfAbsent(list []uint32, uid uint32, existing []uint32) []uint32 {
	for _, e := range existing {
		if e == uid {
			return list
		}
	}
	for _, l := range list {
		if l == uid {
			return list
		}
	}
	return append(list, uid)
}

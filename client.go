// Package imapkit composes the library's layers — transport, the
// connection engine, bring-up, the task scheduler, the mailbox
// synchroniser and the observable model — into the single entry point an
// application actually calls: Dial an account, then Select a mailbox and
// read it back through the model. Every other package in this module is
// usable standalone (mboxsync against a fake CommandIssuer, wire against
// raw bytes), the way the teacher keeps its protocol/storage packages
// importable without its cmd/mailserver binary; this file is the
// binary-shaped wiring those packages don't provide on their own.
package imapkit

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fenilsonani/imapkit/cache"
	"github.com/fenilsonani/imapkit/cache/memcache"
	"github.com/fenilsonani/imapkit/cache/rediscache"
	"github.com/fenilsonani/imapkit/cache/sqlitecache"
	"github.com/fenilsonani/imapkit/conn"
	"github.com/fenilsonani/imapkit/conn/bringup"
	"github.com/fenilsonani/imapkit/internal/auth"
	"github.com/fenilsonani/imapkit/internal/config"
	"github.com/fenilsonani/imapkit/internal/logging"
	"github.com/fenilsonani/imapkit/internal/metrics"
	"github.com/fenilsonani/imapkit/internal/security"
	"github.com/fenilsonani/imapkit/mboxsync"
	"github.com/fenilsonani/imapkit/model"
	"github.com/fenilsonani/imapkit/task"
	"github.com/fenilsonani/imapkit/transport"
	"github.com/fenilsonani/imapkit/wire"
)

// Client is one account's live connection: the bring-up machine, the
// task scheduler, the mailbox synchroniser and the model tree it feeds,
// all bound to a single transport.Conn.
type Client struct {
	account *config.AccountConfig
	log     *logging.Logger
	cacheS  cache.Cache

	conn      transport.Conn
	engine    *conn.Engine
	sync      *mboxsync.Synchroniser
	scheduler *task.Scheduler
	tree      *model.Tree

	runDone chan error
}

// NewCache builds the cache.Cache backend cfg selects. It is exported so
// cmd/imapkit-mail and tests can share exactly the backend-selection
// logic Dial itself uses.
func NewCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return memcache.New(), nil
	case "sqlite":
		return sqlitecache.Open(ctx, cfg.SQLitePath)
	case "redis":
		return rediscache.New(rediscache.Config{RedisURL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
	default:
		return nil, fmt.Errorf("imapkit: unknown cache backend %q", cfg.Backend)
	}
}

func connectionMethod(name string) (transport.ConnectionMethod, error) {
	switch name {
	case "cleartext":
		return transport.MethodCleartext, nil
	case "starttls":
		return transport.MethodStartTLS, nil
	case "imaps":
		return transport.MethodImplicitTLS, nil
	case "subprocess":
		return transport.MethodSubprocess, nil
	default:
		return 0, fmt.Errorf("imapkit: unknown connection_method %q", name)
	}
}

// Dial opens a connection for acct, drives bring-up to completion, and
// returns a Client ready to Select mailboxes. c is the cache backend to
// reconcile against (see NewCache); trust is consulted on any TLS
// handshake the system trust store doesn't already resolve (see
// internal/security.TrustCache.Func).
func Dial(ctx context.Context, acct *config.AccountConfig, tlsCfg config.TLSConfig, c cache.Cache, log *logging.Logger, trust transport.TrustFunc) (*Client, error) {
	start := time.Now()
	method, err := connectionMethod(acct.ConnectionMethod)
	if err != nil {
		return nil, NewTransportError("imapkit: dial", err)
	}

	tlsConf, err := security.BuildTLSConfig(tlsCfg)
	if err != nil {
		return nil, NewTransportError("imapkit: dial", err)
	}

	var transportConn transport.Conn
	if method == transport.MethodSubprocess {
		transportConn, err = transport.DialSubprocess(ctx, "/bin/sh", "-c", acct.SubprocessCmd)
	} else {
		addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))
		transportConn, err = dialWithMethod(ctx, method, addr, tlsConf, trust)
	}
	if err != nil {
		metrics.RecordConnect(false, time.Since(start).Seconds())
		return nil, NewTransportError("imapkit: dial", err)
	}

	policy := bringup.Policy{
		RequireTLS:         method == transport.MethodStartTLS,
		Credentials:        wrapCredentials(auth.FromAccount(acct)),
		PreferAuthenticate: true,
		EnableQResync:      true,
		EnableCondstore:    true,
		EnableID:           true,
		EnableCompress:     true,
	}

	engine := conn.New(transportConn, policy, log)
	engine.SetTrustFunc(trust)

	scheduler := task.New()
	scheduler.SetLogger(log)
	tree := model.NewTree(nil)
	sync := mboxsync.New(c, engine, log, tree.ApplyEvent)
	engine.SetUntaggedHandler(sync)

	cl := &Client{
		account:   acct,
		log:       log,
		cacheS:    c,
		conn:      transportConn,
		engine:    engine,
		sync:      sync,
		scheduler: scheduler,
		tree:      tree,
		runDone:   make(chan error, 1),
	}

	tree.SetFetchRequester(cl.requestFetch)

	go func() {
		cl.runDone <- engine.Run(ctx)
	}()
	go scheduler.Run(ctx)

	if err := engine.WaitReady(ctx); err != nil {
		metrics.RecordConnect(false, time.Since(start).Seconds())
		return nil, NewTransportError("imapkit: bring-up", err)
	}
	metrics.RecordConnect(true, time.Since(start).Seconds())
	scheduler.SetReady()
	return cl, nil
}

func dialWithMethod(ctx context.Context, method transport.ConnectionMethod, addr string, tlsConf *tls.Config, trust transport.TrustFunc) (transport.Conn, error) {
	return transport.Dial(ctx, method, addr, tlsConf, trust)
}

// wrapCredentials adapts auth.CredentialFunc's (wire.Credentials, error)
// shape directly to bringup.Policy.Credentials — they're already the
// same signature; this exists only so a future divergence between the
// two doesn't need every call site touched.
func wrapCredentials(fn auth.CredentialFunc) func() (wire.Credentials, error) {
	return func() (wire.Credentials, error) { return fn() }
}

// Tree returns the observable model backing this connection. Reads are
// safe from any goroutine; writes only ever happen internally in
// response to server traffic.
func (c *Client) Tree() *model.Tree { return c.tree }

// Errors returns the Tree's single error channel (spec.md section 7,
// "the model exposes a single error channel").
func (c *Client) Errors() <-chan error { return c.tree.Errors() }

// Select reconciles mailbox against the cache and updates the model,
// coalescing with any concurrent Select for the same mailbox via the
// scheduler's per-mailbox gate and circuit breaker (spec.md section
// 4.6). It is the thing review comment (b) found unreachable: this is
// the call site.
func (c *Client) Select(ctx context.Context, mailbox string, readOnly bool) (model.Mailbox, error) {
	own, release, err := c.scheduler.AcquireMailbox(ctx, mailbox)
	if err != nil {
		return model.Mailbox{}, fmt.Errorf("imapkit: SELECT %q: %w", mailbox, err)
	}
	if !own {
		mb, ok := c.tree.MailboxByName(mailbox)
		if !ok {
			return model.Mailbox{}, &Error{Kind: KindState, Op: "imapkit: SELECT", Err: ErrNotSelected}
		}
		return mb, nil
	}

	qresync := c.engine.BringupCapabilities()["QRESYNC"]
	start := time.Now()
	state, selectErr := c.sync.Select(ctx, mailbox, readOnly, qresync)
	release(selectErr)
	if selectErr != nil {
		return model.Mailbox{}, fmt.Errorf("imapkit: SELECT %q: %w", mailbox, selectErr)
	}
	metrics.RecordSync(state.Decision.String(), time.Since(start).Seconds())
	return c.tree.ApplySelect(state), nil
}

// requestFetch is the model.Tree fetch requester: it submits a task that
// fetches ENVELOPE/BODYSTRUCTURE/INTERNALDATE/RFC822.SIZE (partID=="")
// or one BODY[part] (partID!="") for uid, and folds the reply back into
// the tree through the same ApplyEvent path live FETCH pushes use.
func (c *Client) requestFetch(mailbox string, uid uint32, partID string) {
	mb, ok := c.tree.MailboxByName(mailbox)
	if !ok {
		return
	}
	_ = c.scheduler.Submit(mailbox, func(ctx context.Context) error {
		items := "(UID ENVELOPE BODYSTRUCTURE INTERNALDATE RFC822.SIZE)"
		if partID != "" {
			items = fmt.Sprintf("(UID BODY[%s])", partID)
		}
		b, replyC, _ := c.engine.NewCommandNamed("UID")
		b.Atom("FETCH").Raw(strconv.FormatUint(uint64(uid), 10)).Raw(items)
		if _, err := b.Flush(ctx); err != nil {
			c.tree.ReportError(NewTransportError("imapkit: fetch", err))
			return err
		}
		select {
		case resp := <-replyC:
			if resp.Status == nil || resp.Status.Type != wire.StatusOK {
				c.tree.ReportError(NewServerRefusalError("imapkit: fetch", "", statusTextOf(resp)))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	_ = mb
}

func statusTextOf(resp *wire.Response) string {
	if resp == nil || resp.Status == nil {
		return ""
	}
	return resp.Status.Text
}

// ListMailboxes issues "LIST "" *", interns every returned name into the
// model tree via EnsureMailbox, and returns the resulting handles.
func (c *Client) ListMailboxes(ctx context.Context) ([]model.Mailbox, error) {
	var entries []*wire.List
	var mu sync.Mutex
	prevHandler := c.sync
	c.engine.SetUntaggedHandler(listSinkHandler{fallback: prevHandler, onList: func(l *wire.List) {
		mu.Lock()
		entries = append(entries, l)
		mu.Unlock()
	}})
	defer c.engine.SetUntaggedHandler(prevHandler)

	b, replyC, _ := c.engine.NewCommandNamed("LIST")
	b.String("").String("*")
	if _, err := b.Flush(ctx); err != nil {
		return nil, NewTransportError("imapkit: LIST", err)
	}

	select {
	case resp := <-replyC:
		if resp.Status == nil || resp.Status.Type != wire.StatusOK {
			return nil, NewServerRefusalError("imapkit: LIST", "", statusTextOf(resp))
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := make([]model.Mailbox, 0, len(entries))
	for _, l := range entries {
		out = append(out, c.tree.EnsureMailbox(model.MailboxMeta{
			Name:      l.Mailbox,
			Separator: l.Delimiter,
			Flags:     l.Flags,
		}))
	}
	return out, nil
}

// listSinkHandler wraps the normal untagged handler (mboxsync.Synchroniser)
// to also peel off LIST responses during ListMailboxes, since the
// connection only ever has one registered conn.UntaggedHandler at a time.
type listSinkHandler struct {
	fallback conn.UntaggedHandler
	onList   func(*wire.List)
}

func (h listSinkHandler) HandleUntagged(resp *wire.Response) {
	if resp.Kind == wire.KindList {
		h.onList(resp.List)
		return
	}
	h.fallback.HandleUntagged(resp)
}

// Idle issues IDLE, waits up to dur (or until ctx is cancelled,
// whichever comes first) for server push notifications to arrive
// through the normal untagged-handler path, then sends DONE and waits
// for IDLE's own tagged reply. Any EXISTS/EXPUNGE/FETCH/flag push the
// server sends while idling reaches the model the same way a live
// mutation outside IDLE would (mboxsync.Synchroniser.HandleUntagged,
// already wired as the engine's one untagged handler).
func (c *Client) Idle(ctx context.Context, dur time.Duration) error {
	b, replyC, _ := c.engine.NewCommandNamed("IDLE")
	c.engine.IdleStart()
	if _, err := b.Flush(ctx); err != nil {
		return NewTransportError("imapkit: IDLE", err)
	}

	select {
	case <-time.After(dur):
	case <-ctx.Done():
	}

	if err := c.engine.IdleDone(); err != nil {
		return NewTransportError("imapkit: IDLE DONE", err)
	}

	select {
	case resp := <-replyC:
		if resp.Status == nil || resp.Status.Type != wire.StatusOK {
			return NewServerRefusalError("imapkit: IDLE", "", statusTextOf(resp))
		}
		return nil
	case <-time.After(5 * time.Second):
		return NewTransportError("imapkit: IDLE", fmt.Errorf("timed out waiting for tagged reply after DONE"))
	}
}

// Close tears down the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.engine.Close()
	<-c.runDone
	return err
}

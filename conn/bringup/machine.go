// Package bringup implements the connection bring-up state machine: the
// sequence from the server's greeting through capability discovery,
// opportunistic or required TLS, authentication, and the optional
// post-login capability refresh, at which point a connection is ready
// to accept task traffic.
//
// The machine is expressed the way the teacher's circuit breaker is: an
// explicit State enum, atomic transitions, and a registered state-change
// hook, rather than scattered boolean flags (spec.md Design Note
// section 9, "reimplement as an explicit state enum with a step(event)
// function").
package bringup

import (
	"errors"
	"fmt"

	"github.com/fenilsonani/imapkit/wire"
)

// State is one node of the bring-up sequence (spec.md section 4.5).
type State int

const (
	StateWaitingGreeting State = iota
	StateWaitingCaps
	StatePostCaps
	StateStartTLSPending
	StateReadyToLogin
	StateAuthenticated
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaitingGreeting:
		return "waiting-greeting"
	case StateWaitingCaps:
		return "waiting-caps"
	case StatePostCaps:
		return "post-caps"
	case StateStartTLSPending:
		return "starttls-pending"
	case StateReadyToLogin:
		return "ready-to-login"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failure reasons the machine can terminate with (spec.md section 4.5
// and section 7's "connection setup failures" taxonomy).
var (
	ErrConnectionClosed      = errors.New("bringup: server sent BYE before authentication")
	ErrNotAnImapServer       = errors.New("bringup: greeting was neither OK, PREAUTH nor BYE")
	ErrEncryptionUnavailable = errors.New("bringup: TLS required but STARTTLS is not advertised")
	ErrLoginDisabled         = errors.New("bringup: server advertises LOGINDISABLED and no TLS is active")
)

// Policy controls the decisions the machine makes at post-caps (spec.md
// section 4.5 step 3): whether TLS is mandatory, and how to obtain
// credentials when login is needed.
type Policy struct {
	RequireTLS bool

	// Credentials is consulted lazily, only once the machine reaches
	// ready-to-login, so a caller that never needs to log in (PREAUTH)
	// is never asked for a password.
	Credentials func() (wire.Credentials, error)

	// PreferAuthenticate, when true and the server advertises
	// AUTH=PLAIN, sends AUTHENTICATE PLAIN instead of LOGIN.
	PreferAuthenticate bool

	// EnableQResync/EnableCondstore/EnableID/EnableCompress request
	// best-effort post-login extensions (spec.md section 4.5 step 6);
	// a NO response to any of them never fails bring-up.
	EnableQResync   bool
	EnableCondstore bool
	EnableID        bool
	EnableCompress  bool
}

// Action is something the engine must do in response to a Step call:
// send a command, apply a transport-level upgrade, or terminate bring-up
// (successfully or not).
type Action struct {
	Kind ActionKind

	// For ActionSendCommand.
	Command string
	Args    []string

	// For ActionSendLogin.
	Credentials wire.Credentials

	// For ActionComplete/ActionFail.
	Err error
}

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSendCapability
	ActionSendStartTLS
	ActionUpgradeTLS
	ActionSendLogin
	ActionSendAuthenticate
	ActionSendID
	ActionSendEnable
	ActionSendCompress
	ActionComplete
	ActionFail
)

// Machine drives the bring-up sequence. It is not safe for concurrent
// use; it is driven by the same goroutine that owns the connection
// engine's read loop.
type Machine struct {
	state  State
	policy Policy

	caps          map[string]bool
	preAuth       bool
	tlsActive     bool
	onStateChange func(from, to State)
}

// New returns a Machine in its initial state.
func New(policy Policy) *Machine {
	return &Machine{state: StateWaitingGreeting, policy: policy, caps: map[string]bool{}}
}

// OnStateChange registers a callback invoked after every transition.
func (m *Machine) OnStateChange(fn func(from, to State)) { m.onStateChange = fn }

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Capabilities returns the capability set learned so far, upper-cased.
func (m *Machine) Capabilities() map[string]bool { return m.caps }

func (m *Machine) transition(to State) {
	from := m.state
	m.state = to
	if m.onStateChange != nil && from != to {
		m.onStateChange(from, to)
	}
}

// HandleGreeting processes the server's initial untagged response. It
// must be the first event delivered to a fresh Machine.
func (m *Machine) HandleGreeting(resp *wire.Response) []Action {
	if m.state != StateWaitingGreeting {
		return m.fail(fmt.Errorf("bringup: unexpected greeting in state %s", m.state))
	}
	if resp.Status == nil {
		return m.fail(ErrNotAnImapServer)
	}
	return m.handleGreetingStatus(resp.Status)
}

func (m *Machine) handleGreetingStatus(st *wire.Status) []Action {
	switch st.Type {
	case wire.StatusOK:
		if st.Code != nil && st.Code.Name == "CAPABILITY" {
			m.recordCaps(st.Code.Strings)
			m.transition(StatePostCaps)
			return m.decidePostCaps()
		}
		m.transition(StateWaitingCaps)
		return []Action{{Kind: ActionSendCapability}}
	case wire.StatusPREAUTH:
		m.preAuth = true
		if st.Code != nil && st.Code.Name == "CAPABILITY" {
			m.recordCaps(st.Code.Strings)
			m.transition(StatePostCaps)
			return m.decidePostCaps()
		}
		m.transition(StateWaitingCaps)
		return []Action{{Kind: ActionSendCapability}}
	case wire.StatusBYE:
		return m.fail(ErrConnectionClosed)
	default:
		return m.fail(ErrNotAnImapServer)
	}
}

// HandleUntagged processes one untagged response seen while bring-up is
// still in progress: an untagged BYE fails bring-up at any stage, and an
// untagged CAPABILITY response (the reply to an explicit CAPABILITY
// command) records the capability set that drives decidePostCaps.
func (m *Machine) HandleUntagged(resp *wire.Response) []Action {
	switch resp.Kind {
	case wire.KindStatusUntagged:
		if resp.Status != nil && resp.Status.Type == wire.StatusBYE {
			return m.fail(ErrConnectionClosed)
		}
		return nil
	case wire.KindCapability:
		m.recordCaps(resp.Capabilities)
		return nil
	default:
		return nil
	}
}

// HandleTaggedOK delivers a tagged OK response for a command the
// machine itself issued (CAPABILITY, STARTTLS, LOGIN/AUTHENTICATE,
// ID/ENABLE/COMPRESS). Which command it corresponds to is tracked by
// the caller (conn.Engine), which forwards every bring-up-owned tag
// here, including the ID/ENABLE/COMPRESS replies that arrive after the
// machine has reached Ready.
func (m *Machine) HandleTaggedOK(source ActionKind, st *wire.Status) []Action {
	switch m.state {
	case StateWaitingCaps:
		if source != ActionSendCapability {
			return m.fail(fmt.Errorf("bringup: unexpected tagged OK in state %s", m.state))
		}
		m.transition(StatePostCaps)
		return m.decidePostCaps()
	case StateStartTLSPending:
		if source != ActionSendStartTLS {
			return m.fail(fmt.Errorf("bringup: unexpected tagged OK in state %s", m.state))
		}
		m.caps = map[string]bool{}
		return []Action{{Kind: ActionUpgradeTLS}}
	case StateReadyToLogin:
		if source != ActionSendLogin && source != ActionSendAuthenticate {
			return m.fail(fmt.Errorf("bringup: unexpected tagged OK in state %s", m.state))
		}
		m.transition(StateAuthenticated)
		if st.Code != nil && st.Code.Name == "CAPABILITY" {
			m.recordCaps(st.Code.Strings)
			return m.decideAuthenticated()
		}
		return []Action{{Kind: ActionSendCapability}}
	case StateAuthenticated, StateReady:
		if source == ActionSendCapability && m.state == StateAuthenticated {
			return m.decideAuthenticated()
		}
		// ID/ENABLE/COMPRESS are issued together with ActionComplete, so
		// their completions arrive once the machine is already Ready;
		// they are best-effort and don't change state.
		return nil
	default:
		return m.fail(fmt.Errorf("bringup: unexpected tagged OK in state %s", m.state))
	}
}

// HandleTaggedFailure delivers a tagged NO/BAD for a command the
// machine issued. STARTTLS and LOGIN failures are fatal; best-effort
// post-login extension failures (ID/ENABLE/COMPRESS) are not.
func (m *Machine) HandleTaggedFailure(source ActionKind, st *wire.Status) []Action {
	switch source {
	case ActionSendID, ActionSendEnable, ActionSendCompress:
		return nil
	case ActionSendStartTLS:
		return m.fail(fmt.Errorf("bringup: STARTTLS refused: %s", st.Text))
	case ActionSendLogin, ActionSendAuthenticate:
		return m.fail(fmt.Errorf("bringup: authentication failed: %s", st.Text))
	default:
		return m.fail(fmt.Errorf("bringup: command failed in state %s: %s", m.state, st.Text))
	}
}

// HandleTLSUpgraded tells the machine the transport finished its TLS
// upgrade (including any asynchronous trust decision), per spec.md
// section 4.5 step 4: "discard all previously learned capabilities,
// send a fresh CAPABILITY".
func (m *Machine) HandleTLSUpgraded() []Action {
	if m.state != StateStartTLSPending {
		return m.fail(fmt.Errorf("bringup: unexpected TLS upgrade in state %s", m.state))
	}
	m.tlsActive = true
	m.transition(StateWaitingCaps)
	return []Action{{Kind: ActionSendCapability}}
}

// decidePostCaps implements spec.md section 4.5 step 3.
func (m *Machine) decidePostCaps() []Action {
	hasStartTLS := m.caps["STARTTLS"]
	loginDisabled := m.caps["LOGINDISABLED"]

	if m.tlsActive {
		if m.preAuth {
			m.transition(StateAuthenticated)
			return m.decideAuthenticated()
		}
		m.transition(StateReadyToLogin)
		return m.decideLogin()
	}

	if m.policy.RequireTLS && !hasStartTLS {
		return m.fail(ErrEncryptionUnavailable)
	}
	if m.policy.RequireTLS || loginDisabled {
		if !hasStartTLS {
			return m.fail(ErrEncryptionUnavailable)
		}
		m.transition(StateStartTLSPending)
		return []Action{{Kind: ActionSendStartTLS}}
	}
	if m.preAuth {
		m.transition(StateAuthenticated)
		return m.decideAuthenticated()
	}
	m.transition(StateReadyToLogin)
	return m.decideLogin()
}

func (m *Machine) decideLogin() []Action {
	if m.caps["LOGINDISABLED"] {
		return m.fail(ErrLoginDisabled)
	}
	if m.policy.Credentials == nil {
		return m.fail(fmt.Errorf("bringup: no credential source configured"))
	}
	creds, err := m.policy.Credentials()
	if err != nil {
		return m.fail(fmt.Errorf("bringup: obtaining credentials: %w", err))
	}
	if m.policy.PreferAuthenticate && m.caps["AUTH=PLAIN"] {
		return []Action{{Kind: ActionSendAuthenticate, Credentials: creds}}
	}
	return []Action{{Kind: ActionSendLogin, Credentials: creds}}
}

// decideAuthenticated implements spec.md section 4.5 step 6: a run of
// best-effort extensions, each independent of the others' outcome.
func (m *Machine) decideAuthenticated() []Action {
	var actions []Action
	if m.policy.EnableID {
		actions = append(actions, Action{Kind: ActionSendID})
	}
	var enableArgs []string
	if m.policy.EnableQResync && m.caps["QRESYNC"] {
		enableArgs = append(enableArgs, "QRESYNC")
	}
	if m.policy.EnableCondstore && m.caps["CONDSTORE"] {
		enableArgs = append(enableArgs, "CONDSTORE")
	}
	if len(enableArgs) > 0 {
		actions = append(actions, Action{Kind: ActionSendEnable, Args: enableArgs})
	}
	if m.policy.EnableCompress && m.caps["COMPRESS=DEFLATE"] {
		actions = append(actions, Action{Kind: ActionSendCompress})
	}
	m.transition(StateReady)
	actions = append(actions, Action{Kind: ActionComplete})
	return actions
}

func (m *Machine) recordCaps(names []string) {
	m.caps = make(map[string]bool, len(names))
	for _, n := range names {
		m.caps[upper(n)] = true
	}
}

func (m *Machine) fail(err error) []Action {
	m.transition(StateFailed)
	return []Action{{Kind: ActionFail, Err: err}}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

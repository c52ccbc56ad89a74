package bringup

import (
	"testing"

	"github.com/fenilsonani/imapkit/wire"
)

func staticCreds(u, p string) func() (wire.Credentials, error) {
	return func() (wire.Credentials, error) { return wire.Credentials{Username: u, Password: p}, nil }
}

func okStatus(code *wire.Code) *wire.Response {
	return &wire.Response{Kind: wire.KindStatusUntagged, Status: &wire.Status{Type: wire.StatusOK, Code: code}}
}

// TestPreauthSkipsLogin is scenario S1: a PREAUTH greeting with no
// inline capabilities must lead the machine to ask for CAPABILITY next
// and never attempt LOGIN.
func TestPreauthSkipsLogin(t *testing.T) {
	m := New(Policy{Credentials: staticCreds("luzr", "sikrit")})

	actions := m.HandleGreeting(&wire.Response{Status: &wire.Status{Type: wire.StatusPREAUTH}})
	if len(actions) != 1 || actions[0].Kind != ActionSendCapability {
		t.Fatalf("actions after PREAUTH greeting = %+v, want [ActionSendCapability]", actions)
	}
	if m.State() != StateWaitingCaps {
		t.Fatalf("state = %v, want StateWaitingCaps", m.State())
	}

	m.HandleUntagged(&wire.Response{Kind: wire.KindCapability, Capabilities: []string{"IMAP4rev1"}})
	actions = m.HandleTaggedOK(ActionSendCapability, &wire.Status{Type: wire.StatusOK})
	for _, a := range actions {
		if a.Kind == ActionSendLogin || a.Kind == ActionSendAuthenticate {
			t.Fatalf("PREAUTH connection must never LOGIN, got action %v", a.Kind)
		}
	}
	if m.State() != StateReady {
		t.Fatalf("state = %v, want StateReady", m.State())
	}
}

// TestStartTLSRequiredUpgrades is scenario S2: RequireTLS true and the
// server offering STARTTLS must produce STARTTLS before LOGIN, and a
// fresh CAPABILITY after the upgrade (old capabilities discarded).
func TestStartTLSRequiredUpgrades(t *testing.T) {
	m := New(Policy{RequireTLS: true, Credentials: staticCreds("luzr", "sikrit")})

	actions := m.HandleGreeting(&wire.Response{Status: &wire.Status{Type: wire.StatusOK}})
	if len(actions) != 1 || actions[0].Kind != ActionSendCapability {
		t.Fatalf("actions after greeting = %+v", actions)
	}

	m.recordCaps([]string{"IMAP4rev1", "STARTTLS"})
	actions = m.HandleTaggedOK(ActionSendCapability, &wire.Status{Type: wire.StatusOK})
	if len(actions) != 1 || actions[0].Kind != ActionSendStartTLS {
		t.Fatalf("actions after caps = %+v, want [ActionSendStartTLS]", actions)
	}
	if m.State() != StateStartTLSPending {
		t.Fatalf("state = %v, want StateStartTLSPending", m.State())
	}

	actions = m.HandleTaggedOK(ActionSendStartTLS, &wire.Status{Type: wire.StatusOK})
	if len(actions) != 1 || actions[0].Kind != ActionUpgradeTLS {
		t.Fatalf("actions after STARTTLS OK = %+v, want [ActionUpgradeTLS]", actions)
	}

	actions = m.HandleTLSUpgraded()
	if len(actions) != 1 || actions[0].Kind != ActionSendCapability {
		t.Fatalf("actions after TLS upgrade = %+v, want a fresh CAPABILITY", actions)
	}
	if len(m.Capabilities()) != 0 {
		t.Fatalf("capabilities = %v, want discarded after TLS upgrade", m.Capabilities())
	}

	m.recordCaps([]string{"IMAP4rev1"})
	actions = m.HandleTaggedOK(ActionSendCapability, &wire.Status{Type: wire.StatusOK})
	if len(actions) != 1 || actions[0].Kind != ActionSendLogin {
		t.Fatalf("actions after post-TLS caps = %+v, want [ActionSendLogin]", actions)
	}
}

// TestLoginDisabledWithoutTLSFails is scenario S3: LOGINDISABLED with no
// STARTTLS capability must fail bring-up rather than attempt LOGIN.
func TestLoginDisabledWithoutTLSFails(t *testing.T) {
	m := New(Policy{Credentials: staticCreds("luzr", "sikrit")})
	m.HandleGreeting(&wire.Response{Status: &wire.Status{Type: wire.StatusOK}})
	m.recordCaps([]string{"IMAP4rev1", "LOGINDISABLED"})

	actions := m.HandleTaggedOK(ActionSendCapability, &wire.Status{Type: wire.StatusOK})
	if len(actions) != 1 || actions[0].Kind != ActionFail {
		t.Fatalf("actions = %+v, want [ActionFail]", actions)
	}
	if actions[0].Err != ErrEncryptionUnavailable {
		t.Fatalf("Err = %v, want ErrEncryptionUnavailable", actions[0].Err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %v, want StateFailed", m.State())
	}
}

// TestUntaggedBYEFailsAnyState checks an untagged BYE is fatal
// regardless of bring-up stage.
func TestUntaggedBYEFailsAnyState(t *testing.T) {
	m := New(Policy{})
	m.HandleGreeting(&wire.Response{Status: &wire.Status{Type: wire.StatusOK}})

	actions := m.HandleUntagged(&wire.Response{Kind: wire.KindStatusUntagged, Status: &wire.Status{Type: wire.StatusBYE}})
	if len(actions) != 1 || actions[0].Kind != ActionFail {
		t.Fatalf("actions = %+v, want [ActionFail]", actions)
	}
	if actions[0].Err != ErrConnectionClosed {
		t.Fatalf("Err = %v, want ErrConnectionClosed", actions[0].Err)
	}
}

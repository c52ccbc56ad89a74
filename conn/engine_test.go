package conn_test

import (
	"context"
	"testing"
	"time"

	"github.com/fenilsonani/imapkit/conn"
	"github.com/fenilsonani/imapkit/conn/bringup"
	"github.com/fenilsonani/imapkit/imaptest"
	"github.com/fenilsonani/imapkit/internal/logging"
	"github.com/fenilsonani/imapkit/wire"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error", Format: "text", Output: "stderr"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return log
}

// TestBringupS2StartTLS drives spec.md section 8 scenario S2 end to end
// through a real conn.Engine against an in-memory fake server: greeting,
// CAPABILITY, STARTTLS, a post-upgrade CAPABILITY refresh, then LOGIN,
// completing bring-up without a second capability round trip.
func TestBringupS2StartTLS(t *testing.T) {
	script := &imaptest.Script{
		Greeting: "* OK foo",
		Steps: []imaptest.Step{
			{MatchTail: "CAPABILITY", Reply: []string{
				"* CAPABILITY IMAP4rev1 STARTTLS",
				"{tag} OK cap",
			}},
			{MatchTail: "STARTTLS", Reply: []string{"{tag} OK begin TLS"}},
			{MatchTail: "CAPABILITY", Reply: []string{
				"* CAPABILITY IMAP4rev1",
				"{tag} OK cap",
			}},
			{MatchTail: "LOGIN luzr sikrit", Reply: []string{"{tag} OK [CAPABILITY IMAP4rev1] logged in"}},
		},
	}
	c, srv := imaptest.Pair(t, script)

	policy := bringup.Policy{
		RequireTLS: true,
		Credentials: func() (wire.Credentials, error) {
			return wire.Credentials{Username: "luzr", Password: "sikrit"}, nil
		},
	}
	e := conn.New(c, policy, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go e.Run(ctx)

	if err := e.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	srv.Wait(t, time.Second)
}

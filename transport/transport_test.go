package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"
)

func TestConnectionMethodString(t *testing.T) {
	cases := map[ConnectionMethod]string{
		MethodCleartext:      "cleartext",
		MethodStartTLS:       "starttls",
		MethodImplicitTLS:    "implicit-tls",
		MethodSubprocess:     "subprocess",
		ConnectionMethod(99): "unknown",
	}
	for method, want := range cases {
		if got := method.String(); got != want {
			t.Errorf("ConnectionMethod(%d).String() = %q, want %q", method, got, want)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:   "disconnected",
		StateConnecting:     "connecting",
		StateConnected:      "connected",
		StateTLSHandshaking: "tls-handshaking",
		StateEncrypted:      "encrypted",
		StateCompressed:     "compressed",
		StateClosed:         "closed",
		State(99):           "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// echoListener accepts one connection and echoes everything it reads back
// to the writer, until the connection closes.
func echoListener(t *testing.T) (addr string, done <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	signal := make(chan struct{})
	go func() {
		defer close(signal)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), signal
}

func TestDialCleartextRoundTrips(t *testing.T) {
	addr, done := echoListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, MethodCleartext, addr, nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateConnected {
		t.Fatalf("State() = %v, want StateConnected", conn.State())
	}

	want := []byte("a001 NOOP\r\n")
	if _, err := conn.Writer().Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := conn.Writer().Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, len(want))
	n := 0
	for n < len(got) {
		m, err := conn.Reader().Read(got[n:])
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		n += m
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("echoed = %q, want %q", got, want)
	}

	conn.Close()
	<-done
}

func TestDialUnknownMethod(t *testing.T) {
	if _, err := Dial(context.Background(), ConnectionMethod(42), "127.0.0.1:0", nil, nil); err == nil {
		t.Fatal("Dial with an unknown method should fail")
	}
}

func TestDialSubprocessRequiresDedicatedConstructor(t *testing.T) {
	if _, err := Dial(context.Background(), MethodSubprocess, "ignored", nil, nil); err == nil {
		t.Fatal("Dial(MethodSubprocess) should fail; callers must use DialSubprocess")
	}
}

// selfSignedCert generates a throwaway leaf certificate for host, signed by
// itself, for exercising the StartTLS handshake without a real CA.
func selfSignedCert(t *testing.T, host string) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{host},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	return cert
}

func tlsCleartextListener(t *testing.T, cert tls.Certificate) (addr string, done <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	signal := make(chan struct{})
	go func() {
		defer close(signal)
		defer ln.Close()
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		defer raw.Close()
		srv := tls.Server(raw, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := srv.Handshake(); err != nil {
			return
		}
		defer srv.Close()
		srv.Write([]byte("ready\r\n"))
	}()
	return ln.Addr().String(), signal
}

func TestStartTLSWithInsecureSkipVerify(t *testing.T) {
	cert := selfSignedCert(t, "127.0.0.1")
	addr, done := tlsCleartextListener(t, cert)
	defer func() { <-done }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, MethodCleartext, addr, nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	err = conn.StartTLS(ctx, &tls.Config{InsecureSkipVerify: true}, nil)
	if err != nil {
		t.Fatalf("StartTLS: %v", err)
	}
	if conn.State() != StateEncrypted {
		t.Fatalf("State() after StartTLS = %v, want StateEncrypted", conn.State())
	}

	line, err := conn.Reader().ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "ready\r\n" {
		t.Fatalf("server greeting = %q, want %q", line, "ready\r\n")
	}
}

func TestStartTLSTrustCallback(t *testing.T) {
	cert := selfSignedCert(t, "127.0.0.1")

	cases := []struct {
		name      string
		decision  TrustDecision
		wantError bool
	}{
		{"accept", TrustAccept, false},
		{"acceptPersistently", TrustAcceptPersistently, false},
		{"reject", TrustReject, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr, done := tlsCleartextListener(t, cert)
			defer func() { <-done }()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := Dial(ctx, MethodCleartext, addr, nil, nil)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer conn.Close()

			var sawChain bool
			trust := func(ctx context.Context, chain []*x509.Certificate) TrustDecision {
				sawChain = len(chain) > 0
				return tc.decision
			}

			// The self-signed leaf isn't in any trust store, so the
			// handshake's own verification fails and falls through to
			// the trust callback.
			err = conn.StartTLS(ctx, &tls.Config{}, trust)
			if tc.wantError {
				if err == nil {
					t.Fatal("StartTLS should fail when the trust callback rejects the chain")
				}
				return
			}
			if err != nil {
				t.Fatalf("StartTLS: %v", err)
			}
			if !sawChain {
				t.Error("trust callback should have been given the peer's certificate chain")
			}
			if conn.State() != StateEncrypted {
				t.Fatalf("State() = %v, want StateEncrypted", conn.State())
			}
		})
	}
}

func TestStartTLSRejectsWrongState(t *testing.T) {
	cert := selfSignedCert(t, "127.0.0.1")
	addr, done := tlsCleartextListener(t, cert)
	defer func() { <-done }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, MethodCleartext, addr, nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.StartTLS(ctx, &tls.Config{InsecureSkipVerify: true}, nil); err != nil {
		t.Fatalf("first StartTLS: %v", err)
	}
	if err := conn.StartTLS(ctx, &tls.Config{InsecureSkipVerify: true}, nil); err == nil {
		t.Fatal("a second StartTLS call should fail; the upgrade is one-shot")
	}
}

func TestStartDeflateRoundTrips(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverConn := newTCPConn(server, StateConnected)
	clientConn := newTCPConn(client, StateConnected)

	go func() {
		if err := serverConn.StartDeflate(); err != nil {
			return
		}
		line, err := serverConn.Reader().ReadString('\n')
		if err != nil {
			return
		}
		serverConn.Writer().WriteString(line)
		serverConn.Writer().Flush()
	}()

	if err := clientConn.StartDeflate(); err != nil {
		t.Fatalf("StartDeflate: %v", err)
	}
	if clientConn.State() != StateCompressed {
		t.Fatalf("State() = %v, want StateCompressed", clientConn.State())
	}

	want := "a001 NOOP\r\n"
	clientConn.Writer().WriteString(want)
	if err := clientConn.Writer().Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := clientConn.Reader().ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != want {
		t.Fatalf("echoed = %q, want %q", got, want)
	}
}

func TestStartDeflateRejectsWrongState(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := newTCPConn(client, StateClosed)
	if err := conn.StartDeflate(); err == nil {
		t.Fatal("StartDeflate from StateClosed should fail")
	}
}

func TestDialSubprocessEchoesThroughStdio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialSubprocess(ctx, "cat")
	if err != nil {
		t.Fatalf("DialSubprocess: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateConnected {
		t.Fatalf("State() = %v, want StateConnected", conn.State())
	}

	want := "a001 NOOP\r\n"
	conn.Writer().WriteString(want)
	if err := conn.Writer().Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := conn.Reader().ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != want {
		t.Fatalf("echoed = %q, want %q", got, want)
	}

	if err := conn.StartTLS(ctx, nil, nil); err == nil {
		t.Fatal("StartTLS over a subprocess connection should be rejected")
	}
}

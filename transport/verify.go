package transport

import (
	"crypto/tls"
	"crypto/x509"
)

// verifyOpts builds x509.VerifyOptions matching what tls.Config would
// have used had InsecureSkipVerify not been forced on, so the
// trust-callback path (tcpConn.StartTLS) falls back to exactly the
// verification a normal handshake would have performed.
func verifyOpts(cfg *tls.Config, state tls.ConnectionState) x509.VerifyOptions {
	opts := x509.VerifyOptions{
		Roots:         cfg.RootCAs,
		DNSName:       cfg.ServerName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range state.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	return opts
}

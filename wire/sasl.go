package wire

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"
)

// Credentials describes how to authenticate a connection, independent
// of which SASL mechanism ends up being negotiated.
type Credentials struct {
	Identity string // authorization identity; usually empty
	Username string
	Password string // plain password, or an OAuth2 bearer token for XOAUTH2
}

// SASLClient wraps a go-sasl client for the AUTHENTICATE command's
// continuation loop (spec.md section 4.5's credential exchange): Start
// yields the initial response, Step answers each later challenge.
type SASLClient struct {
	Mechanism string
	client    sasl.Client
}

// NewSASLClient builds a SASLClient for one of the mechanisms this
// library supports: "PLAIN" or "XOAUTH2". Unknown mechanism names are a
// caller bug, not a runtime condition, since the set of offered
// mechanisms is fixed at compile time.
func NewSASLClient(mechanism string, creds Credentials) (*SASLClient, error) {
	switch mechanism {
	case "PLAIN":
		return &SASLClient{
			Mechanism: mechanism,
			client:    sasl.NewPlainClient(creds.Identity, creds.Username, creds.Password),
		}, nil
	case "XOAUTH2":
		return &SASLClient{
			Mechanism: mechanism,
			client:    sasl.NewXoauth2Client(creds.Username, creds.Password),
		}, nil
	default:
		return nil, fmt.Errorf("wire: unsupported SASL mechanism %q", mechanism)
	}
}

// Start begins the exchange, returning the mechanism name and, for
// mechanisms that support it, an initial response to send inline on the
// AUTHENTICATE command line (RFC 4959, SASL-IR).
func (c *SASLClient) Start() (mech string, initial []byte, err error) {
	return c.client.Start()
}

// Step answers one server challenge (already base64-decoded by the
// caller) and returns the client's response, or the error the
// underlying mechanism reports.
func (c *SASLClient) Step(challenge []byte) (response []byte, err error) {
	return c.client.Next(challenge)
}

// DecodeChallenge base64-decodes a continuation line's payload, the
// form in which SASL challenges travel on the wire.
func DecodeChallenge(line string) ([]byte, error) {
	if line == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed base64 SASL challenge: %w", err)
	}
	return data, nil
}

// EncodeResponse base64-encodes a SASL response for the wire.
func EncodeResponse(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

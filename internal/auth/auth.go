// Package auth picks a SASL mechanism from what a server offers and
// turns an account configuration into the credential callback
// conn/bringup's Policy.Credentials expects. Grounded on the teacher's
// internal/auth (validation-heavy, sentinel-error style) but turned
// around: a client doesn't own user storage, it only decides who to ask
// for a password and in what shape to hand it to the wire layer.
package auth

import (
	"errors"
	"fmt"

	"github.com/fenilsonani/imapkit/internal/config"
	"github.com/fenilsonani/imapkit/wire"
)

var (
	ErrNoSupportedMechanism = errors.New("auth: server offers no mechanism this client supports")
	ErrEmptyUsername        = errors.New("auth: username is empty")
	ErrEmptyPassword        = errors.New("auth: password is empty")
)

// preferredMechanisms lists the mechanisms wire.NewSASLClient knows how
// to speak, in the order this client prefers them when a server offers
// more than one.
var preferredMechanisms = []string{"XOAUTH2", "PLAIN"}

// SelectMechanism picks the first preferredMechanisms entry a server
// advertises. offered is keyed by the bare mechanism name ("PLAIN",
// "XOAUTH2", ...), the form MechanismsFromCapabilities returns.
func SelectMechanism(offered map[string]bool) (string, error) {
	for _, mech := range preferredMechanisms {
		if offered[mech] {
			return mech, nil
		}
	}
	return "", ErrNoSupportedMechanism
}

// MechanismsFromCapabilities extracts the offered SASL mechanism set
// from a raw CAPABILITY map, turning "AUTH=PLAIN" into offered["PLAIN"].
func MechanismsFromCapabilities(caps map[string]bool) map[string]bool {
	const prefix = "AUTH="
	offered := make(map[string]bool)
	for cap := range caps {
		if len(cap) > len(prefix) && cap[:len(prefix)] == prefix {
			offered[cap[len(prefix):]] = true
		}
	}
	return offered
}

// ValidateCredentials checks that creds is usable before it's handed to
// wire.NewSASLClient, so a misconfigured account fails fast with a
// specific error instead of an opaque SASL negotiation failure.
func ValidateCredentials(creds wire.Credentials) error {
	if creds.Username == "" {
		return ErrEmptyUsername
	}
	if creds.Password == "" {
		return ErrEmptyPassword
	}
	return nil
}

// CredentialFunc matches conn/bringup's Policy.Credentials field shape.
type CredentialFunc func() (wire.Credentials, error)

// FromAccount builds a CredentialFunc that reads acct's password from
// its configured environment variable on every call, rather than once
// at startup, so a rotated secret takes effect on the next reconnect
// without a process restart.
func FromAccount(acct *config.AccountConfig) CredentialFunc {
	return func() (wire.Credentials, error) {
		password, err := acct.Password()
		if err != nil {
			return wire.Credentials{}, fmt.Errorf("auth: %s: %w", acct.Name, err)
		}
		creds := wire.Credentials{
			Username: acct.Username,
			Password: password,
		}
		if err := ValidateCredentials(creds); err != nil {
			return wire.Credentials{}, fmt.Errorf("auth: %s: %w", acct.Name, err)
		}
		return creds, nil
	}
}

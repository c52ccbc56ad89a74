package auth

import (
	"errors"
	"testing"

	"github.com/fenilsonani/imapkit/internal/config"
	"github.com/fenilsonani/imapkit/wire"
)

func TestSelectMechanism(t *testing.T) {
	tests := []struct {
		name    string
		offered map[string]bool
		want    string
		wantErr error
	}{
		{"prefers xoauth2 when both offered", map[string]bool{"PLAIN": true, "XOAUTH2": true}, "XOAUTH2", nil},
		{"falls back to plain", map[string]bool{"PLAIN": true}, "PLAIN", nil},
		{"no overlap", map[string]bool{"LOGIN": true, "GSSAPI": true}, "", ErrNoSupportedMechanism},
		{"nothing offered", map[string]bool{}, "", ErrNoSupportedMechanism},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectMechanism(tt.offered)
			if got != tt.want {
				t.Errorf("SelectMechanism() = %q, want %q", got, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SelectMechanism() err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMechanismsFromCapabilities(t *testing.T) {
	caps := map[string]bool{
		"IMAP4rev1":    true,
		"AUTH=PLAIN":   true,
		"AUTH=XOAUTH2": true,
		"IDLE":         true,
	}

	offered := MechanismsFromCapabilities(caps)

	if !offered["PLAIN"] || !offered["XOAUTH2"] {
		t.Errorf("MechanismsFromCapabilities() = %v, want PLAIN and XOAUTH2", offered)
	}
	if len(offered) != 2 {
		t.Errorf("MechanismsFromCapabilities() returned %d mechanisms, want 2", len(offered))
	}
}

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name    string
		creds   wire.Credentials
		wantErr error
	}{
		{"valid", wire.Credentials{Username: "alice", Password: "hunter2"}, nil},
		{"empty username", wire.Credentials{Username: "", Password: "hunter2"}, ErrEmptyUsername},
		{"empty password", wire.Credentials{Username: "alice", Password: ""}, ErrEmptyPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateCredentials(tt.creds); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateCredentials() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromAccount(t *testing.T) {
	t.Setenv("IMAPKIT_TEST_PASSWORD", "s3cret")

	acct := &config.AccountConfig{
		Name:        "work",
		Username:    "alice",
		PasswordEnv: "IMAPKIT_TEST_PASSWORD",
	}

	credFn := FromAccount(acct)
	creds, err := credFn()
	if err != nil {
		t.Fatalf("FromAccount()() returned error: %v", err)
	}
	if creds.Username != "alice" || creds.Password != "s3cret" {
		t.Errorf("FromAccount()() = %+v, want Username=alice Password=s3cret", creds)
	}
}

func TestFromAccount_MissingEnv(t *testing.T) {
	acct := &config.AccountConfig{
		Name:        "work",
		Username:    "alice",
		PasswordEnv: "IMAPKIT_TEST_PASSWORD_UNSET",
	}

	credFn := FromAccount(acct)
	if _, err := credFn(); err == nil {
		t.Error("FromAccount()() expected an error for an unset environment variable, got nil")
	}
}

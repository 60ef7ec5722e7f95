package signer

import (
	"context"
	"crypto/rand"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-auth-provider/internal/host"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
)

// Authenticator performs platform credential ceremonies. Assert signs the
// challenge with the credential and reports whether the user was verified.
type Authenticator interface {
	Create(ctx context.Context, opts CreateOptions) (Credential, error)
	Assert(ctx context.Context, opts AssertOptions) (Assertion, error)
}

type CreateOptions struct {
	RelyingPartyID          string
	UserID                  []byte
	UserName                string
	Challenge               []byte
	RequireUserVerification bool
}

type Credential struct {
	ID        string
	PublicKey []byte
}

// AssertOptions.RelyingPartyID may be empty, meaning the host the credential
// was created for.
type AssertOptions struct {
	RelyingPartyID          string
	CredentialID            string
	Challenge               []byte
	RequireUserVerification bool
}

type Assertion struct {
	Signature         []byte
	AuthenticatorData []byte
	ClientDataJSON    string
	UserVerified      bool
}

type CredentialConfig struct {
	RelyingParty            string
	RequireUserVerification bool
}

// CredentialBackend signs with platform credentials (passkeys).
type CredentialBackend struct {
	auth Authenticator
	cfg  CredentialConfig
}

func NewCredential(auth Authenticator, cfg CredentialConfig) (*CredentialBackend, error) {
	if auth == nil {
		return nil, errors.Wrap(ErrUnsupportedPlatform, "no platform authenticator available")
	}
	return &CredentialBackend{auth: auth, cfg: cfg}, nil
}

func (*CredentialBackend) Type() keys.Type { return keys.TypeCredential }

func (c *CredentialBackend) CreateKeyPair(ctx context.Context, opts Options) (keys.KeyPair, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return keys.KeyPair{}, errors.Wrap(err, "rand challenge")
	}
	userID := uuid.New()

	name := opts.Label
	if name == "" {
		name = "QuantumAuth " + userID.String()[:8]
	}

	cred, err := c.auth.Create(ctx, CreateOptions{
		RelyingPartyID:          host.Effective(c.cfg.RelyingParty, opts.Host),
		UserID:                  userID[:],
		UserName:                name,
		Challenge:               challenge,
		RequireUserVerification: c.cfg.RequireUserVerification,
	})
	if err != nil {
		if errors.IsAny(err, ErrBiometricAuthentication, ErrUnsupportedPlatform, context.Canceled, context.DeadlineExceeded) {
			return keys.KeyPair{}, errors.Wrap(err, "create credential")
		}
		return keys.KeyPair{}, as(ErrInvalidKeyPair, err, "create credential")
	}
	if cred.ID == "" || len(cred.PublicKey) == 0 {
		return keys.KeyPair{}, errors.Wrap(ErrInvalidKeyPair, "authenticator returned an incomplete credential")
	}
	return keys.KeyPair{PublicKey: cred.PublicKey, Handle: keys.CredentialHandle{ID: cred.ID}}, nil
}

func (c *CredentialBackend) Sign(ctx context.Context, handle keys.Handle, payload []byte) (Signature, error) {
	ch, ok := handle.(keys.CredentialHandle)
	if !ok || ch.ID == "" {
		return Signature{}, errors.Wrapf(ErrInvalidKeyFormat, "credential backend got %T", handle)
	}

	a, err := c.auth.Assert(ctx, AssertOptions{
		CredentialID:            ch.ID,
		Challenge:               payload,
		RequireUserVerification: c.cfg.RequireUserVerification,
	})
	if err != nil {
		return Signature{}, classify(err, "credential assertion")
	}
	if c.cfg.RequireUserVerification && !a.UserVerified {
		return Signature{}, errors.Wrap(ErrBiometricAuthentication, "user was not verified")
	}
	if len(a.Signature) == 0 {
		return Signature{}, errors.Wrap(ErrInvalidSignature, "authenticator returned empty signature")
	}

	return Signature{
		Bytes: a.Signature,
		Metadata: &AssertionMetadata{
			AuthenticatorData:        a.AuthenticatorData,
			ClientDataJSON:           a.ClientDataJSON,
			ChallengeIndex:           strings.Index(a.ClientDataJSON, `"challenge":`),
			TypeIndex:                strings.Index(a.ClientDataJSON, `"type":`),
			UserVerificationRequired: c.cfg.RequireUserVerification,
		},
	}, nil
}

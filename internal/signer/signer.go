// Package signer creates key pairs and produces signatures for the three
// supported key types. Callers depend on Backend only; the concrete variant is
// picked once at startup by New.
package signer

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
)

var (
	ErrUnsupportedPlatform     = errors.New("signer: unsupported platform")
	ErrInvalidKeyFormat        = errors.New("signer: invalid key format")
	ErrInvalidKeyPair          = keys.ErrInvalidKeyPair
	ErrInvalidSignature        = errors.New("signer: invalid signature")
	ErrBiometricAuthentication = errors.New("signer: biometric authentication failed")
)

// Options tune key creation. Host is the host the request came from and is
// only used by the platform-credential backend.
type Options struct {
	Label string
	Host  string
}

// AssertionMetadata accompanies platform-credential signatures.
type AssertionMetadata struct {
	AuthenticatorData        hexutil.Bytes `json:"authenticatorData"`
	ClientDataJSON           string        `json:"clientDataJSON"`
	ChallengeIndex           int           `json:"challengeIndex"`
	TypeIndex                int           `json:"typeIndex"`
	UserVerificationRequired bool          `json:"userVerificationRequired"`
}

type Signature struct {
	Bytes    hexutil.Bytes      `json:"signature"`
	Metadata *AssertionMetadata `json:"metadata,omitempty"`
}

type Backend interface {
	Type() keys.Type
	CreateKeyPair(ctx context.Context, opts Options) (keys.KeyPair, error)
	Sign(ctx context.Context, handle keys.Handle, payload []byte) (Signature, error)
}

// Config selects and configures the backend variant.
type Config struct {
	Backend string

	HardwareElement string
	KeyringBackend  string
	KeyringDir      string

	RelyingParty            string
	CredentialScheme        string
	RequireUserVerification bool
}

// Dependencies are the platform services a backend may need. Only the one
// matching Config is used.
type Dependencies struct {
	Element       SecureElement
	Authenticator Authenticator
}

// New returns the backend named by cfg.Backend.
func New(cfg Config, deps Dependencies) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "software", string(keys.TypeSoftware):
		return NewSoftware(), nil
	case "hardware", string(keys.TypeHardware):
		return NewHardware(deps.Element)
	case "platform", "credential", string(keys.TypeCredential):
		return NewCredential(deps.Authenticator, CredentialConfig{
			RelyingParty:            cfg.RelyingParty,
			RequireUserVerification: cfg.RequireUserVerification,
		})
	default:
		return nil, errors.Wrapf(ErrUnsupportedPlatform, "backend %q", cfg.Backend)
	}
}

// Digest maps a signing payload to the 32 bytes handed to an EC signer.
// Payloads that already are 32 bytes are treated as digests.
func Digest(payload []byte) []byte {
	if len(payload) == 32 {
		return payload
	}
	return crypto.Keccak256(payload)
}

// classify keeps the backend sentinels of err and marks anything else as an
// invalid signature.
func classify(err error, msg string) error {
	if errors.IsAny(err, ErrInvalidKeyFormat, ErrBiometricAuthentication, ErrUnsupportedPlatform, context.Canceled, context.DeadlineExceeded) {
		return errors.Wrap(err, msg)
	}
	return as(ErrInvalidSignature, err, msg)
}

// as attaches sentinel to err while keeping err's message and chain
// reachable as a secondary error.
func as(sentinel, err error, msg string) error {
	return errors.WithSecondaryError(errors.Wrapf(sentinel, "%s: %v", msg, err), err)
}

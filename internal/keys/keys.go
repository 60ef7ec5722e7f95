// Package keys defines the signing key model shared by the provider, the
// signing backends and the account store.
package keys

import (
	"bytes"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidKeyPair = errors.New("keys: invalid key pair")
	ErrInvalidRole    = errors.New("keys: invalid role")
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleSession Role = "session"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleSession }

// Type names the signing backend a key belongs to.
type Type string

const (
	TypeSoftware   Type = "software-ec"
	TypeHardware   Type = "hardware-ec"
	TypeCredential Type = "platform-credential"
)

func (t Type) Valid() bool {
	switch t {
	case TypeSoftware, TypeHardware, TypeCredential:
		return true
	}
	return false
}

// CallScope restricts a session key to calls against To, optionally only
// for the function Signature.
type CallScope struct {
	To        common.Address `json:"to"`
	Signature string         `json:"signature,omitempty"`
}

// Key is an authorized signing key of an account. Handle is only ever
// interpreted by the signing backend that produced it.
type Key struct {
	PublicKey  []byte
	Role       Role
	Expiry     uint64 // unix seconds, 0 = never
	CallScopes []CallScope
	Type       Type
	CanSign    bool
	Handle     Handle
}

type KeyPair struct {
	PublicKey []byte
	Handle    Handle
}

// DeriveKey builds a Key from a freshly created or imported key pair.
func DeriveKey(pair KeyPair, role Role, expiry uint64, scopes []CallScope) (Key, error) {
	if len(pair.PublicKey) == 0 || pair.Handle == nil || !pair.Handle.valid() {
		return Key{}, ErrInvalidKeyPair
	}
	if !role.Valid() {
		return Key{}, errors.Wrapf(ErrInvalidRole, "role %q", role)
	}
	return Key{
		PublicKey:  bytes.Clone(pair.PublicKey),
		Role:       role,
		Expiry:     expiry,
		CallScopes: cloneScopes(scopes),
		Type:       pair.Handle.Type(),
		CanSign:    true,
		Handle:     pair.Handle.clone(),
	}, nil
}

// IsActive reports whether k has not expired at now.
func IsActive(k Key, now time.Time) bool {
	if k.Expiry == 0 {
		return true
	}
	return k.Expiry > unixSeconds(now)
}

// ActiveKeys returns the keys of in that are active at now, in order.
func ActiveKeys(in []Key, now time.Time) []Key {
	out := make([]Key, 0, len(in))
	for _, k := range in {
		if IsActive(k, now) {
			out = append(out, k.Clone())
		}
	}
	return out
}

// Matches compares public keys byte-wise.
func (k Key) Matches(publicKey []byte) bool {
	return len(publicKey) > 0 && bytes.Equal(k.PublicKey, publicKey)
}

func (k Key) Clone() Key {
	out := k
	out.PublicKey = bytes.Clone(k.PublicKey)
	out.CallScopes = cloneScopes(k.CallScopes)
	if k.Handle != nil {
		out.Handle = k.Handle.clone()
	}
	return out
}

// IndexOf returns the position of the key with publicKey, or -1.
func IndexOf(in []Key, publicKey []byte) int {
	for i, k := range in {
		if k.Matches(publicKey) {
			return i
		}
	}
	return -1
}

// ParsePublicKey decodes a 0x-prefixed (or bare) hex public key.
func ParsePublicKey(s string) ([]byte, error) {
	if !has0xPrefix(s) {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.Wrap(err, "keys: public key")
	}
	if len(b) == 0 {
		return nil, errors.New("keys: empty public key")
	}
	return b, nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func unixSeconds(t time.Time) uint64 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}

func cloneScopes(in []CallScope) []CallScope {
	if in == nil {
		return nil
	}
	out := make([]CallScope, len(in))
	copy(out, in)
	return out
}

package keys

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Handle is the backend-specific reference used to sign with a key. The set
// of variants is closed; only signing backends look inside.
type Handle interface {
	Type() Type
	valid() bool
	clone() Handle
}

// SoftwareHandle carries the raw secp256k1 private key.
type SoftwareHandle struct {
	PrivateKey []byte
}

func (SoftwareHandle) Type() Type      { return TypeSoftware }
func (h SoftwareHandle) valid() bool   { return len(h.PrivateKey) == 32 }
func (h SoftwareHandle) clone() Handle { return SoftwareHandle{PrivateKey: bytes.Clone(h.PrivateKey)} }

// HardwareHandle references a non-extractable key inside a secure element.
type HardwareHandle struct {
	Ref string
}

func (HardwareHandle) Type() Type      { return TypeHardware }
func (h HardwareHandle) valid() bool   { return h.Ref != "" }
func (h HardwareHandle) clone() Handle { return h }

// CredentialHandle is the id of a platform credential.
type CredentialHandle struct {
	ID string
}

func (CredentialHandle) Type() Type      { return TypeCredential }
func (h CredentialHandle) valid() bool   { return h.ID != "" }
func (h CredentialHandle) clone() Handle { return h }

type handleJSON struct {
	Type       Type          `json:"type"`
	PrivateKey hexutil.Bytes `json:"privateKey,omitempty"`
	Ref        string        `json:"ref,omitempty"`
	ID         string        `json:"id,omitempty"`
}

func encodeHandle(h Handle) (*handleJSON, error) {
	switch v := h.(type) {
	case nil:
		return nil, nil
	case SoftwareHandle:
		return &handleJSON{Type: TypeSoftware, PrivateKey: v.PrivateKey}, nil
	case HardwareHandle:
		return &handleJSON{Type: TypeHardware, Ref: v.Ref}, nil
	case CredentialHandle:
		return &handleJSON{Type: TypeCredential, ID: v.ID}, nil
	default:
		return nil, errors.Newf("keys: unknown handle %T", h)
	}
}

func decodeHandle(in *handleJSON) (Handle, error) {
	if in == nil {
		return nil, nil
	}
	var h Handle
	switch in.Type {
	case TypeSoftware:
		h = SoftwareHandle{PrivateKey: in.PrivateKey}
	case TypeHardware:
		h = HardwareHandle{Ref: in.Ref}
	case TypeCredential:
		h = CredentialHandle{ID: in.ID}
	default:
		return nil, errors.Newf("keys: unknown handle type %q", in.Type)
	}
	if !h.valid() {
		return nil, errors.Wrapf(ErrInvalidKeyPair, "malformed %s handle", in.Type)
	}
	return h, nil
}

// keyJSON is the persisted form of a Key. It includes the handle and must
// never be returned to a caller; use PublicView for that.
type keyJSON struct {
	PublicKey  hexutil.Bytes  `json:"publicKey"`
	Role       Role           `json:"role"`
	Expiry     hexutil.Uint64 `json:"expiry"`
	CallScopes []CallScope    `json:"callScopes,omitempty"`
	Type       Type           `json:"type"`
	CanSign    bool           `json:"canSign"`
	Handle     *handleJSON    `json:"handle,omitempty"`
}

func (k Key) MarshalJSON() ([]byte, error) {
	h, err := encodeHandle(k.Handle)
	if err != nil {
		return nil, err
	}
	return json.Marshal(keyJSON{
		PublicKey:  k.PublicKey,
		Role:       k.Role,
		Expiry:     hexutil.Uint64(k.Expiry),
		CallScopes: k.CallScopes,
		Type:       k.Type,
		CanSign:    k.CanSign,
		Handle:     h,
	})
}

func (k *Key) UnmarshalJSON(b []byte) error {
	var in keyJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	h, err := decodeHandle(in.Handle)
	if err != nil {
		return err
	}
	if h != nil && h.Type() != in.Type {
		return errors.Wrapf(ErrInvalidKeyPair, "handle type %s does not match key type %s", h.Type(), in.Type)
	}
	*k = Key{
		PublicKey:  in.PublicKey,
		Role:       in.Role,
		Expiry:     uint64(in.Expiry),
		CallScopes: in.CallScopes,
		Type:       in.Type,
		CanSign:    in.CanSign,
		Handle:     h,
	}
	return nil
}

// NewHandle builds a handle of type t from its external form: the hex
// private key for software-ec, the reference or credential id otherwise.
func NewHandle(t Type, value string) (Handle, error) {
	var h Handle
	switch t {
	case TypeSoftware:
		if !has0xPrefix(value) {
			value = "0x" + value
		}
		b, err := hexutil.Decode(value)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidKeyPair, "software handle: %v", err)
		}
		h = SoftwareHandle{PrivateKey: b}
	case TypeHardware:
		h = HardwareHandle{Ref: value}
	case TypeCredential:
		h = CredentialHandle{ID: value}
	default:
		return nil, errors.Newf("keys: unknown key type %q", t)
	}
	if !h.valid() {
		return nil, errors.Wrapf(ErrInvalidKeyPair, "malformed %s handle", t)
	}
	return h, nil
}

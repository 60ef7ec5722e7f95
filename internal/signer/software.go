package signer

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
)

// Software keeps secp256k1 keys in process memory.
type Software struct{}

func NewSoftware() *Software { return &Software{} }

func (*Software) Type() keys.Type { return keys.TypeSoftware }

func (*Software) CreateKeyPair(ctx context.Context, _ Options) (keys.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return keys.KeyPair{}, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return keys.KeyPair{}, errors.Wrap(err, "generate key")
	}
	return keys.KeyPair{
		PublicKey: crypto.FromECDSAPub(&key.PublicKey),
		Handle:    keys.SoftwareHandle{PrivateKey: crypto.FromECDSA(key)},
	}, nil
}

func (*Software) Sign(ctx context.Context, handle keys.Handle, payload []byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	h, ok := handle.(keys.SoftwareHandle)
	if !ok {
		return Signature{}, errors.Wrapf(ErrInvalidKeyFormat, "software backend got %T", handle)
	}
	key, err := crypto.ToECDSA(h.PrivateKey)
	if err != nil {
		return Signature{}, as(ErrInvalidKeyFormat, err, "parse private key")
	}
	sig, err := crypto.Sign(Digest(payload), key)
	if err != nil {
		return Signature{}, classify(err, "sign")
	}
	return Signature{Bytes: sig}, nil
}

// PublicKeyOf returns the uncompressed public key of a software handle.
func PublicKeyOf(h keys.SoftwareHandle) ([]byte, error) {
	key, err := crypto.ToECDSA(h.PrivateKey)
	if err != nil {
		return nil, as(ErrInvalidKeyFormat, err, "parse private key")
	}
	return crypto.FromECDSAPub(&key.PublicKey), nil
}

// CheckKeyPair verifies an imported pair as far as this process can: a
// software handle must hold the private key of PublicKey. Other handles
// are taken as given.
func CheckKeyPair(pair keys.KeyPair) error {
	h, ok := pair.Handle.(keys.SoftwareHandle)
	if !ok {
		return nil
	}
	pub, err := PublicKeyOf(h)
	if err != nil {
		return err
	}
	if !bytes.Equal(pub, pair.PublicKey) {
		return errors.Wrap(ErrInvalidKeyPair, "public key does not match private key")
	}
	return nil
}

// VerifyEC checks a 65-byte [R || S || V] signature over payload.
func VerifyEC(publicKey, payload, sig []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	return crypto.VerifySignature(publicKey, Digest(payload), sig[:crypto.RecoveryIDOffset])
}

package signer

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
)

// SecureElement generates and uses keys that never leave it. Sign receives a
// 32-byte digest.
type SecureElement interface {
	GenerateKey(ctx context.Context, ref string) ([]byte, error)
	Sign(ctx context.Context, ref string, digest []byte) ([]byte, error)
}

// Hardware signs through a SecureElement addressed by opaque references.
type Hardware struct {
	element SecureElement
}

func NewHardware(element SecureElement) (*Hardware, error) {
	if element == nil {
		return nil, errors.Wrap(ErrUnsupportedPlatform, "no secure element available")
	}
	return &Hardware{element: element}, nil
}

func (*Hardware) Type() keys.Type { return keys.TypeHardware }

func (h *Hardware) CreateKeyPair(ctx context.Context, _ Options) (keys.KeyPair, error) {
	ref := constants.HardwareRefPrefix + uuid.NewString()

	pub, err := h.element.GenerateKey(ctx, ref)
	if err != nil {
		if errors.IsAny(err, ErrUnsupportedPlatform, context.Canceled, context.DeadlineExceeded) {
			return keys.KeyPair{}, errors.Wrap(err, "secure element generate")
		}
		return keys.KeyPair{}, as(ErrInvalidKeyPair, err, "secure element generate")
	}
	if len(pub) == 0 {
		return keys.KeyPair{}, errors.Wrap(ErrInvalidKeyPair, "secure element returned no public key")
	}
	return keys.KeyPair{PublicKey: pub, Handle: keys.HardwareHandle{Ref: ref}}, nil
}

func (h *Hardware) Sign(ctx context.Context, handle keys.Handle, payload []byte) (Signature, error) {
	hh, ok := handle.(keys.HardwareHandle)
	if !ok {
		return Signature{}, errors.Wrapf(ErrInvalidKeyFormat, "hardware backend got %T", handle)
	}
	if !ValidHardwareRef(hh.Ref) {
		return Signature{}, errors.Wrapf(ErrInvalidKeyFormat, "malformed reference %q", hh.Ref)
	}
	sig, err := h.element.Sign(ctx, hh.Ref, Digest(payload))
	if err != nil {
		return Signature{}, classify(err, "secure element sign")
	}
	if len(sig) == 0 {
		return Signature{}, errors.Wrap(ErrInvalidSignature, "secure element returned empty signature")
	}
	return Signature{Bytes: sig}, nil
}

func ValidHardwareRef(ref string) bool {
	id, ok := strings.CutPrefix(ref, constants.HardwareRefPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

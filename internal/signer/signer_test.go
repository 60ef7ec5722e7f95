package signer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type xorSealer struct{}

func (xorSealer) Seal(_ context.Context, label string, secret []byte) ([]byte, error) {
	return xorWith(label, secret), nil
}

func (xorSealer) Unseal(_ context.Context, label string, blob []byte) ([]byte, error) {
	return xorWith(label, blob), nil
}

func xorWith(label string, in []byte) []byte {
	out := make([]byte, len(in))
	for i := range in {
		out[i] = in[i] ^ label[i%len(label)]
	}
	return out
}

func TestSoftwareSignAndVerify(t *testing.T) {
	ctx := context.Background()
	b := NewSoftware()

	pair, err := b.CreateKeyPair(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, pair.PublicKey, 65)

	k, err := keys.DeriveKey(pair, keys.RoleAdmin, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, keys.TypeSoftware, k.Type)

	msg := []byte("hello provider")
	sig, err := b.Sign(ctx, k.Handle, msg)
	require.NoError(t, err)
	assert.Nil(t, sig.Metadata)
	assert.True(t, VerifyEC(pair.PublicKey, msg, sig.Bytes))

	recovered, err := crypto.SigToPub(Digest(msg), sig.Bytes)
	require.NoError(t, err)
	assert.Equal(t, pair.PublicKey, crypto.FromECDSAPub(recovered))

	pub, err := PublicKeyOf(pair.Handle.(keys.SoftwareHandle))
	require.NoError(t, err)
	assert.Equal(t, pair.PublicKey, pub)
}

func TestSoftwareRejectsForeignHandle(t *testing.T) {
	_, err := NewSoftware().Sign(context.Background(), keys.HardwareHandle{Ref: "qa-hw:x"}, []byte("m"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = NewSoftware().Sign(context.Background(), keys.SoftwareHandle{PrivateKey: make([]byte, 32)}, []byte("m"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestDigest(t *testing.T) {
	d := make([]byte, 32)
	d[0] = 1
	assert.Equal(t, d, Digest(d))
	assert.Equal(t, crypto.Keccak256([]byte("abc")), Digest([]byte("abc")))
}

func TestHardwareWithKeyringElement(t *testing.T) {
	ctx := context.Background()
	ring := keyring.NewArrayKeyring(nil)
	b, err := NewHardware(NewKeyringElement(ring))
	require.NoError(t, err)

	pair, err := b.CreateKeyPair(ctx, Options{})
	require.NoError(t, err)
	h, ok := pair.Handle.(keys.HardwareHandle)
	require.True(t, ok)
	assert.True(t, ValidHardwareRef(h.Ref))

	sig, err := b.Sign(ctx, pair.Handle, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, VerifyEC(pair.PublicKey, []byte("payload"), sig.Bytes))

	// the stored key stays usable after a signature
	_, err = b.Sign(ctx, pair.Handle, []byte("again"))
	require.NoError(t, err)

	stored, err := ring.Get(h.Ref + keyringPubKeySuffix)
	require.NoError(t, err)
	assert.Equal(t, pair.PublicKey, stored.Data)
	require.NoError(t, ring.Set(keyring.Item{Key: h.Ref + keyringPubKeySuffix, Data: []byte{0x04, 0x01}}))
	_, err = b.Sign(ctx, pair.Handle, []byte("payload"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
	require.NoError(t, ring.Set(keyring.Item{Key: h.Ref + keyringPubKeySuffix, Data: stored.Data}))

	unknown := keys.HardwareHandle{Ref: constants.HardwareRefPrefix + uuid.NewString()}
	_, err = b.Sign(ctx, unknown, []byte("payload"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = b.Sign(ctx, keys.HardwareHandle{Ref: "not-a-ref"}, []byte("payload"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = b.Sign(ctx, keys.CredentialHandle{ID: "c"}, []byte("payload"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestHardwareWithTPMElement(t *testing.T) {
	ctx := context.Background()
	el := &TPMElement{Path: filepath.Join(t.TempDir(), "hw.json"), Sealer: xorSealer{}}
	b, err := NewHardware(el)
	require.NoError(t, err)

	first, err := b.CreateKeyPair(ctx, Options{})
	require.NoError(t, err)
	second, err := b.CreateKeyPair(ctx, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey, second.PublicKey)

	for _, pair := range []keys.KeyPair{first, second} {
		sig, err := b.Sign(ctx, pair.Handle, []byte("payload"))
		require.NoError(t, err)
		assert.True(t, VerifyEC(pair.PublicKey, []byte("payload"), sig.Bytes))
	}

	reopened := &TPMElement{Path: el.Path, Sealer: xorSealer{}}
	sig, err := reopened.Sign(ctx, first.Handle.(keys.HardwareHandle).Ref, Digest([]byte("payload")))
	require.NoError(t, err)
	assert.True(t, VerifyEC(first.PublicKey, []byte("payload"), sig))
}

type failingElement struct{ err error }

func (f failingElement) GenerateKey(context.Context, string) ([]byte, error)  { return nil, f.err }
func (f failingElement) Sign(context.Context, string, []byte) ([]byte, error) { return nil, f.err }

func TestHardwareClassifiesElementErrors(t *testing.T) {
	ctx := context.Background()
	b, err := NewHardware(failingElement{err: errors.New("device busy")})
	require.NoError(t, err)

	_, err = b.CreateKeyPair(ctx, Options{})
	assert.ErrorIs(t, err, ErrInvalidKeyPair)

	ref := keys.HardwareHandle{Ref: constants.HardwareRefPrefix + uuid.NewString()}
	_, err = b.Sign(ctx, ref, []byte("m"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Contains(t, err.Error(), "device busy")

	_, err = NewHardware(nil)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestCredentialSignAndVerify(t *testing.T) {
	ctx := context.Background()
	var prompts []string
	auth, err := NewVirtualAuthenticator("", func(_ context.Context, rpID, _ string) error {
		prompts = append(prompts, rpID)
		return nil
	})
	require.NoError(t, err)

	b, err := NewCredential(auth, CredentialConfig{RelyingParty: "wallet.example.com", RequireUserVerification: true})
	require.NoError(t, err)

	pair, err := b.CreateKeyPair(ctx, Options{Host: "app.example.com", Label: "alice"})
	require.NoError(t, err)
	assert.IsType(t, keys.CredentialHandle{}, pair.Handle)

	challenge := crypto.Keccak256([]byte("calls"))
	sig, err := b.Sign(ctx, pair.Handle, challenge)
	require.NoError(t, err)
	require.NotNil(t, sig.Metadata)
	assert.True(t, sig.Metadata.UserVerificationRequired)
	assert.Equal(t, 1, sig.Metadata.TypeIndex)
	assert.Greater(t, sig.Metadata.ChallengeIndex, sig.Metadata.TypeIndex)

	require.NoError(t, auth.Verify(pair.PublicKey, challenge, sig))
	assert.ErrorIs(t, auth.Verify(pair.PublicKey, []byte("other"), sig), ErrInvalidSignature)
	assert.Equal(t, []string{"wallet.example.com", "wallet.example.com"}, prompts)
}

func TestCredentialLoopbackUsesCurrentHost(t *testing.T) {
	ctx := context.Background()
	var rp string
	auth, err := NewVirtualAuthenticator("Ed25519", func(_ context.Context, rpID, _ string) error {
		rp = rpID
		return nil
	})
	require.NoError(t, err)

	b, err := NewCredential(auth, CredentialConfig{RelyingParty: "wallet.example.com"})
	require.NoError(t, err)

	_, err = b.CreateKeyPair(ctx, Options{Host: "localhost:5173"})
	require.NoError(t, err)
	assert.Equal(t, "localhost", rp)
}

func TestCredentialBiometricFailure(t *testing.T) {
	ctx := context.Background()
	allow := true
	auth, err := NewVirtualAuthenticator("", func(context.Context, string, string) error {
		if allow {
			return nil
		}
		return errors.New("user cancelled")
	})
	require.NoError(t, err)
	b, err := NewCredential(auth, CredentialConfig{RequireUserVerification: true})
	require.NoError(t, err)

	pair, err := b.CreateKeyPair(ctx, Options{})
	require.NoError(t, err)

	allow = false
	_, err = b.Sign(ctx, pair.Handle, []byte("x"))
	assert.ErrorIs(t, err, ErrBiometricAuthentication)

	_, err = b.CreateKeyPair(ctx, Options{})
	assert.ErrorIs(t, err, ErrBiometricAuthentication)
}

func TestCredentialRequiresVerificationMethod(t *testing.T) {
	auth, err := NewVirtualAuthenticator("", nil)
	require.NoError(t, err)
	b, err := NewCredential(auth, CredentialConfig{RequireUserVerification: true})
	require.NoError(t, err)

	_, err = b.CreateKeyPair(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrBiometricAuthentication)
}

func TestCredentialUnknownID(t *testing.T) {
	auth, err := NewVirtualAuthenticator("", nil)
	require.NoError(t, err)
	b, err := NewCredential(auth, CredentialConfig{})
	require.NoError(t, err)

	_, err = b.Sign(context.Background(), keys.CredentialHandle{ID: "missing"}, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = b.Sign(context.Background(), keys.SoftwareHandle{}, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestCredentialsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), constants.CredentialsFile)
	approve := func(context.Context, string, string) error { return nil }

	auth, err := NewVirtualAuthenticator("", approve)
	require.NoError(t, err)
	require.NoError(t, auth.PersistTo(ctx, path, nil, xorSealer{}))
	b, err := NewCredential(auth, CredentialConfig{RelyingParty: "wallet.example.com"})
	require.NoError(t, err)

	pair, err := b.CreateKeyPair(ctx, Options{Label: "alice"})
	require.NoError(t, err)
	_, err = b.Sign(ctx, pair.Handle, []byte("first"))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "wallet.example.com")

	restarted, err := NewVirtualAuthenticator("", approve)
	require.NoError(t, err)
	require.NoError(t, restarted.PersistTo(ctx, path, nil, xorSealer{}))
	b2, err := NewCredential(restarted, CredentialConfig{RelyingParty: "wallet.example.com"})
	require.NoError(t, err)

	challenge := crypto.Keccak256([]byte("after restart"))
	sig, err := b2.Sign(ctx, pair.Handle, challenge)
	require.NoError(t, err)
	require.NoError(t, restarted.Verify(pair.PublicKey, challenge, sig))
	// counter continues from the persisted value
	assert.Equal(t, []byte{0, 0, 0, 2}, []byte(sig.Metadata.AuthenticatorData[33:37]))

	other, err := NewVirtualAuthenticator("Ed448", approve)
	require.NoError(t, err)
	assert.ErrorIs(t, other.PersistTo(ctx, path, nil, xorSealer{}), ErrUnsupportedPlatform)
}

func TestNewSelectsBackend(t *testing.T) {
	b, err := New(Config{}, Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, keys.TypeSoftware, b.Type())

	b, err = New(Config{Backend: "hardware-ec"}, Dependencies{Element: NewKeyringElement(keyring.NewArrayKeyring(nil))})
	require.NoError(t, err)
	assert.Equal(t, keys.TypeHardware, b.Type())

	auth, err := NewVirtualAuthenticator("", nil)
	require.NoError(t, err)
	b, err = New(Config{Backend: "platform"}, Dependencies{Authenticator: auth})
	require.NoError(t, err)
	assert.Equal(t, keys.TypeCredential, b.Type())

	_, err = New(Config{Backend: "hardware"}, Dependencies{})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)

	_, err = New(Config{Backend: "enclave"}, Dependencies{})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)

	_, err = NewVirtualAuthenticator("no-such-scheme", nil)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestKeyringBackendNames(t *testing.T) {
	bkd, err := keyringBackend("File")
	require.NoError(t, err)
	assert.Equal(t, keyring.FileBackend, bkd)

	_, err = keyringBackend("floppy")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestCheckKeyPair(t *testing.T) {
	ctx := context.Background()
	sw := NewSoftware()

	a, err := sw.CreateKeyPair(ctx, Options{})
	require.NoError(t, err)
	b, err := sw.CreateKeyPair(ctx, Options{})
	require.NoError(t, err)

	assert.NoError(t, CheckKeyPair(a))
	assert.ErrorIs(t, CheckKeyPair(keys.KeyPair{PublicKey: b.PublicKey, Handle: a.Handle}), ErrInvalidKeyPair)
	assert.ErrorIs(t, CheckKeyPair(keys.KeyPair{PublicKey: a.PublicKey, Handle: keys.SoftwareHandle{PrivateKey: make([]byte, 32)}}), ErrInvalidKeyFormat)
	assert.NoError(t, CheckKeyPair(keys.KeyPair{PublicKey: []byte{0x04}, Handle: keys.HardwareHandle{Ref: "qa-hw:1"}}))
}

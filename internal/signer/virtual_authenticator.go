package signer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/securefile"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

const (
	flagUserPresent  byte = 0x01
	flagUserVerified byte = 0x04

	DefaultCredentialScheme = "Ed25519"
)

// PresenceFunc asks the user to confirm a ceremony. A non-nil error aborts it.
type PresenceFunc func(ctx context.Context, rpID, userName string) error

// VirtualAuthenticator is a software authenticator that produces
// WebAuthn-shaped assertions signed with a circl signature scheme. It backs
// the platform-credential backend on hosts without a native authenticator.
// Credentials live in memory unless PersistTo binds an encrypted file.
type VirtualAuthenticator struct {
	scheme   sign.Scheme
	presence PresenceFunc

	mu    sync.Mutex
	creds map[string]*virtualCredential
	file  *credentialFile
}

type credentialFile struct {
	path     string
	password []byte
	opt      securefile.Options
}

type credentialSet struct {
	Version     int                         `json:"version"`
	Scheme      string                      `json:"scheme"`
	Credentials map[string]storedCredential `json:"credentials"`
}

type storedCredential struct {
	RPID       string `json:"rp_id"`
	UserName   string `json:"user_name,omitempty"`
	PrivateKey []byte `json:"private_key"`
	PublicKey  []byte `json:"public_key"`
	Counter    uint32 `json:"counter"`
}

type virtualCredential struct {
	rpID     string
	userName string
	priv     sign.PrivateKey
	pub      []byte
	counter  uint32
}

type clientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}

func NewVirtualAuthenticator(schemeName string, presence PresenceFunc) (*VirtualAuthenticator, error) {
	if schemeName == "" {
		schemeName = DefaultCredentialScheme
	}
	scheme := schemes.ByName(schemeName)
	if scheme == nil {
		return nil, errors.Wrapf(ErrUnsupportedPlatform, "credential scheme %q", schemeName)
	}
	return &VirtualAuthenticator{
		scheme:   scheme,
		presence: presence,
		creds:    map[string]*virtualCredential{},
	}, nil
}

func (v *VirtualAuthenticator) Scheme() sign.Scheme { return v.scheme }

// PersistTo loads the credentials stored at path and writes every later
// change back. The file is sealed by sealer when set, by password otherwise.
func (v *VirtualAuthenticator) PersistTo(ctx context.Context, path string, password []byte, sealer securefile.Sealer) error {
	f := &credentialFile{
		path:     path,
		password: append([]byte(nil), password...),
		opt: securefile.Options{
			FilePerm:      constants.FilePerm,
			DirectoryPerm: constants.DirectoryPerm,
			AAD:           func(string) []byte { return []byte(constants.CredentialAAD) },
			Sealer:        sealer,
			SealerLabel:   constants.CredentialSealerLabel,
		},
	}

	set, err := securefile.ReadAuto[credentialSet](ctx, path, f.password, f.opt)
	if errors.Is(err, os.ErrNotExist) {
		set = credentialSet{Version: constants.SchemaV1, Scheme: v.scheme.Name()}
		err = nil
	}
	if err != nil {
		return errors.Wrap(err, "read credentials")
	}
	if set.Version != constants.SchemaV1 {
		return errors.Newf("unsupported credential file version: %d", set.Version)
	}
	if set.Scheme != v.scheme.Name() {
		return errors.Wrapf(ErrUnsupportedPlatform, "credential file holds %s credentials, configured %s", set.Scheme, v.scheme.Name())
	}

	creds := make(map[string]*virtualCredential, len(set.Credentials))
	for id, sc := range set.Credentials {
		sk, err := v.scheme.UnmarshalBinaryPrivateKey(sc.PrivateKey)
		securefile.ZeroBytes(sc.PrivateKey)
		if err != nil {
			return as(ErrInvalidKeyFormat, err, "credential "+id)
		}
		creds[id] = &virtualCredential{rpID: sc.RPID, userName: sc.UserName, priv: sk, pub: sc.PublicKey, counter: sc.Counter}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for id, c := range v.creds {
		creds[id] = c
	}
	v.creds = creds
	v.file = f
	return v.persistLocked(ctx)
}

func (v *VirtualAuthenticator) persistLocked(ctx context.Context) error {
	if v.file == nil {
		return nil
	}
	set := credentialSet{
		Version:     constants.SchemaV1,
		Scheme:      v.scheme.Name(),
		Credentials: make(map[string]storedCredential, len(v.creds)),
	}
	for id, c := range v.creds {
		priv, err := c.priv.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "marshal credential key")
		}
		defer securefile.ZeroBytes(priv)
		set.Credentials[id] = storedCredential{RPID: c.rpID, UserName: c.userName, PrivateKey: priv, PublicKey: c.pub, Counter: c.counter}
	}
	if err := securefile.WriteAuto(ctx, v.file.path, set, v.file.password, v.file.opt); err != nil {
		return errors.Wrap(err, "persist credentials")
	}
	return nil
}

func (v *VirtualAuthenticator) Create(ctx context.Context, opts CreateOptions) (Credential, error) {
	if opts.RequireUserVerification && v.presence == nil {
		return Credential{}, errors.Wrap(ErrBiometricAuthentication, "no user verification method")
	}
	if err := v.confirm(ctx, opts.RelyingPartyID, opts.UserName); err != nil {
		return Credential{}, err
	}

	pk, sk, err := v.scheme.GenerateKey()
	if err != nil {
		return Credential{}, errors.Wrap(err, "generate credential key")
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return Credential{}, errors.Wrap(err, "marshal credential key")
	}

	id := base64.RawURLEncoding.EncodeToString([]byte(uuid.NewString()))

	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[id] = &virtualCredential{rpID: opts.RelyingPartyID, userName: opts.UserName, priv: sk, pub: pub}
	if err := v.persistLocked(ctx); err != nil {
		delete(v.creds, id)
		return Credential{}, err
	}
	return Credential{ID: id, PublicKey: pub}, nil
}

func (v *VirtualAuthenticator) Assert(ctx context.Context, opts AssertOptions) (Assertion, error) {
	v.mu.Lock()
	cred, ok := v.creds[opts.CredentialID]
	v.mu.Unlock()
	if !ok {
		return Assertion{}, errors.Wrapf(ErrInvalidKeyFormat, "unknown credential %q", opts.CredentialID)
	}
	rpID := cred.rpID
	if opts.RelyingPartyID != "" && opts.RelyingPartyID != rpID {
		return Assertion{}, errors.Wrapf(ErrInvalidKeyFormat, "credential is bound to %q", rpID)
	}

	verified := false
	if v.presence != nil {
		if err := v.confirm(ctx, rpID, cred.userName); err != nil {
			return Assertion{}, err
		}
		verified = true
	} else if opts.RequireUserVerification {
		return Assertion{}, errors.Wrap(ErrBiometricAuthentication, "no user verification method")
	}

	v.mu.Lock()
	cred.counter++
	counter := cred.counter
	if err := v.persistLocked(ctx); err != nil {
		log.Warn("signer: credential counter not persisted", "error", err)
	}
	v.mu.Unlock()

	authData := authenticatorData(rpID, verified, counter)
	cdj, err := json.Marshal(clientData{
		Type:      "webauthn.get",
		Challenge: base64.RawURLEncoding.EncodeToString(opts.Challenge),
		Origin:    "https://" + rpID,
	})
	if err != nil {
		return Assertion{}, errors.Wrap(err, "marshal client data")
	}

	sig := v.scheme.Sign(cred.priv, signedData(authData, cdj), nil)
	return Assertion{
		Signature:         sig,
		AuthenticatorData: authData,
		ClientDataJSON:    string(cdj),
		UserVerified:      verified,
	}, nil
}

// Verify checks an assertion produced by this authenticator against the
// credential public key and the expected challenge.
func (v *VirtualAuthenticator) Verify(publicKey, challenge []byte, sig Signature) error {
	if sig.Metadata == nil {
		return errors.Wrap(ErrInvalidSignature, "missing assertion metadata")
	}
	pk, err := v.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return as(ErrInvalidKeyFormat, err, "credential public key")
	}

	var cd clientData
	if err := json.Unmarshal([]byte(sig.Metadata.ClientDataJSON), &cd); err != nil {
		return as(ErrInvalidSignature, err, "client data")
	}
	if cd.Challenge != base64.RawURLEncoding.EncodeToString(challenge) {
		return errors.Wrap(ErrInvalidSignature, "challenge mismatch")
	}

	msg := signedData(sig.Metadata.AuthenticatorData, []byte(sig.Metadata.ClientDataJSON))
	if !v.scheme.Verify(pk, msg, sig.Bytes, nil) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *VirtualAuthenticator) confirm(ctx context.Context, rpID, userName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.presence == nil {
		return nil
	}
	if err := v.presence(ctx, rpID, userName); err != nil {
		return as(ErrBiometricAuthentication, err, "user presence")
	}
	return nil
}

func authenticatorData(rpID string, verified bool, counter uint32) []byte {
	rpHash := sha256.Sum256([]byte(rpID))
	flags := flagUserPresent
	if verified {
		flags |= flagUserVerified
	}
	out := make([]byte, 0, len(rpHash)+5)
	out = append(out, rpHash[:]...)
	out = append(out, flags)
	return binary.BigEndian.AppendUint32(out, counter)
}

func signedData(authData, clientDataJSON []byte) []byte {
	h := sha256.Sum256(clientDataJSON)
	out := make([]byte, 0, len(authData)+len(h))
	out = append(out, authData...)
	return append(out, h[:]...)
}

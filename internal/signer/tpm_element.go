package signer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/securefile"
	"golang.org/x/crypto/chacha20poly1305"
)

// TPMElement stores each key encrypted under its own data key, and the data
// key sealed by the TPM. Plaintext key material only exists for the duration
// of a single Sign call.
type TPMElement struct {
	Path   string
	Sealer securefile.Sealer

	mu sync.Mutex
}

type hardwareKeyFile struct {
	Version int                         `json:"version"`
	Keys    map[string]hardwareKeyEntry `json:"keys"`
}

type hardwareKeyEntry struct {
	PublicKey    hexutil.Bytes `json:"public_key"`
	CreatedAt    string        `json:"created_at,omitempty"`
	NonceB64     string        `json:"nonce_b64"`
	CTB64        string        `json:"ct_b64"`
	SealedDEKB64 string        `json:"sealed_dek_b64"`
}

// NewTPMElement binds to the canonical key file location.
func NewTPMElement(sealer securefile.Sealer) (*TPMElement, error) {
	if sealer == nil {
		return nil, errors.Wrap(ErrUnsupportedPlatform, "tpm sealer is required")
	}
	paths, err := securefile.ConfigPathCandidates(constants.AppName, constants.HardwareKeysFile)
	if err != nil {
		return nil, err
	}
	return &TPMElement{Path: paths[0], Sealer: sealer}, nil
}

func (e *TPMElement) GenerateKey(ctx context.Context, ref string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kf, err := e.readFile()
	if err != nil {
		return nil, err
	}
	if _, exists := kf.Keys[ref]; exists {
		return nil, errors.Newf("tpm element: reference %q already in use", ref)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	priv := crypto.FromECDSA(key)
	defer securefile.ZeroBytes(priv)

	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, errors.Wrap(err, "rand dek")
	}
	defer securefile.ZeroBytes(dek)

	sealed, err := e.Sealer.Seal(ctx, constants.SealerLabel, dek)
	if err != nil {
		return nil, errors.Wrap(err, "seal dek")
	}

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, errors.Wrap(err, "aead")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "rand nonce")
	}

	pub := crypto.FromECDSAPub(&key.PublicKey)
	kf.Keys[ref] = hardwareKeyEntry{
		PublicKey:    pub,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		NonceB64:     base64.StdEncoding.EncodeToString(nonce),
		CTB64:        base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, priv, payloadAAD(ref))),
		SealedDEKB64: base64.StdEncoding.EncodeToString(sealed),
	}
	if err := securefile.WriteJSON(e.Path, kf, constants.FilePerm, constants.DirectoryPerm); err != nil {
		return nil, errors.Wrap(err, "persist hardware key")
	}
	return pub, nil
}

func (e *TPMElement) Sign(ctx context.Context, ref string, digest []byte) ([]byte, error) {
	e.mu.Lock()
	kf, err := e.readFile()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	entry, ok := kf.Keys[ref]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidKeyFormat, "unknown hardware key %q", ref)
	}

	priv, err := e.decrypt(ctx, ref, entry)
	if err != nil {
		return nil, err
	}
	defer securefile.ZeroBytes(priv)

	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return nil, as(ErrInvalidKeyFormat, err, "parse private key")
	}
	if !bytes.Equal(crypto.FromECDSAPub(&key.PublicKey), entry.PublicKey) {
		return nil, errors.Wrap(ErrInvalidKeyFormat, "hardware key does not match stored public key")
	}
	return crypto.Sign(digest, key)
}

func (e *TPMElement) decrypt(ctx context.Context, ref string, entry hardwareKeyEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.NonceB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode nonce")
	}
	ct, err := base64.StdEncoding.DecodeString(entry.CTB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode ciphertext")
	}
	sealed, err := base64.StdEncoding.DecodeString(entry.SealedDEKB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode sealed dek")
	}

	dek, err := e.Sealer.Unseal(ctx, constants.SealerLabel, sealed)
	if err != nil {
		return nil, errors.Wrap(err, "unseal dek")
	}
	defer securefile.ZeroBytes(dek)
	if len(dek) != chacha20poly1305.KeySize {
		return nil, errors.Newf("unexpected dek length: %d", len(dek))
	}

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, errors.Wrap(err, "aead")
	}
	priv, err := aead.Open(nil, nonce, ct, payloadAAD(ref))
	if err != nil {
		return nil, errors.New("hardware key decrypt failed (TPM policy changed or file corrupted)")
	}
	return priv, nil
}

func (e *TPMElement) readFile() (hardwareKeyFile, error) {
	kf, err := securefile.ReadJSON[hardwareKeyFile](e.Path)
	if errors.Is(err, os.ErrNotExist) {
		return hardwareKeyFile{Version: constants.SchemaV1, Keys: map[string]hardwareKeyEntry{}}, nil
	}
	if err != nil {
		return hardwareKeyFile{}, errors.Wrap(err, "read hardware keys")
	}
	if kf.Version != constants.SchemaV1 {
		return hardwareKeyFile{}, errors.Newf("unsupported hardware key file version: %d", kf.Version)
	}
	if kf.Keys == nil {
		kf.Keys = map[string]hardwareKeyEntry{}
	}
	return kf, nil
}

func payloadAAD(ref string) []byte {
	return []byte(constants.PayloadAAD + ":" + ref)
}

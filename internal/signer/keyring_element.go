package signer

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/securefile"
)

const (
	keyCtlScope         = "user"
	keyCtlPerm          = 0x3f3f0000
	kWalletAppID        = "QuantumAuthProvider"
	kWalletFolder       = "QuantumAuth"
	keyringFolder       = "keyring"
	keyringPubKeySuffix = ":pub"
)

// KeyringElement keeps hardware-ec keys in the OS credential store
// (Keychain, Secret Service, WinCred, ...).
type KeyringElement struct {
	ring keyring.Keyring
	mu   sync.RWMutex
}

type KeyringConfig struct {
	Backend  string
	Dir      string
	Password string
}

// OpenKeyringElement opens the configured OS keyring. An empty Backend lets
// the library pick the platform default.
func OpenKeyringElement(cfg KeyringConfig) (*KeyringElement, error) {
	var allowed []keyring.BackendType
	if cfg.Backend != "" {
		bkd, err := keyringBackend(cfg.Backend)
		if err != nil {
			return nil, err
		}
		allowed = []keyring.BackendType{bkd}
	}

	dir := cfg.Dir
	if dir == "" {
		paths, err := securefile.ConfigPathCandidates(constants.AppName, keyringFolder)
		if err != nil {
			return nil, err
		}
		dir = paths[0]
	}

	ring, err := keyring.Open(keyring.Config{
		AllowedBackends:                allowed,
		ServiceName:                    constants.KeyringService,
		KeychainName:                   constants.AppName,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		FilePasswordFunc:               keyring.FixedStringPrompt(cfg.Password),
		FileDir:                        filepath.Clean(dir),
		KeyCtlScope:                    keyCtlScope,
		KeyCtlPerm:                     keyCtlPerm,
		KWalletAppID:                   kWalletAppID,
		KWalletFolder:                  kWalletFolder,
	})
	if err != nil {
		return nil, as(ErrUnsupportedPlatform, err, "open keyring")
	}
	return NewKeyringElement(ring), nil
}

func NewKeyringElement(ring keyring.Keyring) *KeyringElement {
	return &KeyringElement{ring: ring}
}

func keyringBackend(name string) (keyring.BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "file":
		return keyring.FileBackend, nil
	case "keychain":
		return keyring.KeychainBackend, nil
	case "keyctl":
		return keyring.KeyCtlBackend, nil
	case "kwallet":
		return keyring.KWalletBackend, nil
	case "wincred":
		return keyring.WinCredBackend, nil
	case "secret-service":
		return keyring.SecretServiceBackend, nil
	case "pass":
		return keyring.PassBackend, nil
	default:
		return keyring.InvalidBackend, errors.Wrapf(ErrUnsupportedPlatform, "keyring backend %q", name)
	}
}

func (e *KeyringElement) GenerateKey(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	priv := crypto.FromECDSA(key)
	defer securefile.ZeroBytes(priv)
	pub := crypto.FromECDSAPub(&key.PublicKey)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.ring.Get(ref); err == nil {
		return nil, errors.Newf("keyring element: reference %q already in use", ref)
	}
	if err := e.ring.Set(keyring.Item{
		Key:         ref,
		Data:        bytes.Clone(priv),
		Label:       "QuantumAuth hardware key",
		Description: "secp256k1 signing key",
	}); err != nil {
		return nil, errors.Wrap(err, "keyring set")
	}
	if err := e.ring.Set(keyring.Item{Key: ref + keyringPubKeySuffix, Data: pub}); err != nil {
		_ = e.ring.Remove(ref)
		return nil, errors.Wrap(err, "keyring set public key")
	}
	return pub, nil
}

func (e *KeyringElement) Sign(ctx context.Context, ref string, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	item, err := e.ring.Get(ref)
	e.mu.RUnlock()
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrInvalidKeyFormat, "unknown hardware key %q", ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "keyring get")
	}
	priv := bytes.Clone(item.Data)
	defer securefile.ZeroBytes(priv)

	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return nil, as(ErrInvalidKeyFormat, err, "parse private key")
	}

	e.mu.RLock()
	pubItem, err := e.ring.Get(ref + keyringPubKeySuffix)
	e.mu.RUnlock()
	switch {
	case errors.Is(err, keyring.ErrKeyNotFound):
	case err != nil:
		return nil, errors.Wrap(err, "keyring get public key")
	case !bytes.Equal(crypto.FromECDSAPub(&key.PublicKey), pubItem.Data):
		return nil, errors.Wrap(ErrInvalidKeyFormat, "hardware key does not match stored public key")
	}
	return crypto.Sign(digest, key)
}

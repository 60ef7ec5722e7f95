package storage

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/securefile"
)

// SecureFile stores each item as an encrypted file under Dir. The data key is
// TPM-sealed when a sealer is configured, passphrase-derived otherwise.
type SecureFile struct {
	Dir      string
	password []byte
	opt      securefile.Options

	mu sync.Mutex
}

type fileItem struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func NewSecureFile(dir string, password []byte, sealer securefile.Sealer) *SecureFile {
	return &SecureFile{
		Dir:      dir,
		password: append([]byte(nil), password...),
		opt: securefile.Options{
			FilePerm:      constants.FilePerm,
			DirectoryPerm: constants.DirectoryPerm,
			AAD:           func(string) []byte { return []byte(constants.AADConstant) },
			Sealer:        sealer,
			SealerLabel:   constants.StoreSealerLabel,
		},
	}
}

// WithKDF overrides the passphrase KDF parameters.
func (s *SecureFile) WithKDF(kdf securefile.KDF) *SecureFile {
	s.opt.KDF = kdf
	return s
}

func (s *SecureFile) path(key string) string {
	return filepath.Join(s.Dir, hex.EncodeToString([]byte(key))+".json")
}

func (s *SecureFile) GetItem(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := securefile.ReadAuto[fileItem](ctx, s.path(key), s.password, s.opt)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", key)
	}
	if item.Key != key {
		return nil, errors.Newf("storage: file for %q holds %q", key, item.Key)
	}
	return item.Value, nil
}

func (s *SecureFile) SetItem(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := securefile.WriteAuto(ctx, s.path(key), fileItem{Key: key, Value: value}, s.password, s.opt); err != nil {
		return errors.Wrapf(err, "write %q", key)
	}
	return nil
}

func (s *SecureFile) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "remove %q", key)
	}
	return nil
}

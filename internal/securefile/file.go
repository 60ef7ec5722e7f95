// Package securefile reads and writes encrypted JSON files with atomic writes.
// The data key is either derived from a passphrase (Argon2id) or generated at
// random and sealed by a TPM. Payloads are sealed with XChaCha20-Poly1305.
package securefile

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	ModePassword = "password"
	ModeTPM      = "tpm"

	envelopeVersion = 2
	dekSize         = chacha20poly1305.KeySize
	saltSize        = 16
)

var (
	// ErrInvalidPasswordOrCorrupt is returned when decryption fails for any reason.
	ErrInvalidPasswordOrCorrupt = errors.New("invalid password or corrupted file")
	ErrEmptyPassword            = errors.New("securefile: empty password")
)

// Envelope is the on-disk encryption envelope.
type Envelope struct {
	Version int    `json:"version"`
	Mode    string `json:"mode,omitempty"`

	ArgonTime    uint32 `json:"argon_time,omitempty"`
	ArgonMemory  uint32 `json:"argon_memory_kib,omitempty"`
	ArgonThreads uint8  `json:"argon_threads,omitempty"`
	ArgonKeyLen  uint32 `json:"argon_key_len,omitempty"`
	SaltB64      string `json:"salt_b64,omitempty"`

	SealedDEKB64 string `json:"sealed_dek_b64,omitempty"`

	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// KDF holds the Argon2id parameters used in password mode.
type KDF struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

var DefaultKDF = KDF{Time: 2, Memory: 64 * 1024, Threads: 1, KeyLen: 32}

// Sealer is satisfied by tpmdevice.Sealer.
type Sealer interface {
	Seal(ctx context.Context, label string, secret []byte) ([]byte, error)
	Unseal(ctx context.Context, label string, blob []byte) ([]byte, error)
}

type Options struct {
	KDF KDF

	FilePerm      os.FileMode
	DirectoryPerm os.FileMode

	// AAD binds ciphertext to a context string; nil means no AAD.
	AAD func(path string) []byte

	Sealer      Sealer
	SealerLabel string
}

func (o Options) withDefaults() Options {
	if o.KDF.KeyLen == 0 {
		o.KDF = DefaultKDF
	}
	if o.FilePerm == 0 {
		o.FilePerm = 0o600
	}
	if o.DirectoryPerm == 0 {
		o.DirectoryPerm = 0o700
	}
	return o
}

func (o Options) tpmEnabled() bool { return o.Sealer != nil && o.SealerLabel != "" }

func (o Options) aad(path string) []byte {
	if o.AAD == nil {
		return nil
	}
	return o.AAD(path)
}

// ReadAuto tries the TPM envelope first and falls back to the passphrase.
func ReadAuto[T any](ctx context.Context, path string, password []byte, o Options) (T, error) {
	var zero T
	env, err := readEnvelope(path)
	if err != nil {
		return zero, err
	}
	return openAuto[T](ctx, path, env, password, o)
}

// WriteAuto prefers the TPM envelope and falls back to the passphrase.
func WriteAuto[T any](ctx context.Context, path string, v T, password []byte, o Options) error {
	env, err := sealAuto(ctx, path, v, password, o)
	if err != nil {
		return err
	}
	return writeEnvelope(path, env, o)
}

// SealAuto encrypts v into a JSON envelope held in memory, for stores that
// are not files. name takes the place of the path for AAD.
func SealAuto[T any](ctx context.Context, name string, v T, password []byte, o Options) ([]byte, error) {
	env, err := sealAuto(ctx, name, v, password, o)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return out, nil
}

// OpenAuto decrypts an envelope produced by SealAuto under the same name.
func OpenAuto[T any](ctx context.Context, name string, data, password []byte, o Options) (T, error) {
	var zero T
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, ErrInvalidPasswordOrCorrupt
	}
	return openAuto[T](ctx, name, env, password, o)
}

func sealAuto[T any](ctx context.Context, name string, v T, password []byte, o Options) (Envelope, error) {
	o = o.withDefaults()
	if o.tpmEnabled() {
		env, err := sealTPM(ctx, name, v, o)
		if err == nil {
			return env, nil
		}
		log.Warn("securefile: TPM encrypt failed, falling back to password mode", "name", name, "error", err)
	}
	return sealPassword(name, v, password, o)
}

func openAuto[T any](ctx context.Context, name string, env Envelope, password []byte, o Options) (T, error) {
	o = o.withDefaults()
	if o.tpmEnabled() && strings.EqualFold(env.Mode, ModeTPM) {
		out, err := openTPM[T](ctx, name, env, o)
		if err == nil {
			return out, nil
		}
		log.Warn("securefile: TPM decrypt failed, falling back to password mode", "name", name, "error", err)
	}
	return openPassword[T](name, env, password, o)
}

func WritePassword[T any](path string, v T, password []byte, o Options) error {
	o = o.withDefaults()
	env, err := sealPassword(path, v, password, o)
	if err != nil {
		return err
	}
	return writeEnvelope(path, env, o)
}

func WriteTPM[T any](ctx context.Context, path string, v T, o Options) error {
	o = o.withDefaults()
	env, err := sealTPM(ctx, path, v, o)
	if err != nil {
		return err
	}
	return writeEnvelope(path, env, o)
}

func ReadPassword[T any](path string, password []byte, o Options) (T, error) {
	var zero T
	env, err := readEnvelope(path)
	if err != nil {
		return zero, err
	}
	return openPassword[T](path, env, password, o.withDefaults())
}

func ReadTPM[T any](ctx context.Context, path string, o Options) (T, error) {
	var zero T
	env, err := readEnvelope(path)
	if err != nil {
		return zero, err
	}
	return openTPM[T](ctx, path, env, o.withDefaults())
}

func sealPassword[T any](name string, v T, password []byte, o Options) (Envelope, error) {
	if err := checkPassword(password); err != nil {
		return Envelope{}, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Envelope{}, errors.Wrap(err, "rand salt")
	}
	key := argon2.IDKey(password, salt, o.KDF.Time, o.KDF.Memory, o.KDF.Threads, o.KDF.KeyLen)
	defer zeroBytes(key)

	env := Envelope{
		Version:      envelopeVersion,
		Mode:         ModePassword,
		ArgonTime:    o.KDF.Time,
		ArgonMemory:  o.KDF.Memory,
		ArgonThreads: o.KDF.Threads,
		ArgonKeyLen:  o.KDF.KeyLen,
		SaltB64:      base64.StdEncoding.EncodeToString(salt),
	}
	return seal(name, v, key, env, o)
}

func sealTPM[T any](ctx context.Context, name string, v T, o Options) (Envelope, error) {
	if !o.tpmEnabled() {
		return Envelope{}, errors.New("securefile: sealer and label are required")
	}

	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return Envelope{}, errors.Wrap(err, "rand dek")
	}
	defer zeroBytes(dek)

	sealed, err := o.Sealer.Seal(ctx, o.SealerLabel, dek)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "tpm seal dek")
	}

	env := Envelope{
		Version:      envelopeVersion,
		Mode:         ModeTPM,
		SealedDEKB64: base64.StdEncoding.EncodeToString(sealed),
	}
	return seal(name, v, dek, env, o)
}

func openPassword[T any](name string, env Envelope, password []byte, o Options) (T, error) {
	var zero T
	if err := checkPassword(password); err != nil {
		return zero, err
	}
	switch {
	case env.Version == 1:
	case env.Version == envelopeVersion && (env.Mode == "" || strings.EqualFold(env.Mode, ModePassword)):
	default:
		return zero, errors.Newf("securefile: unsupported envelope version=%d mode=%q", env.Version, env.Mode)
	}

	salt, err := base64.StdEncoding.DecodeString(env.SaltB64)
	if err != nil {
		return zero, errors.Wrap(err, "decode salt")
	}
	key := argon2.IDKey(password, salt, env.ArgonTime, env.ArgonMemory, env.ArgonThreads, env.ArgonKeyLen)
	defer zeroBytes(key)

	return open[T](name, env, key, o)
}

func openTPM[T any](ctx context.Context, name string, env Envelope, o Options) (T, error) {
	var zero T
	if !o.tpmEnabled() {
		return zero, errors.New("securefile: sealer and label are required")
	}
	if env.Version != envelopeVersion || !strings.EqualFold(env.Mode, ModeTPM) {
		return zero, errors.New("securefile: not a tpm envelope")
	}

	sealed, err := base64.StdEncoding.DecodeString(env.SealedDEKB64)
	if err != nil {
		return zero, errors.Wrap(err, "decode sealed dek")
	}
	dek, err := o.Sealer.Unseal(ctx, o.SealerLabel, sealed)
	if err != nil {
		return zero, ErrInvalidPasswordOrCorrupt
	}
	defer zeroBytes(dek)
	if len(dek) != dekSize {
		return zero, ErrInvalidPasswordOrCorrupt
	}

	return open[T](name, env, dek, o)
}

func seal[T any](name string, v T, key []byte, env Envelope, o Options) (Envelope, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal json")
	}
	defer zeroBytes(plain)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "aead")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, errors.Wrap(err, "rand nonce")
	}

	env.NonceB64 = base64.StdEncoding.EncodeToString(nonce)
	env.CTB64 = base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, o.aad(name)))
	return env, nil
}

func open[T any](name string, env Envelope, key []byte, o Options) (T, error) {
	var zero T

	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return zero, errors.Wrap(err, "decode nonce")
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return zero, errors.Wrap(err, "decode ciphertext")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return zero, errors.Wrap(err, "aead")
	}
	plain, err := aead.Open(nil, nonce, ct, o.aad(name))
	if err != nil {
		return zero, ErrInvalidPasswordOrCorrupt
	}
	defer zeroBytes(plain)

	var out T
	if err := json.Unmarshal(plain, &out); err != nil {
		return zero, errors.Wrap(err, "unmarshal json")
	}
	return out, nil
}

func writeEnvelope(path string, env Envelope, o Options) error {
	return WriteJSON(path, env, o.FilePerm, o.DirectoryPerm)
}

func readEnvelope(path string) (Envelope, error) {
	return ReadJSON[Envelope](path)
}

// WriteJSON writes v as indented JSON via a temp file and rename.
func WriteJSON[T any](path string, v T, permFile, permDir os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), permDir); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}
	return AtomicWriteFile(path, b, permFile)
}

func ReadJSON[T any](path string) (T, error) {
	var zero T
	b, err := os.ReadFile(path)
	if err != nil {
		return zero, errors.Wrap(err, "read file")
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, errors.Wrap(err, "unmarshal json")
	}
	return out, nil
}

func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrap(err, "write tmp")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "rename")
	}
	return nil
}

// ConfigPathCandidates returns the locations to try for filename, in priority order.
// QA_ENV selects an optional environment subfolder.
func ConfigPathCandidates(app, filename string) ([]string, error) {
	envFolder, err := QaEnvFolder()
	if err != nil {
		return nil, err
	}
	if app == "" || filename == "" {
		return nil, errors.New("securefile: app and filename must not be empty")
	}

	var paths []string
	seen := map[string]bool{}
	add := func(dir string) {
		if envFolder != "" {
			dir = filepath.Join(dir, envFolder)
		}
		p := filepath.Join(dir, filename)
		if seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	if realHome := os.Getenv("SNAP_REAL_HOME"); realHome != "" {
		add(filepath.Join(realHome, ".config", app))
	}
	if home := os.Getenv("HOME"); home != "" {
		add(filepath.Join(home, ".config", app))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		add(filepath.Join(dir, app))
	} else if len(paths) == 0 {
		return nil, errors.Wrap(err, "user config dir")
	}
	return paths, nil
}

func QaEnvFolder() (string, error) {
	raw := strings.TrimSpace(os.Getenv("QA_ENV"))
	switch strings.ToLower(raw) {
	case "", "prod", "production":
		return "", nil
	case "local":
		return "local", nil
	case "dev", "develop", "development":
		return "develop", nil
	default:
		return "", errors.Newf("invalid QA_ENV %q (allowed: local, develop, empty)", raw)
	}
}

func checkPassword(password []byte) error {
	if len(password) == 0 {
		return ErrEmptyPassword
	}
	for _, b := range password {
		if b != 0 {
			return nil
		}
	}
	return errors.New("securefile: zeroed password buffer")
}

// ZeroBytes overwrites b in place.
func ZeroBytes(b []byte) { zeroBytes(b) }

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

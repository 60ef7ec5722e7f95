// Package tpm opens the platform TPM used to seal hardware keys and the
// provider store.
package tpm

import (
	"context"
	"encoding/hex"
	"os"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/go-tpm/tpmutil"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/securefile"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/tpmdevice"
)

// ErrUnsupportedPlatform is returned on platforms without a TPM backend.
var ErrUnsupportedPlatform = errors.New("tpm: unsupported platform")

// Persistent handles reserved for the provider.
const (
	handleStart tpmutil.Handle = 0x8100A001
	handleCount                = 32
)

type KeyRef struct {
	HandleHex string `json:"handle_hex"`
}

// Runtime is an open TPM together with the sealer built on it.
type Runtime struct {
	Client tpmdevice.Client
	Sealer tpmdevice.Sealer
}

// Open opens the TPM, reusing the persistent handle recorded in the key
// reference file from a previous run.
func Open(ctx context.Context) (*Runtime, error) {
	switch runtime.GOOS {
	case "linux", "windows":
	default:
		return nil, errors.Wrapf(ErrUnsupportedPlatform, "%s", runtime.GOOS)
	}

	paths, err := securefile.ConfigPathCandidates(constants.AppName, constants.TPMKeyRefFile)
	if err != nil {
		return nil, errors.Wrap(err, "tpm: config path")
	}
	client, err := openWithHandleFile(ctx, paths[0])
	if err != nil {
		return nil, err
	}
	return &Runtime{Client: client, Sealer: tpmdevice.NewSealer("")}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

func openWithHandleFile(ctx context.Context, path string) (tpmdevice.Client, error) {
	loaded, err := loadHandle(path)
	if err != nil {
		return nil, err
	}

	cfg := tpmdevice.Config{
		Handle:      loaded, // 0 picks a free handle in the range
		HandleStart: handleStart,
		HandleCount: handleCount,
	}

	c, err := tpmdevice.NewWithConfig(ctx, cfg)
	if err != nil {
		if loaded == 0 {
			return nil, errors.Wrap(err, "tpm: open")
		}
		log.Warn("tpm: stored handle unusable, picking a new one", "handle", loaded, "error", err)
		cfg.Handle = 0
		if c, err = tpmdevice.NewWithConfig(ctx, cfg); err != nil {
			return nil, errors.Wrap(err, "tpm: open")
		}
	}

	if err := persistHandle(path, c.Handle()); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "tpm: persist keyref")
	}
	return c, nil
}

// loadHandle returns 0 when no usable handle was recorded.
func loadHandle(path string) (tpmutil.Handle, error) {
	ref, err := securefile.ReadJSON[KeyRef](path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "tpm: read keyref")
	}
	h, err := parseHandle(ref.HandleHex)
	if err != nil {
		log.Warn("tpm: ignoring malformed keyref", "path", path, "error", err)
		return 0, nil
	}
	return h, nil
}

func persistHandle(path string, h tpmutil.Handle) error {
	ref := KeyRef{HandleHex: formatHandle(h)}
	return securefile.WriteJSON(path, ref, constants.FilePerm, constants.DirectoryPerm)
}

func formatHandle(h tpmutil.Handle) string {
	return "0x" + strings.ToLower(hex.EncodeToString([]byte{byte(h >> 24), byte(h >> 16), byte(h >> 8), byte(h)}))
}

func parseHandle(s string) (tpmutil.Handle, error) {
	s = strings.ReplaceAll(strings.TrimSpace(strings.ToLower(s)), "_", "")
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, errors.New("empty handle")
	}
	if len(s) > 8 {
		return 0, errors.New("handle too long")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, errors.Wrap(err, "invalid hex")
	}
	var v uint32
	for _, by := range b {
		v = (v << 8) | uint32(by)
	}
	return tpmutil.Handle(v), nil
}

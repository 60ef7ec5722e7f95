package securefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type xorSealer struct {
	fail bool
}

func (s xorSealer) Seal(_ context.Context, label string, secret []byte) ([]byte, error) {
	if s.fail {
		return nil, errors.New("tpm unavailable")
	}
	return xor(label, secret), nil
}

func (s xorSealer) Unseal(_ context.Context, label string, blob []byte) ([]byte, error) {
	if s.fail {
		return nil, errors.New("tpm unavailable")
	}
	return xor(label, blob), nil
}

func xor(label string, in []byte) []byte {
	out := make([]byte, len(in))
	for i := range in {
		out[i] = in[i] ^ label[i%len(label)]
	}
	return out
}

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

var fastKDF = KDF{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}

func TestPasswordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	opt := Options{KDF: fastKDF}

	require.NoError(t, WritePassword(path, payload{Name: "alice", Count: 3}, []byte("hunter2"), opt))

	out, err := ReadPassword[payload](path, []byte("hunter2"), opt)
	require.NoError(t, err)
	assert.Equal(t, payload{Name: "alice", Count: 3}, out)

	_, err = ReadPassword[payload](path, []byte("wrong"), opt)
	assert.ErrorIs(t, err, ErrInvalidPasswordOrCorrupt)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRejectsEmptyPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	err := WritePassword(path, payload{}, nil, Options{KDF: fastKDF})
	assert.ErrorIs(t, err, ErrEmptyPassword)

	err = WritePassword(path, payload{}, make([]byte, 8), Options{KDF: fastKDF})
	assert.Error(t, err)
}

func TestAADMismatchFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	write := Options{KDF: fastKDF, AAD: func(string) []byte { return []byte("a") }}
	read := Options{KDF: fastKDF, AAD: func(string) []byte { return []byte("b") }}

	require.NoError(t, WritePassword(path, payload{Name: "x"}, []byte("pw"), write))
	_, err := ReadPassword[payload](path, []byte("pw"), read)
	assert.ErrorIs(t, err, ErrInvalidPasswordOrCorrupt)
}

func TestTPMRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	opt := Options{Sealer: xorSealer{}, SealerLabel: "test:label"}

	require.NoError(t, WriteTPM(ctx, path, payload{Name: "bob"}, opt))

	env, err := ReadJSON[Envelope](path)
	require.NoError(t, err)
	assert.Equal(t, ModeTPM, env.Mode)
	assert.NotEmpty(t, env.SealedDEKB64)

	out, err := ReadTPM[payload](ctx, path, opt)
	require.NoError(t, err)
	assert.Equal(t, "bob", out.Name)
}

func TestAutoFallsBackToPassword(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	opt := Options{KDF: fastKDF, Sealer: xorSealer{fail: true}, SealerLabel: "test:label"}

	require.NoError(t, WriteAuto(ctx, path, payload{Name: "carol"}, []byte("pw"), opt))

	env, err := ReadJSON[Envelope](path)
	require.NoError(t, err)
	assert.Equal(t, ModePassword, env.Mode)

	out, err := ReadAuto[payload](ctx, path, []byte("pw"), opt)
	require.NoError(t, err)
	assert.Equal(t, "carol", out.Name)
}

func TestSealAutoInMemory(t *testing.T) {
	ctx := context.Background()
	opt := Options{KDF: fastKDF, AAD: func(name string) []byte { return []byte("qa:" + name) }}

	blob, err := SealAuto(ctx, "state", payload{Name: "dave", Count: 7}, []byte("pw"), opt)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "dave")

	out, err := OpenAuto[payload](ctx, "state", blob, []byte("pw"), opt)
	require.NoError(t, err)
	assert.Equal(t, payload{Name: "dave", Count: 7}, out)

	_, err = OpenAuto[payload](ctx, "other", blob, []byte("pw"), opt)
	assert.ErrorIs(t, err, ErrInvalidPasswordOrCorrupt)

	_, err = OpenAuto[payload](ctx, "state", []byte("plain"), []byte("pw"), opt)
	assert.ErrorIs(t, err, ErrInvalidPasswordOrCorrupt)
}

func TestSealAutoPrefersTPM(t *testing.T) {
	ctx := context.Background()
	opt := Options{Sealer: xorSealer{}, SealerLabel: "test:label"}

	blob, err := SealAuto(ctx, "state", payload{Name: "erin"}, nil, opt)
	require.NoError(t, err)
	assert.Contains(t, string(blob), ModeTPM)

	out, err := OpenAuto[payload](ctx, "state", blob, nil, opt)
	require.NoError(t, err)
	assert.Equal(t, "erin", out.Name)
}

func TestAutoMissingFile(t *testing.T) {
	opt := Options{KDF: fastKDF, Sealer: xorSealer{}, SealerLabel: "test:label"}
	_, err := ReadAuto[payload](context.Background(), filepath.Join(t.TempDir(), "absent.json"), []byte("pw"), opt)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestQaEnvFolder(t *testing.T) {
	for in, want := range map[string]string{"": "", "local": "local", "DEV": "develop", "production": ""} {
		t.Setenv("QA_ENV", in)
		got, err := QaEnvFolder()
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	t.Setenv("QA_ENV", "staging")
	_, err := QaEnvFolder()
	assert.Error(t, err)
}

func TestConfigPathCandidates(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SNAP_REAL_HOME", "")
	t.Setenv("QA_ENV", "local")

	paths, err := ConfigPathCandidates("quantumauth", "store.json")
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.Equal(t, filepath.Join(home, ".config", "quantumauth", "local", "store.json"), paths[0])
}

package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/securefile"
	"github.com/quantumauth-io/quantum-auth-provider/internal/signer"
	utilsconfig "github.com/quantumauth-io/quantum-go-utils/config"
)

// RelayURLEnv overrides ProviderSettings.RelayURL.
const RelayURLEnv = "QA_RELAY_URL"

type ProviderSettings struct {
	LocalHost      string
	Port           string
	AllowedOrigins []string
	ChainID        uint64
	Chains         []uint64
	RelayURL       string
}

type SignerSettings struct {
	Backend                 string
	HardwareElement         string
	KeyringBackend          string
	KeyringDir              string
	RelyingParty            string
	CredentialScheme        string
	RequireUserVerification bool
	AutoApprovePresence     bool
	// CredentialsFile holds the platform credentials; empty means the
	// default config location.
	CredentialsFile string
}

type StorageSettings struct {
	Backend       string
	Dir           string
	SealWithTPM   bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type Config struct {
	ProviderSettings *ProviderSettings
	Signer           *SignerSettings
	Storage          *StorageSettings
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	dirs := []string{
		filepath.Join(home, ".config", constants.ProviderName),
		filepath.Join(home, "config"),
		".",
	}
	envFolder, err := securefile.QaEnvFolder()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, d := range dirs {
		if envFolder != "" {
			paths = append(paths, filepath.Join(d, envFolder))
		}
		paths = append(paths, d)
	}

	cfg, err := utilsconfig.ParseConfigWithEmbedded[Config](paths, EmbeddedConfigYAML)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if c.ProviderSettings == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(RelayURLEnv)); v != "" {
		c.ProviderSettings.RelayURL = v
	}
}

// Validate fills unset sections and rejects settings the provider cannot
// start with.
func (c *Config) Validate() error {
	if c.ProviderSettings == nil {
		return errors.New("config: missing ProviderSettings")
	}
	if c.Signer == nil {
		c.Signer = &SignerSettings{}
	}
	if c.Storage == nil {
		c.Storage = &StorageSettings{}
	}

	ps := c.ProviderSettings
	if strings.TrimSpace(ps.LocalHost) == "" {
		ps.LocalHost = "127.0.0.1"
	}
	if strings.TrimSpace(ps.Port) == "" {
		return errors.New("config: ProviderSettings.Port is required")
	}
	if strings.TrimSpace(ps.RelayURL) == "" {
		return errors.New("config: ProviderSettings.RelayURL is required")
	}
	if ps.ChainID == 0 {
		return errors.New("config: ProviderSettings.ChainID is required")
	}
	if len(ps.Chains) > 0 && !slices.Contains(ps.Chains, ps.ChainID) {
		return errors.Newf("config: ChainID %d is not in Chains", ps.ChainID)
	}

	c.Signer.Backend = strings.ToLower(strings.TrimSpace(c.Signer.Backend))
	switch c.Signer.Backend {
	case "", "software", "hardware", "platform":
	default:
		return errors.Newf("config: unknown Signer.Backend %q (allowed: software, hardware, platform)", c.Signer.Backend)
	}
	c.Signer.HardwareElement = strings.ToLower(strings.TrimSpace(c.Signer.HardwareElement))
	switch c.Signer.HardwareElement {
	case "", "tpm", "keyring":
	default:
		return errors.Newf("config: unknown Signer.HardwareElement %q (allowed: tpm, keyring)", c.Signer.HardwareElement)
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case "", "memory", "file":
	case "redis":
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			return errors.New("config: Storage.RedisAddr is required for the redis backend")
		}
	default:
		return errors.Newf("config: unknown Storage.Backend %q (allowed: memory, file, redis)", c.Storage.Backend)
	}
	return nil
}

// UsesTPM reports whether any configured component needs the TPM.
func (c *Config) UsesTPM() bool {
	hw := c.Signer.Backend == "hardware" && (c.Signer.HardwareElement == "" || c.Signer.HardwareElement == "tpm")
	return hw || (c.Storage.Backend == "file" && c.Storage.SealWithTPM)
}

func (c *Config) SignerConfig() signer.Config {
	return signer.Config{
		Backend:                 c.Signer.Backend,
		HardwareElement:         c.Signer.HardwareElement,
		KeyringBackend:          c.Signer.KeyringBackend,
		KeyringDir:              c.Signer.KeyringDir,
		RelyingParty:            c.Signer.RelyingParty,
		CredentialScheme:        c.Signer.CredentialScheme,
		RequireUserVerification: c.Signer.RequireUserVerification,
	}
}

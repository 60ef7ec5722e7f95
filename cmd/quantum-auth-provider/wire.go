package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	providerconfig "github.com/quantumauth-io/quantum-auth-provider/cmd/quantum-auth-provider/config"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/securefile"
	"github.com/quantumauth-io/quantum-auth-provider/internal/signer"
	"github.com/quantumauth-io/quantum-auth-provider/internal/storage"
	"github.com/quantumauth-io/quantum-auth-provider/internal/tpm"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"golang.org/x/term"
)

func openStorage(ctx context.Context, cfg *providerconfig.StorageSettings, rt *tpm.Runtime) (storage.Storage, func(), error) {
	noop := func() {}

	if cfg.Backend == "memory" {
		log.Warn("provider state is kept in memory only")
		return storage.NewMemory(), noop, nil
	}

	var (
		sealer securefile.Sealer
		pass   []byte
	)
	if cfg.SealWithTPM && rt != nil {
		sealer = rt.Sealer
	} else {
		var err error
		if pass, err = readPassphrase("Store passphrase: "); err != nil {
			return nil, nil, err
		}
		defer securefile.ZeroBytes(pass)
	}

	if cfg.Backend == "redis" {
		r, err := storage.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, pass, sealer)
		if err != nil {
			return nil, nil, err
		}
		return r, func() {
			if err := r.Close(); err != nil {
				log.Error("redis close failed", "error", err)
			}
		}, nil
	}

	dir := cfg.Dir
	if dir == "" {
		paths, err := securefile.ConfigPathCandidates(constants.AppName, constants.StoreFile)
		if err != nil {
			return nil, nil, err
		}
		dir = filepath.Dir(paths[0])
	}
	return storage.NewSecureFile(dir, pass, sealer), noop, nil
}

func openBackend(ctx context.Context, cfg *providerconfig.Config, rt *tpm.Runtime) (signer.Backend, error) {
	var deps signer.Dependencies

	switch cfg.Signer.Backend {
	case "hardware":
		if cfg.Signer.HardwareElement == "keyring" {
			password := os.Getenv(constants.PassphraseEnv)
			el, err := signer.OpenKeyringElement(signer.KeyringConfig{
				Backend:  cfg.Signer.KeyringBackend,
				Dir:      cfg.Signer.KeyringDir,
				Password: password,
			})
			if err != nil {
				return nil, err
			}
			deps.Element = el
			break
		}
		if rt == nil {
			return nil, errors.Wrap(signer.ErrUnsupportedPlatform, "hardware backend needs a TPM")
		}
		el, err := signer.NewTPMElement(rt.Sealer)
		if err != nil {
			return nil, err
		}
		deps.Element = el

	case "platform":
		auth, err := signer.NewVirtualAuthenticator(cfg.Signer.CredentialScheme, presencePrompt(cfg.Signer.AutoApprovePresence))
		if err != nil {
			return nil, err
		}
		if err := persistCredentials(ctx, auth, cfg, rt); err != nil {
			return nil, err
		}
		deps.Authenticator = auth
	}

	return signer.New(cfg.SignerConfig(), deps)
}

// persistCredentials binds the platform credentials to their encrypted file,
// sealed like the store file.
func persistCredentials(ctx context.Context, auth *signer.VirtualAuthenticator, cfg *providerconfig.Config, rt *tpm.Runtime) error {
	path := cfg.Signer.CredentialsFile
	if path == "" {
		paths, err := securefile.ConfigPathCandidates(constants.AppName, constants.CredentialsFile)
		if err != nil {
			return err
		}
		path = paths[0]
	}

	if cfg.Storage.SealWithTPM && rt != nil {
		return auth.PersistTo(ctx, path, nil, rt.Sealer)
	}
	pass, err := readPassphrase("Credential passphrase: ")
	if err != nil {
		return err
	}
	defer securefile.ZeroBytes(pass)
	return auth.PersistTo(ctx, path, pass, nil)
}

var stdinPrompt = &terminalPrompt{in: &lineReader{r: os.Stdin}, out: os.Stderr}

// presencePrompt confirms credential ceremonies on the controlling terminal.
// Without a terminal a ceremony only succeeds when autoApprove is set.
func presencePrompt(autoApprove bool) signer.PresenceFunc {
	return func(ctx context.Context, rpID, userName string) error {
		if autoApprove {
			log.Info("credential ceremony auto-approved", "rp", rpID, "user", userName)
			return nil
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("no terminal to confirm user presence")
		}
		return stdinPrompt.confirm(ctx, fmt.Sprintf("Approve credential use for %s (%s)? [y/N]: ", rpID, userName))
	}
}

type terminalPrompt struct {
	in  *lineReader
	out io.Writer
}

func (p *terminalPrompt) confirm(ctx context.Context, question string) error {
	p.in.start()
	// lines typed while no prompt was open are not answers
	p.in.drain()
	fmt.Fprint(p.out, question)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case line, ok := <-p.in.lines:
		if !ok {
			return errors.Wrap(io.EOF, "read answer")
		}
		if a := strings.ToLower(line); a != "y" && a != "yes" {
			return errors.New("user declined")
		}
		return nil
	}
}

// lineReader reads r from one goroutine for the life of the process, so a
// prompt abandoned on cancellation leaves no reader behind.
type lineReader struct {
	r     io.Reader
	once  sync.Once
	lines chan string
}

func (l *lineReader) start() {
	l.once.Do(func() {
		l.lines = make(chan string, 1)
		go func() {
			defer close(l.lines)
			br := bufio.NewReader(l.r)
			for {
				line, err := br.ReadString('\n')
				if line != "" {
					l.lines <- strings.TrimSpace(line)
				}
				if err != nil {
					return
				}
			}
		}()
	})
}

func (l *lineReader) drain() {
	for {
		select {
		case _, ok := <-l.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func readPassphrase(prompt string) ([]byte, error) {
	if v := os.Getenv(constants.PassphraseEnv); v != "" {
		return []byte(v), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.Newf("%s is not set and stdin is not a terminal", constants.PassphraseEnv)
	}

	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "read passphrase")
	}
	if len(pass) == 0 {
		return nil, securefile.ErrEmptyPassword
	}
	return pass, nil
}

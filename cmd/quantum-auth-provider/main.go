package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	providerconfig "github.com/quantumauth-io/quantum-auth-provider/cmd/quantum-auth-provider/config"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/executor"
	providerhttp "github.com/quantumauth-io/quantum-auth-provider/internal/http"
	"github.com/quantumauth-io/quantum-auth-provider/internal/provider"
	"github.com/quantumauth-io/quantum-auth-provider/internal/store"
	"github.com/quantumauth-io/quantum-auth-provider/internal/tpm"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	log.Info("quantum-auth-provider",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := providerconfig.Load()
	if err != nil {
		log.Fatal("failed to parse config", "error", err)
	}

	var tpmRuntime *tpm.Runtime
	if cfg.UsesTPM() {
		tpmRuntime, err = tpm.Open(ctx)
		if err != nil {
			log.Error("TPM init failed", "error", err)
			return
		}
		defer func() {
			if err := tpmRuntime.Close(); err != nil {
				log.Error("TPM close failed", "error", err)
			}
		}()
	}

	stg, closeStorage, err := openStorage(ctx, cfg.Storage, tpmRuntime)
	if err != nil {
		log.Error("storage init failed", "error", err)
		return
	}
	defer closeStorage()

	backend, err := openBackend(ctx, cfg, tpmRuntime)
	if err != nil {
		log.Error("signing backend init failed", "error", err)
		return
	}

	relay, err := executor.DialRelay(ctx, cfg.ProviderSettings.RelayURL)
	if err != nil {
		log.Error("failed to dial relay", "url", cfg.ProviderSettings.RelayURL, "error", err)
		return
	}
	defer relay.Close()

	st := store.New(
		store.State{Chain: store.Chain{ID: cfg.ProviderSettings.ChainID}},
		store.WithStorage(stg, constants.StoreNamespace),
	)
	if err = st.Load(ctx); err != nil {
		log.Error("failed to load provider state", "error", err)
		return
	}

	p := provider.New(st, backend, relay,
		provider.WithHost(cfg.ProviderSettings.LocalHost),
		provider.WithChains(cfg.ProviderSettings.Chains...),
	)
	defer p.Close()

	addr := net.JoinHostPort(cfg.ProviderSettings.LocalHost, cfg.ProviderSettings.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           providerhttp.NewServer(p, cfg.ProviderSettings.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		// event streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Info("provider listening", "addr", addr, "signer", backend.Type(), "storage", cfg.Storage.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	} else {
		log.Info("HTTP server gracefully stopped")
	}
}

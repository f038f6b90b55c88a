package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nostr-engine/internal/cache"
)

func main() {
	InitLogger()

	cfg := GetEngineConfig()

	pool := NewRelayPool()
	engine := NewEngine(pool)
	pool.Configure(cfg.GetReadRelays())

	var backend cache.Backend
	if cfg.RedisURL != "" {
		redisBackend, err := cache.NewRedis(cfg.RedisURL, "nostr:")
		if err != nil {
			slog.Warn("redis unavailable, using in-memory cache", "error", err)
		} else {
			backend = redisBackend
			slog.Info("using redis metadata cache")
		}
	}
	if backend == nil {
		backend = cache.NewMemory(5 * time.Minute)
	}
	metadata := NewMetadataStore(backend, cache.DefaultConfig())

	signer, err := buildSigner(cfg)
	if err != nil {
		slog.Error("failed to initialize signer", "error", err)
		os.Exit(1)
	}

	var wallet *NWCClient
	if cfg.NWCURI != "" {
		nwcConfig, err := ParseNWCURI(cfg.NWCURI)
		if err != nil {
			slog.Error("invalid NWC URI", "error", err)
			os.Exit(1)
		}
		wallet = NewNWCClient(nwcConfig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := wallet.Connect(ctx); err != nil {
			slog.Warn("wallet connection failed, zaps will hand off", "error", err)
			wallet = nil
		}
		cancel()
	}

	// Keep the metadata cache warm from live kind 0 traffic, verifying
	// NIP-05 identifiers as profiles arrive.
	nip05 := NewNIP05Verifier()
	profileSub := engine.Subscribe([]Filter{{Kinds: []int{KindProfileMetadata}}},
		WithRelays(cfg.GetProfileRelays()...))
	go func() {
		for evt := range profileSub.Events {
			if !metadata.ApplyEvent(&evt) {
				continue
			}
			if rec, ok := metadata.Get(evt.PubKey); ok && rec.Nip05 != "" {
				nip05.VerifyAsync(rec.Nip05, rec.PubKey)
			}
		}
	}()

	if pubkey, err := signer.PublicKey(context.Background()); err == nil {
		slog.Info("engine ready", "pubkey", shortID(pubkey), "relays", len(cfg.GetReadRelays()))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigCh {
		if sig == syscall.SIGUSR1 {
			fmt.Fprint(os.Stderr, MetricsSnapshot(pool))
			continue
		}
		break
	}

	slog.Info("shutting down")
	profileSub.Cancel()
	if wallet != nil {
		wallet.Close()
	}
	if ext, ok := signer.(*ExternalSigner); ok {
		ext.Close()
	}
	pool.Close()
	backend.Close()
}

func buildSigner(cfg *EngineConfig) (Signer, error) {
	switch cfg.SigningMode {
	case "", "local":
		if cfg.PrivateKey != "" {
			return NewLocalSigner(cfg.PrivateKey)
		}
		slog.Info("no private key configured, generating ephemeral key")
		return NewGeneratedLocalSigner()
	case "external":
		return NewExternalSigner(&logLauncher{}), nil
	default:
		return nil, fmt.Errorf("unknown signing mode %q", cfg.SigningMode)
	}
}

// logLauncher is the default Launcher for headless runs: it logs the
// request so an operator-side integration can pick it up. Embedders supply
// their own Launcher for real signer apps.
type logLauncher struct{}

func (l *logLauncher) Launch(req *SigningRequest) error {
	slog.Info("external signing requested", "purpose", req.Purpose)
	return nil
}

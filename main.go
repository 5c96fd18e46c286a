package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"peershare/api"
	"peershare/config"
	"peershare/crypto"
	"peershare/discovery"
	"peershare/logging"
	"peershare/network"
	"peershare/registry"
	"peershare/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	fs := flag.NewFlagSet("peershare", flag.ExitOnError)
	generateSecret := fs.Bool("generate-secret", false, "write a new signing secret to the configured secret file and exit")
	_ = fs.Parse(os.Args[1:])

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logging.Fatalf(nil, err, "startup failed while loading config")
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logging.Fatalf(logger, err, "invalid config %s", cfgPath)
	}

	if *generateSecret {
		if _, err := config.GenerateSecret(cfg.SecretPath); err != nil {
			logging.Fatalf(logger, err, "generate secret")
		}
		fmt.Printf("Secret written to %s\n", cfg.SecretPath)
		return
	}

	secret, err := config.LoadSecret(cfg)
	if err != nil {
		logging.Fatalf(logger, err, "startup failed while loading signing secret")
	}
	authority, err := crypto.NewAuthority(secret, crypto.AuthorityOptions{})
	if err != nil {
		logging.Fatalf(logger, err, "startup failed while preparing token authority")
	}

	privateKey, publicKey, err := crypto.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		logging.Fatalf(logger, err, "startup failed while preparing Ed25519 keypair")
	}

	var quicOptions network.QUICOptions
	if cfg.Transport == config.TransportQUIC {
		certificate, err := crypto.SelfSignedCertificate(privateKey, cfg.NodeID)
		if err != nil {
			logging.Fatalf(logger, err, "startup failed while creating QUIC certificate")
		}
		quicOptions.Certificate = certificate
	}
	transport, err := network.NewTransport(cfg.Transport, quicOptions)
	if err != nil {
		logging.Fatalf(logger, err, "startup failed while preparing transport")
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logging.Fatalf(logger, err, "startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("database close error", logging.Error(err))
		}
	}()

	listener, err := transport.Listen(cfg.ListenAddress)
	if err != nil {
		logging.Fatalf(logger, err, "startup failed while listening on %s", cfg.ListenAddress)
	}
	self, err := cfg.ResolveAdvertiseAddress(listener.Addr())
	if err != nil {
		_ = listener.Close()
		logging.Fatalf(logger, err, "startup failed while resolving advertise address")
	}

	peers := registry.New(registry.Options{})
	bootstrap, _ := cfg.Bootstrap()
	for _, address := range bootstrap {
		if address != self {
			peers.AddKnown(address)
		}
	}

	manager, err := network.NewSessionManager(network.SessionManagerOptions{
		Self:           self,
		Registry:       peers,
		Authority:      authority,
		Transport:      transport,
		Exposer:        store,
		Security:       store,
		Logger:         logger,
		LearnPeers:     true,
		ConnectTimeout: cfg.ProbeTimeout(),
	})
	if err != nil {
		_ = listener.Close()
		logging.Fatalf(logger, err, "startup failed while creating session manager")
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("session manager close error", logging.Error(err))
		}
	}()
	if err := manager.Serve(listener); err != nil {
		logging.Fatalf(logger, err, "startup failed while serving sessions")
	}

	loop, err := discovery.NewLoop(discovery.LoopOptions{
		Registry:     peers,
		Sessions:     manager,
		Logger:       logger,
		Interval:     cfg.DiscoveryInterval(),
		ProbeTimeout: cfg.ProbeTimeout(),
	})
	if err != nil {
		logging.Fatalf(logger, err, "startup failed while creating discovery loop")
	}
	loop.Start()
	defer loop.Stop()

	if !cfg.DisableMDNS {
		lan, err := discovery.Start(discovery.Config{
			Self:            self,
			Transport:       transport.Name(),
			RefreshInterval: cfg.DiscoveryInterval(),
		})
		if err != nil {
			logger.Warn("mDNS discovery unavailable", logging.Error(err))
		} else {
			defer lan.Stop()
			go discovery.FeedRegistry(lan.Scanner.Events(), peers)
		}
	}

	var httpAPI *api.Server
	if cfg.APIAddress != "" {
		httpAPI, err = api.New(api.Options{
			Self:     self,
			Store:    store,
			Registry: peers,
			Sharer:   manager,
			Logger:   logger,
			ShareTTL: cfg.ShareTTL(),
		})
		if err != nil {
			logging.Fatalf(logger, err, "startup failed while creating api")
		}
		if _, err := httpAPI.Start(cfg.APIAddress); err != nil {
			logging.Fatalf(logger, err, "startup failed while starting api")
		}
	}

	logger.Info("node running",
		"node_id", cfg.NodeID,
		"self", self.String(),
		"transport", transport.Name(),
		"fingerprint", crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey)),
		"config", cfgPath,
		"database", dbPath,
		"api", cfg.APIAddress,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	if httpAPI != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpAPI.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Error("api shutdown error", logging.Error(err))
		}
		cancel()
	}
}

package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.NodeID == "" {
		t.Fatalf("expected non-empty node ID")
	}
	if firstCfg.Transport != TransportTCP {
		t.Fatalf("expected default transport %q, got %q", TransportTCP, firstCfg.Transport)
	}
	if firstCfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected default listen address, got %q", firstCfg.ListenAddress)
	}
	if firstCfg.DiscoveryInterval() != 10*time.Second {
		t.Fatalf("expected 10s discovery interval, got %s", firstCfg.DiscoveryInterval())
	}
	if firstCfg.SecretPath != filepath.Join(tempDir, "keys", "secret") {
		t.Fatalf("unexpected secret path %q", firstCfg.SecretPath)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	for _, dir := range []string{"keys", "files"} {
		if info, err := os.Stat(filepath.Join(tempDir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory to exist: %v", dir, err)
		}
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.NodeID != firstCfg.NodeID {
		t.Fatalf("expected stable node ID, got %q then %q", firstCfg.NodeID, secondCfg.NodeID)
	}
	if secondCfg.Ed25519PrivateKeyPath != firstCfg.Ed25519PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.Ed25519PrivateKeyPath, secondCfg.Ed25519PrivateKeyPath)
	}
}

func TestLoadOrCreateFillsMissingFieldsAndKeepsOverrides(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &NodeConfig{
		NodeID:          "node-1",
		Transport:       "QUIC",
		ShareTTLSeconds: 60,
		BootstrapPeers:  []string{"10.0.0.2:7400"},
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.NodeID != "node-1" {
		t.Fatalf("expected node ID to be retained, got %q", cfg.NodeID)
	}
	if cfg.Transport != TransportQUIC {
		t.Fatalf("expected transport to normalize to quic, got %q", cfg.Transport)
	}
	if cfg.ShareTTL() != time.Minute {
		t.Fatalf("expected share ttl override to be retained, got %s", cfg.ShareTTL())
	}
	if cfg.ProbeTimeoutSeconds != DefaultProbeTimeoutSeconds {
		t.Fatalf("expected default probe timeout, got %d", cfg.ProbeTimeoutSeconds)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.APIAddress != DefaultAPIAddress {
		t.Fatalf("expected normalized defaults to be persisted, got api address %q", reloaded.APIAddress)
	}
}

func TestValidate(t *testing.T) {
	valid := defaultConfig(t.TempDir())
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cases := map[string]func(*NodeConfig){
		"transport": func(c *NodeConfig) { c.Transport = "udp" },
		"listen":    func(c *NodeConfig) { c.ListenAddress = "no-port" },
		"advertise": func(c *NodeConfig) { c.AdvertiseAddress = "host:0" },
		"bootstrap": func(c *NodeConfig) { c.BootstrapPeers = []string{"missing-port"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig(t.TempDir())
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected %s to fail validation", name)
			}
		})
	}
}

func TestResolveAdvertiseAddress(t *testing.T) {
	cfg := defaultConfig(t.TempDir())

	bound := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7401}
	got, err := cfg.ResolveAdvertiseAddress(bound)
	if err != nil {
		t.Fatalf("ResolveAdvertiseAddress failed: %v", err)
	}
	if got != "127.0.0.1:7401" {
		t.Fatalf("expected bound address, got %q", got)
	}

	unspecified := &net.TCPAddr{IP: net.IPv4zero, Port: 7402}
	got, err = cfg.ResolveAdvertiseAddress(unspecified)
	if err != nil {
		t.Fatalf("ResolveAdvertiseAddress unspecified failed: %v", err)
	}
	host, _, err := net.SplitHostPort(got.String())
	if err != nil {
		t.Fatalf("split %q: %v", got, err)
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		t.Fatalf("expected a concrete advertise host, got %q", got)
	}

	cfg.AdvertiseAddress = "Node.LAN:7400"
	got, err = cfg.ResolveAdvertiseAddress(bound)
	if err != nil {
		t.Fatalf("ResolveAdvertiseAddress explicit failed: %v", err)
	}
	if got != "node.lan:7400" {
		t.Fatalf("expected explicit advertise address, got %q", got)
	}
}

func TestLoadSecretPrefersEnvironment(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	if _, err := GenerateSecret(cfg.SecretPath); err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	t.Setenv(SecretEnv, "  env-secret-value-0123456789  ")
	secret, err := LoadSecret(cfg)
	if err != nil {
		t.Fatalf("LoadSecret failed: %v", err)
	}
	if string(secret) != "env-secret-value-0123456789" {
		t.Fatalf("expected trimmed env secret, got %q", secret)
	}
}

func TestLoadSecretReadsGeneratedFile(t *testing.T) {
	t.Setenv(SecretEnv, "")
	cfg := defaultConfig(t.TempDir())

	generated, err := GenerateSecret(cfg.SecretPath)
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if len(generated) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(generated))
	}

	loaded, err := LoadSecret(cfg)
	if err != nil {
		t.Fatalf("LoadSecret failed: %v", err)
	}
	if string(loaded) != string(generated) {
		t.Fatalf("expected loaded secret to match generated secret")
	}

	info, err := os.Stat(cfg.SecretPath)
	if err != nil {
		t.Fatalf("stat secret: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected secret mode 0600, got %v", info.Mode().Perm())
	}

	if _, err := GenerateSecret(cfg.SecretPath); !errors.Is(err, ErrSecretExists) {
		t.Fatalf("expected ErrSecretExists, got %v", err)
	}
}

func TestLoadSecretMissing(t *testing.T) {
	t.Setenv(SecretEnv, "")
	cfg := defaultConfig(t.TempDir())

	if _, err := LoadSecret(cfg); !errors.Is(err, ErrSecretMissing) {
		t.Fatalf("expected ErrSecretMissing, got %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SecretPath), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.SecretPath, []byte("   \n"), 0o600); err != nil {
		t.Fatalf("write empty secret: %v", err)
	}
	if _, err := LoadSecret(cfg); !errors.Is(err, ErrSecretMissing) {
		t.Fatalf("expected ErrSecretMissing for empty file, got %v", err)
	}
}

package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"peershare/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peershare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERSHARE_DATA_DIR"
	// SecretEnv carries the cluster signing secret.
	SecretEnv = "PEERSHARE_SECRET"
	// DefaultListenAddress is the session listener address.
	DefaultListenAddress = "0.0.0.0:7400"
	// DefaultAPIAddress is the HTTP control API address.
	DefaultAPIAddress = "127.0.0.1:7480"
	// DefaultDiscoveryIntervalSeconds is the pause between discovery ticks.
	DefaultDiscoveryIntervalSeconds = 10
	// DefaultProbeTimeoutSeconds bounds one discovery probe.
	DefaultProbeTimeoutSeconds = 5
	// DefaultShareTTLSeconds is the lifetime of issued share claims.
	DefaultShareTTLSeconds = 300
	// TransportTCP and TransportQUIC are the supported session transports.
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	secretFileName = "secret"
	minSecretBytes = 16
)

var (
	// ErrSecretMissing indicates no signing secret is configured.
	ErrSecretMissing = errors.New("config: signing secret not configured")
	// ErrSecretExists indicates GenerateSecret would overwrite a secret.
	ErrSecretExists = errors.New("config: secret file already exists")
)

// NodeConfig contains persistent node settings.
type NodeConfig struct {
	NodeID                   string   `json:"node_id"`
	ListenAddress            string   `json:"listen_address"`
	AdvertiseAddress         string   `json:"advertise_address"`
	Transport                string   `json:"transport"`
	APIAddress               string   `json:"api_address"`
	DisableMDNS              bool     `json:"disable_mdns"`
	DiscoveryIntervalSeconds int      `json:"discovery_interval_seconds"`
	ProbeTimeoutSeconds      int      `json:"probe_timeout_seconds"`
	ShareTTLSeconds          int      `json:"share_ttl_seconds"`
	BootstrapPeers           []string `json:"bootstrap_peers"`
	LogLevel                 string   `json:"log_level"`
	LogFormat                string   `json:"log_format"`
	Ed25519PrivateKeyPath    string   `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath     string   `json:"ed25519_public_key_path"`
	SecretPath               string   `json:"secret_path"`
}

// DiscoveryInterval returns the discovery tick interval.
func (c *NodeConfig) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe connect bound.
func (c *NodeConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// ShareTTL returns the default lifetime of issued share claims.
func (c *NodeConfig) ShareTTL() time.Duration {
	return time.Duration(c.ShareTTLSeconds) * time.Second
}

// Validate checks the fields that cannot be defaulted.
func (c *NodeConfig) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("listen address %q: %w", c.ListenAddress, err)
	}
	if c.AdvertiseAddress != "" {
		if _, err := models.ParsePeerAddress(c.AdvertiseAddress); err != nil {
			return fmt.Errorf("advertise address: %w", err)
		}
	}
	if _, err := c.Bootstrap(); err != nil {
		return err
	}
	return nil
}

// Bootstrap returns the configured bootstrap peers, normalized.
func (c *NodeConfig) Bootstrap() ([]models.PeerAddress, error) {
	peers := make([]models.PeerAddress, 0, len(c.BootstrapPeers))
	for _, raw := range c.BootstrapPeers {
		address, err := models.ParsePeerAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer: %w", err)
		}
		peers = append(peers, address)
	}
	return peers, nil
}

// ResolveAdvertiseAddress returns the address peers should dial. An explicit
// AdvertiseAddress wins; otherwise the bound listener address is used, with an
// unspecified host replaced by the first non-loopback IPv4 address.
func (c *NodeConfig) ResolveAdvertiseAddress(bound net.Addr) (models.PeerAddress, error) {
	if c.AdvertiseAddress != "" {
		return models.ParsePeerAddress(c.AdvertiseAddress)
	}
	if bound == nil {
		return "", errors.New("listener address is required")
	}
	host, port, err := net.SplitHostPort(bound.String())
	if err != nil {
		return "", fmt.Errorf("split listener address: %w", err)
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = outboundIPv4()
	}
	return models.ParsePeerAddress(net.JoinHostPort(host, port))
}

func outboundIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// LoadSecret returns the signing secret from PEERSHARE_SECRET or, failing
// that, from the configured secret file.
func LoadSecret(cfg *NodeConfig) ([]byte, error) {
	if secret := strings.TrimSpace(os.Getenv(SecretEnv)); secret != "" {
		return []byte(secret), nil
	}
	if cfg == nil || cfg.SecretPath == "" {
		return nil, ErrSecretMissing
	}

	raw, err := os.ReadFile(cfg.SecretPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: set %s or create %s", ErrSecretMissing, SecretEnv, cfg.SecretPath)
		}
		return nil, fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretMissing, cfg.SecretPath)
	}
	return []byte(secret), nil
}

// GenerateSecret writes a fresh random hex secret to path. It never
// overwrites an existing file.
func GenerateSecret(path string) ([]byte, error) {
	buf := make([]byte, 2*minSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := []byte(hex.EncodeToString(buf))

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrSecretExists, path)
		}
		return nil, fmt.Errorf("create secret file: %w", err)
	}
	if _, err := file.Write(append(secret, '\n')); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write secret file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close secret file: %w", err)
	}
	return secret, nil
}

func defaultConfig(dataDir string) *NodeConfig {
	cfg := &NodeConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setPositive := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.NodeID, uuid.NewString())
	setString(&cfg.ListenAddress, DefaultListenAddress)
	setString(&cfg.APIAddress, DefaultAPIAddress)
	setString(&cfg.LogLevel, "info")
	setString(&cfg.LogFormat, "text")
	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.Ed25519PublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))
	setString(&cfg.SecretPath, filepath.Join(keysDir, secretFileName))
	setPositive(&cfg.DiscoveryIntervalSeconds, DefaultDiscoveryIntervalSeconds)
	setPositive(&cfg.ProbeTimeoutSeconds, DefaultProbeTimeoutSeconds)
	setPositive(&cfg.ShareTTLSeconds, DefaultShareTTLSeconds)

	transport := normalizeTransport(cfg.Transport)
	if cfg.Transport != transport {
		cfg.Transport = transport
		updated = true
	}
	if cfg.BootstrapPeers == nil {
		cfg.BootstrapPeers = []string{}
		updated = true
	}

	return updated
}

func normalizeTransport(transport string) string {
	transport = strings.ToLower(strings.TrimSpace(transport))
	if transport == "" {
		return TransportTCP
	}
	return transport
}

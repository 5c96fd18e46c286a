package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	privateKeyBlock = "PRIVATE KEY"
	publicKeyBlock  = "PUBLIC KEY"
)

// ErrNotEd25519 is returned when a key file holds some other algorithm.
var ErrNotEd25519 = errors.New("crypto: key is not Ed25519")

// EnsureEd25519KeyPair returns the node's identity key, creating it on first
// run. The private key is stored as PKCS#8 and the public half as PKIX; a
// missing or stale public file is rewritten from the private key.
func EnsureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	priv, err := readPrivateKey(privatePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate identity key: %w", err)
		}
		if err := writePrivateKey(privatePath, priv); err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	}

	pub := priv.Public().(ed25519.PublicKey)
	if stored, err := readPublicKey(publicPath); err != nil || !bytes.Equal(stored, pub) {
		if err := writePublicKey(publicPath, pub); err != nil {
			return nil, nil, err
		}
	}
	return priv, pub, nil
}

// KeyFingerprint is the first 16 bytes of SHA-256 over the public key, hex encoded.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint renders a fingerprint as upper-case groups of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.Join(strings.Fields(fingerprint), ""))
	groups := make([]string, 0, (len(clean)+3)/4)
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}
	return strings.Join(groups, " ")
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	der, err := decodePEMFile(path, privateKeyBlock)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return key, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	der, err := decodePEMFile(path, publicKeyBlock)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return key, nil
}

func writePrivateKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode identity key: %w", err)
	}
	return encodePEMFile(path, privateKeyBlock, der, 0o600)
}

func writePublicKey(path string, key ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	return encodePEMFile(path, publicKeyBlock, der, 0o644)
}

func decodePEMFile(path, blockType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("%s: expected a %s PEM block", path, blockType)
	}
	return block.Bytes, nil
}

func encodePEMFile(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"peershare/models"
)

const (
	// MinSecretLength is the shortest accepted signing secret in bytes.
	MinSecretLength = 16
	// MaxTokenLength bounds an encoded claim accepted from the wire.
	MaxTokenLength = 4096

	claimContext = "peershare-claim-v1"
)

var (
	// ErrMissingSecret indicates no signing secret was configured.
	ErrMissingSecret = errors.New("crypto: signing secret is missing")
	// ErrWeakSecret indicates the signing secret is shorter than MinSecretLength.
	ErrWeakSecret = errors.New("crypto: signing secret is too short")
	// ErrTokenExpired indicates a correctly signed claim past its expiry.
	ErrTokenExpired = errors.New("crypto: share claim expired")
	// ErrBadSignature indicates the claim fields do not match the signature.
	ErrBadSignature = errors.New("crypto: share claim signature mismatch")
	// ErrMalformedToken indicates a claim that cannot be decoded or is incomplete.
	ErrMalformedToken = errors.New("crypto: malformed share claim")
)

// ShareClaim authorizes access to one resource for a bounded time.
type ShareClaim struct {
	ResourceID string
	IssuerPeer models.PeerAddress
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Signature  []byte
}

type claimPayload struct {
	ResourceID string `json:"rid"`
	IssuerPeer string `json:"iss"`
	IssuedAt   int64  `json:"iat"`
	ExpiresAt  int64  `json:"exp"`
}

// AuthorityOptions controls Authority behavior.
type AuthorityOptions struct {
	Now func() time.Time
}

// Authority issues and verifies share claims with a process-wide secret.
// It holds no state besides the derived key and is safe for concurrent use.
type Authority struct {
	key []byte
	now func() time.Time
}

// NewAuthority derives the claim signing key from secret.
func NewAuthority(secret []byte, options AuthorityOptions) (*Authority, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrWeakSecret, len(secret), MinSecretLength)
	}

	key := make([]byte, sha256.Size)
	reader := hkdf.New(sha256.New, secret, []byte(claimContext), []byte("share-claim-hmac"))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive claim signing key: %w", err)
	}

	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Authority{key: key, now: now}, nil
}

// Issue creates a signed claim for resourceID expiring ttl from now.
func (a *Authority) Issue(resourceID string, issuer models.PeerAddress, ttl time.Duration) (ShareClaim, error) {
	if strings.TrimSpace(resourceID) == "" || strings.ContainsAny(resourceID, "\r\n") {
		return ShareClaim{}, fmt.Errorf("invalid resource id %q", resourceID)
	}
	if issuer == "" {
		return ShareClaim{}, errors.New("issuer peer is required")
	}
	if ttl <= 0 {
		return ShareClaim{}, fmt.Errorf("ttl must be > 0, got %s", ttl)
	}

	// Millisecond precision so the claim survives token encoding unchanged.
	issuedAt := time.UnixMilli(a.now().UnixMilli())
	claim := ShareClaim{
		ResourceID: resourceID,
		IssuerPeer: issuer,
		IssuedAt:   issuedAt,
		ExpiresAt:  time.UnixMilli(issuedAt.Add(ttl).UnixMilli()),
	}
	claim.Signature = a.sign(claim)
	return claim, nil
}

// Verify checks the claim signature, then its expiry, and returns the
// authorized resource ID.
func (a *Authority) Verify(claim ShareClaim) (string, error) {
	if err := claim.validateShape(); err != nil {
		return "", err
	}

	expected := a.sign(claim)
	if !hmac.Equal(expected, claim.Signature) {
		return "", ErrBadSignature
	}
	if a.now().After(claim.ExpiresAt) {
		return "", ErrTokenExpired
	}
	return claim.ResourceID, nil
}

// VerifyToken decodes an untrusted wire token and verifies the claim inside.
// The decoded claim is returned alongside any verification error.
func (a *Authority) VerifyToken(token string) (ShareClaim, error) {
	claim, err := DecodeToken(token)
	if err != nil {
		return ShareClaim{}, err
	}
	if _, err := a.Verify(claim); err != nil {
		return claim, err
	}
	return claim, nil
}

// EncodeToken serializes a claim as base64url(payload) "." base64url(signature).
func EncodeToken(claim ShareClaim) (string, error) {
	if err := claim.validateShape(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(claimPayload{
		ResourceID: claim.ResourceID,
		IssuerPeer: string(claim.IssuerPeer),
		IssuedAt:   claim.IssuedAt.UnixMilli(),
		ExpiresAt:  claim.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claim payload: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(claim.Signature), nil
}

// DecodeToken parses a token without verifying it.
func DecodeToken(token string) (ShareClaim, error) {
	if token == "" || len(token) > MaxTokenLength {
		return ShareClaim{}, fmt.Errorf("%w: token length %d", ErrMalformedToken, len(token))
	}
	encodedPayload, encodedSignature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(encodedSignature, ".") {
		return ShareClaim{}, fmt.Errorf("%w: expected two segments", ErrMalformedToken)
	}

	rawPayload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return ShareClaim{}, fmt.Errorf("%w: decode payload: %v", ErrMalformedToken, err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return ShareClaim{}, fmt.Errorf("%w: decode signature: %v", ErrMalformedToken, err)
	}

	decoder := json.NewDecoder(strings.NewReader(string(rawPayload)))
	decoder.DisallowUnknownFields()
	var payload claimPayload
	if err := decoder.Decode(&payload); err != nil {
		return ShareClaim{}, fmt.Errorf("%w: decode payload: %v", ErrMalformedToken, err)
	}

	claim := ShareClaim{
		ResourceID: payload.ResourceID,
		IssuerPeer: models.PeerAddress(payload.IssuerPeer),
		IssuedAt:   time.UnixMilli(payload.IssuedAt),
		ExpiresAt:  time.UnixMilli(payload.ExpiresAt),
		Signature:  signature,
	}
	if err := claim.validateShape(); err != nil {
		return ShareClaim{}, err
	}
	return claim, nil
}

func (c ShareClaim) validateShape() error {
	switch {
	case c.ResourceID == "":
		return fmt.Errorf("%w: missing resource id", ErrMalformedToken)
	case c.IssuerPeer == "":
		return fmt.Errorf("%w: missing issuer", ErrMalformedToken)
	case c.IssuedAt.UnixMilli() <= 0 || c.ExpiresAt.UnixMilli() <= 0:
		return fmt.Errorf("%w: missing timestamps", ErrMalformedToken)
	case len(c.Signature) != sha256.Size:
		return fmt.Errorf("%w: signature length %d", ErrMalformedToken, len(c.Signature))
	}
	return nil
}

func (a *Authority) sign(claim ShareClaim) []byte {
	mac := hmac.New(sha256.New, a.key)
	for _, field := range []string{
		claimContext,
		claim.ResourceID,
		string(claim.IssuerPeer),
		strconv.FormatInt(claim.IssuedAt.UnixMilli(), 10),
		strconv.FormatInt(claim.ExpiresAt.UnixMilli(), 10),
	} {
		mac.Write([]byte(field))
		mac.Write([]byte{0})
	}
	return mac.Sum(nil)
}

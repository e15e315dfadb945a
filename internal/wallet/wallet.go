// Package wallet provides ECDSA P-256 identities for pools and miners.
// A wallet address is the hex-encoded compressed public key point, so a
// verifier can recover the public key from the address alone.
package wallet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// addressLen is the hex length of a compressed P-256 point (33 bytes).
const addressLen = 66

// KeyPair holds a P-256 private key used for signing batch digests.
type KeyPair struct {
	priv *ecdsa.PrivateKey
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// FromHex restores a key pair from a hex-encoded private scalar.
func FromHex(s string) (*KeyPair, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty private key")
	}

	d := new(big.Int).SetBytes(b)
	curve := elliptic.P256()
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("private scalar out of range")
	}

	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
	return &KeyPair{priv: priv}, nil
}

// Hex returns the hex-encoded private scalar.
func (k *KeyPair) Hex() string {
	return hex.EncodeToString(k.priv.D.Bytes())
}

// Address returns the wallet address for this key pair.
func (k *KeyPair) Address() string {
	return AddressFromPublicKey(&k.priv.PublicKey)
}

// AddressFromPublicKey encodes a public key as a wallet address.
func AddressFromPublicKey(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y))
}

// PublicKeyFromAddress recovers the public key encoded in a wallet address.
func PublicKeyFromAddress(addr string) (*ecdsa.PublicKey, error) {
	if len(addr) != addressLen {
		return nil, fmt.Errorf("invalid address length %d, want %d", len(addr), addressLen)
	}
	b, err := hex.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("decode address hex: %w", err)
	}

	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, b)
	if x == nil {
		return nil, fmt.Errorf("address is not a valid curve point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// IsValidAddress reports whether addr decodes to a point on the curve.
func IsValidAddress(addr string) bool {
	_, err := PublicKeyFromAddress(addr)
	return err == nil
}

// SignDigest signs a hex digest string and returns the signature encoded as
// the decimal pair "r,s". The digest string itself is hashed with SHA-256
// before signing.
func (k *KeyPair) SignDigest(digest string) (string, error) {
	h := sha256.Sum256([]byte(digest))
	r, s, err := ecdsa.Sign(rand.Reader, k.priv, h[:])
	if err != nil {
		return "", fmt.Errorf("sign digest: %w", err)
	}
	return r.String() + "," + s.String(), nil
}

// VerifyDigest checks an "r,s" signature over digest against the public key
// recovered from addr.
func VerifyDigest(addr, digest, signature string) error {
	pub, err := PublicKeyFromAddress(addr)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}

	r, s, err := parseSignature(signature)
	if err != nil {
		return err
	}

	h := sha256.Sum256([]byte(digest))
	if !ecdsa.Verify(pub, h[:], r, s) {
		return fmt.Errorf("ecdsa signature verification failed")
	}
	return nil
}

// parseSignature splits an "r,s" decimal pair into its two integers.
func parseSignature(signature string) (*big.Int, *big.Int, error) {
	parts := strings.SplitN(signature, ",", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("signature is not an r,s pair")
	}
	r, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return nil, nil, fmt.Errorf("invalid signature r component")
	}
	s, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return nil, nil, fmt.Errorf("invalid signature s component")
	}
	return r, s, nil
}

package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
)

// DefaultKeyBits is the RSA modulus size used for DKIM keys
const DefaultKeyBits = 2048

const (
	pemTypePublic  = "PUBLIC KEY"
	pemTypePrivate = "PRIVATE KEY"
)

// KeyPair represents a DKIM key pair for one selector
type KeyPair struct {
	Selector      string
	PrivateKey    *rsa.PrivateKey
	PublicKeyPEM  string // SPKI
	PrivateKeyPEM string // PKCS8
}

// GenerateKey generates a new RSA 2048-bit DKIM key pair
func GenerateKey(selector string) (*KeyPair, error) {
	return GenerateKeySize(selector, DefaultKeyBits)
}

// GenerateKeySize generates a DKIM key pair with the given modulus size
func GenerateKeySize(selector string, bits int) (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return NewKeyPair(selector, privateKey)
}

// NewKeyPair wraps an existing private key
func NewKeyPair(selector string, privateKey *rsa.PrivateKey) (*KeyPair, error) {
	pubPEM, err := EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	privPEM, err := EncodePrivateKeyPEM(privateKey)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Selector:      selector,
		PrivateKey:    privateKey,
		PublicKeyPEM:  pubPEM,
		PrivateKeyPEM: privPEM,
	}, nil
}

// GenerateAsync generates a key pair on its own goroutine so callers can
// abandon the wait when ctx ends. RSA generation cannot be interrupted; an
// abandoned key is discarded.
func GenerateAsync(ctx context.Context, selector string, bits int) (*KeyPair, error) {
	type result struct {
		kp  *KeyPair
		err error
	}

	done := make(chan result, 1)
	go func() {
		kp, err := GenerateKeySize(selector, bits)
		done <- result{kp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.kp, r.err
	}
}

// PublicKeyBase64 returns the bare base64 payload for the DKIM p= tag
func (kp *KeyPair) PublicKeyBase64() string {
	return ExtractPublicKeyBase64(kp.PublicKeyPEM)
}

// EncodePublicKeyPEM encodes a public key as PEM in SPKI form
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der})), nil
}

// EncodePrivateKeyPEM encodes a private key as PEM in PKCS8 form
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: der})), nil
}

var pemArmor = regexp.MustCompile(`-----BEGIN PUBLIC KEY-----|-----END PUBLIC KEY-----|\s+`)

// ExtractPublicKeyBase64 strips PEM armour and whitespace from a public key
func ExtractPublicKeyBase64(pemData string) string {
	return pemArmor.ReplaceAllString(pemData, "")
}

// ParsePublicKeyBase64 decodes a bare SPKI base64 payload, as found in p=
func ParsePublicKeyBase64(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not RSA")
	}
	return rsaKey, nil
}

// LoadPrivateKey parses an RSA private key from PEM (PKCS1 or PKCS8)
func LoadPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case pemTypePrivate:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

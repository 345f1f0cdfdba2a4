// Package vapid manages the VAPID key pair used to sign outbound push
// messages: a base64url public key and a PEM private key, kept as two files
// next to the binary. Missing files mean push sending is disabled, not an
// error.
package vapid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

type Keys struct {
	Public     string
	PrivatePEM string
}

// Load reads the key pair from disk. If either file is absent it returns
// (nil, nil): subscription management keeps working, delivery is disabled.
func Load(pubFile, privFile string) (*Keys, error) {
	pub, err := os.ReadFile(pubFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	priv, err := os.ReadFile(privFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return &Keys{
		Public:     strings.TrimSpace(string(pub)),
		PrivatePEM: string(priv),
	}, nil
}

// RawScalar re-encodes a PEM private key as the unpadded base64url P-256
// scalar. Some delivery backends expect this representation of the same key
// instead of the PEM text.
func RawScalar(pemText string) (string, error) {
	key, err := parsePrivatePEM([]byte(pemText))
	if err != nil {
		return "", err
	}
	raw := make([]byte, 32)
	key.D.FillBytes(raw)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func parsePrivatePEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("parse private key: no PEM block found")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not an EC key")
	}
	return key, nil
}

// Generate creates a fresh P-256 key pair and writes it to disk: the private
// key as PKCS#8 PEM, the public key as base64url of the uncompressed point.
func Generate(pubFile, privFile string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	// Uncompressed point: 0x04 || X || Y
	point := make([]byte, 65)
	point[0] = 0x04
	key.PublicKey.X.FillBytes(point[1:33])
	key.PublicKey.Y.FillBytes(point[33:65])
	pub := base64.RawURLEncoding.EncodeToString(point)

	if err := os.WriteFile(privFile, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubFile, []byte(pub), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// ConvertPrivateToEC rewrites a PKCS#8 private key file as a traditional
// EC PRIVATE KEY PEM, for downstream tooling that expects that header.
// The original file is kept as <file>.bak.
func ConvertPrivateToEC(privFile string) error {
	data, err := os.ReadFile(privFile)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	key, err := parsePrivatePEM(data)
	if err != nil {
		return err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal EC private key: %w", err)
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	if err := os.WriteFile(privFile+".bak", data, 0o600); err != nil {
		return fmt.Errorf("back up private key: %w", err)
	}
	if err := os.WriteFile(privFile, out, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

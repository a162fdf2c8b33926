package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// GenerateKeyPair generates a new ED25519 key pair and saves it to disk.
// The private key is saved to privPath in PKCS#8 PEM form and the public
// key to privPath.pub.
func GenerateKeyPair(privPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	if err := os.WriteFile(privPath, pemBytes, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPath := privPath + ".pub"
	if err := os.WriteFile(pubPath, []byte(EncodePublicKey(pubKey)+"\n"), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}

// LoadPrivateKey loads an ED25519 private key from a PKCS#8 PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ED25519 (got %T)", key)
	}

	return edKey, nil
}

// EnsureKeyPairExists loads an existing key pair or generates a new one.
func EnsureKeyPairExists(privPath string) (ed25519.PrivateKey, error) {
	key, err := LoadPrivateKey(privPath)
	if err == nil {
		return key, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		if err := GenerateKeyPair(privPath); err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		return LoadPrivateKey(privPath)
	}

	return nil, err
}

// EncodePublicKey encodes an ED25519 public key to base64 for transmission.
func EncodePublicKey(key ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodePublicKey decodes a base64-encoded ED25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ED25519 public key size %d", len(data))
	}
	return ed25519.PublicKey(data), nil
}

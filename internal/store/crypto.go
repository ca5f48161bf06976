// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Content encoding markers. The first byte of every stored content blob
// records how the rest is encoded, so a database written without a key
// stays readable after one is configured.
const (
	contentPlain  byte = 0x00
	contentSealed byte = 0x01
)

var (
	// ErrSealedContent indicates a sealed blob was read but no key is configured.
	ErrSealedContent = errors.New("content is sealed but no encryption key is configured")

	// ErrContentCorrupted indicates a content blob that cannot be decoded.
	ErrContentCorrupted = errors.New("content blob corrupted")
)

// sealer encrypts message content at rest with XChaCha20-Poly1305.
// A nil sealer stores content in the clear.
type sealer struct {
	aead cipher.AEAD
}

// newSealer builds a sealer from a hex-encoded 32-byte key.
func newSealer(hexKey string) (*sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// encodeContent converts plaintext to the stored blob form. With no sealer
// the blob is the marker byte followed by the raw text.
func (s *sealer) encodeContent(plaintext string) ([]byte, error) {
	if s == nil {
		return append([]byte{contentPlain}, plaintext...), nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	blob = append(blob, contentSealed)
	blob = append(blob, nonce...)
	blob = s.aead.Seal(blob, nonce, []byte(plaintext), nil)
	return blob, nil
}

// decodeContent converts a stored blob back to plaintext. Plain blobs are
// readable regardless of key configuration.
func (s *sealer) decodeContent(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}

	switch blob[0] {
	case contentPlain:
		return string(blob[1:]), nil
	case contentSealed:
		if s == nil {
			return "", ErrSealedContent
		}
		nonceSize := s.aead.NonceSize()
		if len(blob) < 1+nonceSize+s.aead.Overhead() {
			return "", fmt.Errorf("%w: blob too short", ErrContentCorrupted)
		}
		nonce := blob[1 : 1+nonceSize]
		plaintext, err := s.aead.Open(nil, nonce, blob[1+nonceSize:], nil)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrContentCorrupted, err.Error())
		}
		return string(plaintext), nil
	default:
		return "", fmt.Errorf("%w: unknown marker 0x%02x", ErrContentCorrupted, blob[0])
	}
}

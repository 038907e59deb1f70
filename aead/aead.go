// Package aead provides the authenticated encryption constructions used to
// protect attachment chunks.
//
// Every Key is tagged with the id of the scheme it belongs to, so callers never
// need to know which construction encrypted a given payload. All schemes share
// the same shape: the ciphertext is the plaintext plus a fixed per-message
// overhead (nonce and tag), which makes the plaintext length a pure function of
// the ciphertext length and the key.
package aead

import (
	"errors"
	"fmt"
	"io"
)

// SchemeID identifies an authenticated encryption construction. It is the
// first byte of a serialized Key.
type SchemeID byte

const (
	// SchemeAES256CTRHMACSHA256 is AES-256 in counter mode with a random
	// 8 byte nonce, authenticated with HMAC-SHA256 (encrypt-then-mac).
	SchemeAES256CTRHMACSHA256 SchemeID = 0x00

	// SchemeChaCha20Poly1305 is the IETF ChaCha20-Poly1305 AEAD with a
	// random 12 byte nonce.
	SchemeChaCha20Poly1305 SchemeID = 0x01

	// SchemeXSalsa20Poly1305 is NaCl's secretbox with a random 24 byte
	// nonce.
	SchemeXSalsa20Poly1305 SchemeID = 0x02
)

var (
	// ErrInvalidCiphertextLength is returned when a ciphertext is too short
	// to contain the fixed overhead of its scheme.
	ErrInvalidCiphertextLength = errors.New("ciphertext shorter than scheme overhead")

	// ErrDecryptionFailed is returned when the authentication tag of a
	// ciphertext does not match.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnknownScheme is returned for keys tagged with an unsupported
	// scheme id.
	ErrUnknownScheme = errors.New("unknown aead scheme")

	// ErrInvalidKey is returned when key material has the wrong size.
	ErrInvalidKey = errors.New("invalid aead key")
)

// AuthenticatedEncryption is one authenticated encryption construction.
type AuthenticatedEncryption interface {
	ID() SchemeID
	Name() string
	KeySize() int

	// Overhead is the number of bytes a ciphertext has in excess of its
	// plaintext.
	Overhead() int

	Seal(key, plaintext []byte, rand io.Reader) ([]byte, error)
	Open(key, ciphertext []byte) ([]byte, error)
}

var schemes = map[SchemeID]AuthenticatedEncryption{
	SchemeAES256CTRHMACSHA256: ctrHMAC{},
	SchemeChaCha20Poly1305:    chachaPoly{},
	SchemeXSalsa20Poly1305:    secretBox{},
}

// Scheme returns the construction identified by id.
func Scheme(id SchemeID) (AuthenticatedEncryption, error) {
	s, ok := schemes[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownScheme, byte(id))
	}
	return s, nil
}

// Key is a symmetric key tagged with the scheme it is used with.
type Key struct {
	Scheme   SchemeID
	Material []byte
}

func (k Key) scheme() (AuthenticatedEncryption, error) {
	s, err := Scheme(k.Scheme)
	if err != nil {
		return nil, err
	}
	if len(k.Material) != s.KeySize() {
		return nil, fmt.Errorf("%w: %s keys are %d bytes, got %d",
			ErrInvalidKey, s.Name(), s.KeySize(), len(k.Material))
	}
	return s, nil
}

// Validate returns an error if the key cannot be used.
func (k Key) Validate() error {
	_, err := k.scheme()
	return err
}

// MarshalBinary encodes the key as its scheme byte followed by the key
// material.
func (k Key) MarshalBinary() ([]byte, error) {
	b := make([]byte, 1+len(k.Material))
	b[0] = byte(k.Scheme)
	copy(b[1:], k.Material)
	return b, nil
}

// UnmarshalBinary decodes a key encoded with MarshalBinary.
func (k *Key) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrInvalidKey
	}
	key := Key{Scheme: SchemeID(b[0]), Material: append([]byte(nil), b[1:]...)}
	if err := key.Validate(); err != nil {
		return err
	}
	*k = key
	return nil
}

// GenerateKey creates a new random key for the given scheme.
func GenerateKey(id SchemeID, rand io.Reader) (Key, error) {
	s, err := Scheme(id)
	if err != nil {
		return Key{}, err
	}
	k := Key{Scheme: id, Material: make([]byte, s.KeySize())}
	if _, err := io.ReadFull(rand, k.Material); err != nil {
		return Key{}, err
	}
	return k, nil
}

// PlaintextLength returns the length of the plaintext of a ciphertext of the
// given length encrypted under key.
func PlaintextLength(ciphertextLen int, key Key) (int, error) {
	s, err := key.scheme()
	if err != nil {
		return 0, err
	}
	if ciphertextLen < s.Overhead() {
		return 0, fmt.Errorf("%w: %d < %d", ErrInvalidCiphertextLength,
			ciphertextLen, s.Overhead())
	}
	return ciphertextLen - s.Overhead(), nil
}

// CiphertextLength returns the length of the ciphertext of a plaintext with
// the given length when encrypted under key.
func CiphertextLength(plaintextLen int, key Key) (int, error) {
	s, err := key.scheme()
	if err != nil {
		return 0, err
	}
	return plaintextLen + s.Overhead(), nil
}

// Encrypt seals plaintext under key, reading nonces from rand.
func Encrypt(key Key, plaintext []byte, rand io.Reader) ([]byte, error) {
	s, err := key.scheme()
	if err != nil {
		return nil, err
	}
	return s.Seal(key.Material, plaintext, rand)
}

// Decrypt opens a ciphertext sealed with Encrypt.
func Decrypt(key Key, ciphertext []byte) ([]byte, error) {
	s, err := key.scheme()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < s.Overhead() {
		return nil, fmt.Errorf("%w: %d < %d", ErrInvalidCiphertextLength,
			len(ciphertext), s.Overhead())
	}
	return s.Open(key.Material, ciphertext)
}

package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	ctrNonceSize  = 8
	ctrAESKeySize = 32
	ctrMACKeySize = 32
)

// ctrHMAC is AES-256-CTR followed by HMAC-SHA256 over nonce and ciphertext.
// The 16 byte counter block is the nonce followed by a big-endian block
// counter starting at zero.
//
// Output: nonce (8) || ciphertext || mac (32).
type ctrHMAC struct{}

func (ctrHMAC) ID() SchemeID  { return SchemeAES256CTRHMACSHA256 }
func (ctrHMAC) Name() string  { return "aes256ctr-hmacsha256" }
func (ctrHMAC) KeySize() int  { return ctrAESKeySize + ctrMACKeySize }
func (ctrHMAC) Overhead() int { return ctrNonceSize + sha256.Size }

func (s ctrHMAC) stream(key, nonce []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key[:ctrAESKeySize])
	if err != nil {
		return nil, err
	}
	var iv [aes.BlockSize]byte
	copy(iv[:], nonce)
	return cipher.NewCTR(block, iv[:]), nil
}

func (s ctrHMAC) Seal(key, plaintext []byte, rand io.Reader) ([]byte, error) {
	out := make([]byte, ctrNonceSize+len(plaintext), len(plaintext)+s.Overhead())
	if _, err := io.ReadFull(rand, out[:ctrNonceSize]); err != nil {
		return nil, err
	}
	stream, err := s.stream(key, out[:ctrNonceSize])
	if err != nil {
		return nil, err
	}
	stream.XORKeyStream(out[ctrNonceSize:], plaintext)

	mac := hmac.New(sha256.New, key[ctrAESKeySize:])
	mac.Write(out)
	return mac.Sum(out), nil
}

func (s ctrHMAC) Open(key, ciphertext []byte) ([]byte, error) {
	body := ciphertext[:len(ciphertext)-sha256.Size]
	tag := ciphertext[len(ciphertext)-sha256.Size:]

	mac := hmac.New(sha256.New, key[ctrAESKeySize:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrDecryptionFailed
	}

	stream, err := s.stream(key, body[:ctrNonceSize])
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(body)-ctrNonceSize)
	stream.XORKeyStream(plaintext, body[ctrNonceSize:])
	return plaintext, nil
}

// chachaPoly is ChaCha20-Poly1305. Output: nonce (12) || sealed box.
type chachaPoly struct{}

func (chachaPoly) ID() SchemeID  { return SchemeChaCha20Poly1305 }
func (chachaPoly) Name() string  { return "chacha20poly1305" }
func (chachaPoly) KeySize() int  { return chacha20poly1305.KeySize }
func (chachaPoly) Overhead() int { return chacha20poly1305.NonceSize + chacha20poly1305.Overhead }

func (s chachaPoly) Seal(key, plaintext []byte, rand io.Reader) ([]byte, error) {
	c, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSize, len(plaintext)+s.Overhead())
	if _, err := io.ReadFull(rand, out); err != nil {
		return nil, err
	}
	return c.Seal(out, out[:chacha20poly1305.NonceSize], plaintext, nil), nil
}

func (s chachaPoly) Open(key, ciphertext []byte) ([]byte, error) {
	c, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	plaintext, err := c.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// secretBox is NaCl's XSalsa20-Poly1305. Output: nonce (24) || box.
type secretBox struct{}

func (secretBox) ID() SchemeID  { return SchemeXSalsa20Poly1305 }
func (secretBox) Name() string  { return "xsalsa20poly1305" }
func (secretBox) KeySize() int  { return 32 }
func (secretBox) Overhead() int { return 24 + secretbox.Overhead }

func (s secretBox) Seal(key, plaintext []byte, rand io.Reader) ([]byte, error) {
	var nonce [24]byte
	var k [32]byte
	if _, err := io.ReadFull(rand, nonce[:]); err != nil {
		return nil, err
	}
	copy(k[:], key)
	out := make([]byte, 24, len(plaintext)+s.Overhead())
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &k), nil
}

func (s secretBox) Open(key, ciphertext []byte) ([]byte, error) {
	var nonce [24]byte
	var k [32]byte
	copy(nonce[:], ciphertext[:24])
	copy(k[:], key)
	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &k)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

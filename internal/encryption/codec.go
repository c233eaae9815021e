// Package encryption protects message bodies at rest.
//
// Blobs are base64(IV || AES-256-CBC ciphertext || HMAC-SHA256 tag). The MAC
// covers the IV and ciphertext and is checked before the cipher runs, so a
// tampered blob is rejected rather than decrypted into garbage.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/npezzotti/go-dmchat/internal/types"
	"golang.org/x/crypto/hkdf"
)

// Placeholder is rendered in place of a message that cannot be decrypted.
const Placeholder = "[Unable to decrypt message]"

const (
	keySize = 32
	macSize = sha256.Size
	macInfo = "go-dmchat message mac"
)

type Codec struct {
	encKey []byte
	macKey []byte
	rand   io.Reader
}

// NewCodec derives the cipher key as SHA-256 of the passphrase and a separate
// MAC key from it with HKDF.
func NewCodec(passphrase string) (*Codec, error) {
	if passphrase == "" {
		return nil, errors.New("encryption passphrase cannot be empty")
	}

	sum := sha256.Sum256([]byte(passphrase))
	encKey := sum[:]

	macKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, encKey, nil, []byte(macInfo)), macKey); err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}

	return &Codec{encKey: encKey, macKey: macKey, rand: rand.Reader}, nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	buf := make([]byte, aes.BlockSize+len(padded), aes.BlockSize+len(padded)+macSize)

	iv := buf[:aes.BlockSize]
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf[aes.BlockSize:], padded)
	buf = append(buf, c.sign(buf)...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

func (c *Codec) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", types.ErrDecryptionFailure, err)
	}

	// at least one IV, one cipher block and the tag
	if len(data) < 2*aes.BlockSize+macSize {
		return "", fmt.Errorf("%w: blob too short", types.ErrDecryptionFailure)
	}

	body, tag := data[:len(data)-macSize], data[len(data)-macSize:]
	if !hmac.Equal(tag, c.sign(body)) {
		return "", fmt.Errorf("%w: authentication failed", types.ErrDecryptionFailure)
	}

	iv, ct := body[:aes.BlockSize], body[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a multiple of the block size", types.ErrDecryptionFailure)
	}

	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrDecryptionFailure, err)
	}

	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: invalid utf-8", types.ErrDecryptionFailure)
	}

	return string(plain), nil
}

func (c *Codec) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(data)
	return mac.Sum(nil)
}

// pad applies PKCS#7 padding.
func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}

	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}

	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("invalid padding")
		}
	}

	return b[:len(b)-n], nil
}

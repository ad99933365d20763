// Package encryption provides at-rest confidentiality for vault content.
//
// Two AES-256 modes are supported. GCM is authenticated: any tampering with
// the ciphertext or tag is detected on decrypt. CBC only provides
// confidentiality; a modified ciphertext decrypts to garbage without error,
// so GCM should be preferred for new vaults.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrIntegrity    = errors.New("ciphertext integrity check failed")
	ErrCryptoMisuse = errors.New("crypto misuse")
	ErrMalformed    = errors.New("malformed ciphertext")
	ErrInvalidMode  = errors.New("invalid cipher mode")
)

type Mode string

const (
	ModeGCM Mode = "gcm"
	ModeCBC Mode = "cbc"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeGCM, "":
		return ModeGCM, nil
	case ModeCBC:
		return ModeCBC, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidMode, s)
	}
}

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// Sealed is the persisted form of an encrypted payload.
type Sealed struct {
	Mode       Mode   `json:"mode"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag,omitempty"`
}

// Cipher encrypts and decrypts with the vault key. It holds no mutable state
// and is safe for concurrent use.
type Cipher struct {
	key    *Key
	block  cipher.Block
	aead   cipher.AEAD
	random io.Reader
}

func NewCipher(key *Key) (*Cipher, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no key material loaded", ErrCryptoMisuse)
	}

	block, err := aes.NewCipher(key.bytes())
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
	if err != nil {
		return nil, err
	}

	return &Cipher{
		key:    key,
		block:  block,
		aead:   aead,
		random: rand.Reader,
	}, nil
}

// Ephemeral reports whether the cipher's key lives only in memory.
func (c *Cipher) Ephemeral() bool {
	return c.key.Ephemeral()
}

// Encrypt seals plaintext under a nonce drawn from crypto/rand for this call
// only. Callers cannot supply a nonce.
func (c *Cipher) Encrypt(mode Mode, plaintext []byte) (Sealed, error) {
	switch mode {
	case ModeGCM:
		return c.sealGCM(plaintext)
	case ModeCBC:
		return c.sealCBC(plaintext)
	default:
		return Sealed{}, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
}

func (c *Cipher) Decrypt(s Sealed) ([]byte, error) {
	switch s.Mode {
	case ModeGCM:
		return c.openGCM(s)
	case ModeCBC:
		return c.openCBC(s)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, s.Mode)
	}
}

func (c *Cipher) nonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return nil, fmt.Errorf("%w: reading random nonce: %v", ErrCryptoMisuse, err)
	}

	// an all-zero nonce means the random source is broken
	if bytes.Count(nonce, []byte{0}) == size {
		return nil, fmt.Errorf("%w: random source returned a zero nonce", ErrCryptoMisuse)
	}

	return nonce, nil
}

func (c *Cipher) sealGCM(plaintext []byte) (Sealed, error) {
	nonce, err := c.nonce(gcmNonceSize)
	if err != nil {
		return Sealed{}, err
	}

	out := c.aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - gcmTagSize

	return Sealed{
		Mode:       ModeGCM,
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

func (c *Cipher) openGCM(s Sealed) ([]byte, error) {
	if len(s.Nonce) != gcmNonceSize {
		return nil, fmt.Errorf("%w: gcm nonce must be %d bytes", ErrMalformed, gcmNonceSize)
	}

	if len(s.Tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: gcm tag must be %d bytes", ErrIntegrity, gcmTagSize)
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.Tag...)

	plaintext, err := c.aead.Open(nil, s.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

func (c *Cipher) sealCBC(plaintext []byte) (Sealed, error) {
	iv, err := c.nonce(aes.BlockSize)
	if err != nil {
		return Sealed{}, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, padded)

	return Sealed{
		Mode:       ModeCBC,
		Ciphertext: out,
		Nonce:      iv,
	}, nil
}

// openCBC has no way to detect tampering. It only fails when the input
// cannot be a CBC ciphertext at all.
func (c *Cipher) openCBC(s Sealed) ([]byte, error) {
	if len(s.Nonce) != aes.BlockSize {
		return nil, fmt.Errorf("%w: cbc iv must be %d bytes", ErrMalformed, aes.BlockSize)
	}

	if len(s.Ciphertext) == 0 || len(s.Ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: cbc ciphertext is not a multiple of the block size", ErrMalformed)
	}

	out := make([]byte, len(s.Ciphertext))
	cipher.NewCBCDecrypter(c.block, s.Nonce).CryptBlocks(out, s.Ciphertext)

	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data), len(data)+n)
	copy(padded, data)
	return append(padded, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrMalformed)
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrMalformed)
	}

	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrMalformed)
		}
	}

	return data[:len(data)-n], nil
}

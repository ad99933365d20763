package encryption

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const KeySize = 32

var ErrInvalidKey = errors.New("invalid key")

// Key is the single vault-wide AES-256 key. It is immutable once constructed;
// rotating it requires a restart.
type Key struct {
	material  [KeySize]byte
	ephemeral bool
}

func NewKey(material []byte) (*Key, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(material))
	}

	k := new(Key)
	copy(k.material[:], material)
	return k, nil
}

func GenerateKey() (*Key, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoMisuse, err)
	}

	return NewKey(material)
}

// Ephemeral reports whether the key was generated in memory because no key
// file existed. Content encrypted with it is unreadable after a restart.
func (k *Key) Ephemeral() bool {
	return k.ephemeral
}

func (k *Key) bytes() []byte {
	return k.material[:]
}

// LoadKey reads a key file holding either 32 raw bytes or their base64 text.
func LoadKey(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(data) == KeySize {
		return NewKey(data)
	}

	text := bytes.TrimSpace(data)
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(decoded, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is neither raw nor base64 key material", ErrInvalidKey, path)
	}

	return NewKey(decoded[:n])
}

// LoadOrGenerateKey loads the key at path. When the file does not exist an
// ephemeral key is generated and not written anywhere; losing it forfeits
// access to whatever it encrypted.
func LoadOrGenerateKey(path string) (*Key, error) {
	log := zap.L().With(
		zap.String("service", "encryption"),
		zap.String("action", "load_key"),
		zap.String("path", path),
	)

	if path != "" {
		key, err := LoadKey(path)
		if err == nil {
			log.Info("key loaded")
			return key, nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	key.ephemeral = true

	log.Warn("key file not found, using an ephemeral key; encrypted content will be unreadable after restart")
	return key, nil
}

// WriteKeyFile generates a new key and stores it at path with owner-only
// permissions. An existing file is never overwritten.
func WriteKeyFile(path string) (*Key, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty key path", ErrInvalidKey)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Write(key.bytes()); err != nil {
		return nil, err
	}

	return key, f.Sync()
}

package vector

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/flarexio/ragvault/encryption"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("document not found")
)

type BackendType string

const (
	BackendChromem BackendType = "chromem"
	BackendSQLite  BackendType = "sqlite"
)

type Config struct {
	Backend    BackendType `yaml:"backend"`
	Persistent bool        `yaml:"persistent"`
	Compress   bool        `yaml:"compress"`
	Path       string      `yaml:"path"`
	Collection string      `yaml:"collection"`
	Dimension  int         `yaml:"dimension"`
}

// Backend persists whole documents. A Save or Delete either takes full
// effect or returns an error.
type Backend interface {
	Load(ctx context.Context, dimension int) ([]Document, error)
	Save(ctx context.Context, doc Document) error
	Delete(ctx context.Context, id string) error
	Close() error
}

type Decrypter interface {
	Decrypt(s encryption.Sealed) ([]byte, error)
}

type Document struct {
	ID              string          `json:"id"`
	Content         string          `json:"content,omitempty"`
	Ciphertext      []byte          `json:"ciphertext,omitempty"`
	Nonce           []byte          `json:"nonce,omitempty"`
	Tag             []byte          `json:"tag,omitempty"`
	Mode            encryption.Mode `json:"mode,omitempty"`
	Encrypted       bool            `json:"encrypted"`
	PlaintextLength int             `json:"plaintext_length"`
	Source          string          `json:"source"`
	FileType        string          `json:"file_type"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	Embedding       []float32       `json:"embedding,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (d Document) Sealed() encryption.Sealed {
	return encryption.Sealed{
		Mode:       d.Mode,
		Ciphertext: d.Ciphertext,
		Nonce:      d.Nonce,
		Tag:        d.Tag,
	}
}

func (d Document) clone() Document {
	d.Ciphertext = slices.Clone(d.Ciphertext)
	d.Nonce = slices.Clone(d.Nonce)
	d.Tag = slices.Clone(d.Tag)
	d.Embedding = slices.Clone(d.Embedding)
	d.Metadata = maps.Clone(d.Metadata)
	return d
}

type Result struct {
	DocumentID string         `json:"document_id"`
	Score      float64        `json:"score"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	FileType   string         `json:"file_type"`
	Source     string         `json:"source"`
	Encrypted  bool           `json:"encrypted"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Options controls ranking output. Filters are metadata equality
// constraints combined with AND; the keys "file_type" and "source" address
// the document fields of the same name.
type Options struct {
	TopK    int            `json:"top_k"`
	Offset  int            `json:"offset"`
	Filters map[string]any `json:"filters,omitempty"`
}

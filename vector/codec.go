package vector

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/flarexio/ragvault/encryption"
)

// EncodeEmbedding packs v as little-endian float32 values.
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector: embedding blob length %d is not a multiple of 4", len(b))
	}

	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// record is everything about a document except its payload.
type record struct {
	ID              string          `json:"id"`
	Source          string          `json:"source,omitempty"`
	FileType        string          `json:"file_type,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	Encrypted       bool            `json:"encrypted"`
	Mode            encryption.Mode `json:"mode,omitempty"`
	Nonce           []byte          `json:"nonce,omitempty"`
	Tag             []byte          `json:"tag,omitempty"`
	PlaintextLength int             `json:"plaintext_length"`
	Embedding       []byte          `json:"embedding"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EncodeRecord splits doc into its serialized descriptor and its payload,
// which is the ciphertext for encrypted documents and the plaintext otherwise.
func EncodeRecord(doc Document) (meta []byte, payload []byte, err error) {
	r := record{
		ID:              doc.ID,
		Source:          doc.Source,
		FileType:        doc.FileType,
		Metadata:        doc.Metadata,
		Encrypted:       doc.Encrypted,
		Mode:            doc.Mode,
		Nonce:           doc.Nonce,
		Tag:             doc.Tag,
		PlaintextLength: doc.PlaintextLength,
		Embedding:       EncodeEmbedding(doc.Embedding),
		CreatedAt:       doc.CreatedAt,
	}

	meta, err = json.Marshal(&r)
	if err != nil {
		return nil, nil, err
	}

	if doc.Encrypted {
		payload = doc.Ciphertext
	} else {
		payload = []byte(doc.Content)
	}

	return meta, payload, nil
}

func DecodeRecord(meta []byte, payload []byte) (Document, error) {
	var r record
	if err := json.Unmarshal(meta, &r); err != nil {
		return Document{}, err
	}

	embedding, err := DecodeEmbedding(r.Embedding)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		ID:              r.ID,
		Source:          r.Source,
		FileType:        r.FileType,
		Metadata:        r.Metadata,
		Encrypted:       r.Encrypted,
		Mode:            r.Mode,
		Nonce:           r.Nonce,
		Tag:             r.Tag,
		PlaintextLength: r.PlaintextLength,
		Embedding:       embedding,
		CreatedAt:       r.CreatedAt,
	}

	if doc.Encrypted {
		doc.Ciphertext = payload
	} else {
		doc.Content = string(payload)
	}

	return doc, nil
}

package ports

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// ErrBlobNotFound is returned by BlobStore.Get for a missing object.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the object storage collaborator. Paths are written once and
// never mutated in place.
type BlobStore interface {
	Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Remove deletes the object. A missing object reports existed=false, not an error.
	Remove(ctx context.Context, path string) (existed bool, err error)
}

// Recognizer identifies a card in an image.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, contentType string) (Recognition, error)
}

type Recognition struct {
	Name       string  `json:"name"`
	SetCode    string  `json:"set_code,omitempty"`
	Number     string  `json:"number,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Catalog enriches recognitions with catalog data.
type Catalog interface {
	Lookup(ctx context.Context, r Recognition) (json.RawMessage, error)
}

package recognition

import (
	"context"

	"cardscan/internal/ports"
)

// ManualReview is the recognizer used when no recognition backend is
// configured. It recognizes nothing, so every scan lands in review.
type ManualReview struct{}

var _ ports.Recognizer = ManualReview{}

func (ManualReview) Recognize(ctx context.Context, image []byte, contentType string) (ports.Recognition, error) {
	return ports.Recognition{Confidence: 0}, nil
}

// RecognizerFunc adapts a function to ports.Recognizer.
type RecognizerFunc func(ctx context.Context, image []byte, contentType string) (ports.Recognition, error)

func (f RecognizerFunc) Recognize(ctx context.Context, image []byte, contentType string) (ports.Recognition, error) {
	return f(ctx, image, contentType)
}

package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardscan/internal/adapters/blob"
	"cardscan/internal/domain"
	"cardscan/internal/ports"
	"cardscan/internal/services/catalog"
)

func fixed(rec ports.Recognition, err error) RecognizerFunc {
	return func(ctx context.Context, image []byte, contentType string) (ports.Recognition, error) {
		return rec, err
	}
}

func newJob(path string) domain.ScanJob {
	return domain.ScanJob{ID: "job-1", ScanID: "scan-1", Attempt: 1,
		Payload: domain.JobPayload{StoragePath: path, ContentType: "image/jpeg"}}
}

func storeWithImage(t *testing.T) *blob.MemoryStore {
	t.Helper()
	blobs := blob.NewMemory()
	require.NoError(t, blobs.Put(context.Background(), "alice/scan-1/abc.jpg", strings.NewReader("jpeg"), 4, "image/jpeg"))
	return blobs
}

var cards = catalog.New([]catalog.Entry{{ID: "c1", Name: "Island", SetCode: "LEA", Number: "288"}})

func TestProcessConfidentMatchCompletes(t *testing.T) {
	p := NewProcessor(storeWithImage(t), fixed(ports.Recognition{Name: "Island", SetCode: "LEA", Number: "288", Confidence: 0.97}, nil),
		cards, Options{ReviewThreshold: 0.8})

	out := p.Process(context.Background(), newJob("alice/scan-1/abc.jpg"))
	require.Equal(t, domain.JobCompleted, out.Status)
	assert.False(t, out.NeedsReview)

	var res Result
	require.NoError(t, json.Unmarshal(out.Results, &res))
	assert.Equal(t, "Island", res.Recognition.Name)
	assert.JSONEq(t, `{"id":"c1","name":"Island","set_code":"LEA","number":"288"}`, string(res.Card))
}

func TestProcessLowConfidenceNeedsReview(t *testing.T) {
	p := NewProcessor(storeWithImage(t), fixed(ports.Recognition{Name: "Island", Confidence: 0.4}, nil),
		cards, Options{ReviewThreshold: 0.8})
	out := p.Process(context.Background(), newJob("alice/scan-1/abc.jpg"))
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.True(t, out.NeedsReview)
	assert.Equal(t, domain.ScanReviewPending, out.ScanStatusFor())
}

func TestProcessUnknownCardNeedsReview(t *testing.T) {
	p := NewProcessor(storeWithImage(t), fixed(ports.Recognition{Name: "Mox Pearl", Confidence: 0.99}, nil),
		cards, Options{ReviewThreshold: 0.8})
	out := p.Process(context.Background(), newJob("alice/scan-1/abc.jpg"))
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.True(t, out.NeedsReview)
}

func TestProcessManualReview(t *testing.T) {
	p := NewProcessor(storeWithImage(t), ManualReview{}, cards, Options{ReviewThreshold: 0.8})
	out := p.Process(context.Background(), newJob("alice/scan-1/abc.jpg"))
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.True(t, out.NeedsReview)
}

func TestProcessFailures(t *testing.T) {
	ok := fixed(ports.Recognition{Name: "Island", Confidence: 1}, nil)

	out := NewProcessor(blob.NewMemory(), ok, cards, Options{}).Process(context.Background(), newJob("alice/scan-1/abc.jpg"))
	assert.Equal(t, domain.JobFailed, out.Status)
	assert.Equal(t, "stored image is missing", out.Error)

	out = NewProcessor(storeWithImage(t), fixed(ports.Recognition{}, errors.New("model offline")), cards, Options{}).
		Process(context.Background(), newJob("alice/scan-1/abc.jpg"))
	assert.Equal(t, domain.JobFailed, out.Status)
	assert.Contains(t, out.Error, "model offline")
	assert.Equal(t, domain.ScanFailed, out.ScanStatusFor())
}

// Package recognition turns a claimed job into an outcome: it loads the stored
// image, asks the recognizer what card it shows and enriches the answer from
// the catalog. The worker loop lives in internal/workers/scanrunner.
package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
	"cardscan/internal/ports"
)

// Result is what a completed job stores on its scan.
type Result struct {
	Recognition ports.Recognition `json:"recognition"`
	Card        json.RawMessage   `json:"card,omitempty"`
}

type Options struct {
	// ReviewThreshold sends results below this confidence to manual review.
	ReviewThreshold float64
	// MaxImageBytes caps how much of a stored image is read. Zero is unlimited.
	MaxImageBytes int64
}

type Processor struct {
	blobs      ports.BlobStore
	recognizer ports.Recognizer
	catalog    ports.Catalog
	opts       Options
}

func NewProcessor(blobs ports.BlobStore, recognizer ports.Recognizer, catalog ports.Catalog, opts Options) *Processor {
	return &Processor{blobs: blobs, recognizer: recognizer, catalog: catalog, opts: opts}
}

// Process never returns an error: every failure becomes a failed outcome with
// a message the owner can read.
func (p *Processor) Process(ctx context.Context, job domain.ScanJob) domain.Outcome {
	log := logging.FromContext(ctx).With("job_id", job.ID, "scan_id", job.ScanID)

	image, err := p.load(ctx, job.Payload.StoragePath)
	if errors.Is(err, ports.ErrBlobNotFound) {
		return domain.Failed("stored image is missing")
	}
	if err != nil {
		log.Error("load image", "error", err)
		return domain.Failed("could not load stored image")
	}
	if err := ctx.Err(); err != nil {
		return domain.Failed("processing cancelled")
	}

	rec, err := p.recognizer.Recognize(ctx, image, job.Payload.ContentType)
	if err != nil {
		log.Warn("recognition failed", "error", err)
		return domain.Failed(fmt.Sprintf("recognition failed: %v", err))
	}

	res := Result{Recognition: rec}
	needsReview := rec.Confidence < p.opts.ReviewThreshold
	if p.catalog != nil && rec.Name != "" {
		card, err := p.catalog.Lookup(ctx, rec)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			needsReview = true
		case err != nil:
			log.Warn("catalog lookup failed", "error", err)
			needsReview = true
		default:
			res.Card = card
		}
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return domain.Failed(fmt.Sprintf("encode results: %v", err))
	}
	log.Debug("scan recognized", "name", rec.Name, "confidence", rec.Confidence, "needs_review", needsReview)
	return domain.Completed(raw, needsReview)
}

func (p *Processor) load(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, ports.ErrBlobNotFound
	}
	rc, err := p.blobs.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var r io.Reader = rc
	if p.opts.MaxImageBytes > 0 {
		r = io.LimitReader(rc, p.opts.MaxImageBytes)
	}
	return io.ReadAll(r)
}

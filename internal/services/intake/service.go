package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
	"cardscan/internal/ports"
)

var acceptedTypes = []string{"image/jpeg", "image/png", "image/webp", "image/heic", "image/heif"}

type Limits struct {
	MaxBatchSize   int
	MaxUploadBytes int64
}

type Upload struct {
	Filename string
	Body     io.Reader
}

type SubmitResult struct {
	ScanID    string
	Duplicate bool
}

// ItemResult is one entry of a batch submission. Err is nil on success.
type ItemResult struct {
	Index     int
	Filename  string
	ScanID    string
	Duplicate bool
	Err       error
}

type Service struct {
	scans  ports.ScanRepository
	blobs  ports.BlobStore
	clock  clockwork.Clock
	limits Limits
}

func New(scans ports.ScanRepository, blobs ports.BlobStore, clock clockwork.Clock, limits Limits) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{scans: scans, blobs: blobs, clock: clock, limits: limits}
}

// Submit stores the image, then records the scan and its first job in one
// transaction. If recording fails the stored image is removed again.
func (s *Service) Submit(ctx context.Context, ownerID string, up Upload) (SubmitResult, error) {
	data, err := s.read(up)
	if err != nil {
		return SubmitResult{}, err
	}
	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), acceptedTypes...) {
		return SubmitResult{}, fmt.Errorf("%w: unsupported content type %s", domain.ErrInvalidUpload, mt.String())
	}
	sum := sha256.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:])

	log := logging.FromContext(ctx).With("owner_id", ownerID, "fingerprint", fingerprint)
	existing, found, err := s.scans.FindByFingerprint(ctx, ownerID, fingerprint)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("look up fingerprint: %w", err)
	}
	if found {
		log.Info("duplicate upload", "scan_id", existing.ID)
		return SubmitResult{ScanID: existing.ID, Duplicate: true}, nil
	}

	scanID := uuid.NewString()
	path := fmt.Sprintf("%s/%s/%s%s", ownerID, scanID, fingerprint, mt.Extension())
	if err := s.blobs.Put(ctx, path, bytes.NewReader(data), int64(len(data)), mt.String()); err != nil {
		return SubmitResult{}, fmt.Errorf("store image: %w", err)
	}

	now := s.clock.Now().UTC()
	scan := domain.Scan{
		ID:               scanID,
		OwnerID:          ownerID,
		StoragePath:      path,
		Fingerprint:      fingerprint,
		ContentType:      mt.String(),
		ProcessingStatus: domain.ScanQueued,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	job := newJob(scan, now)
	if err := s.scans.CreateWithJob(ctx, scan, job); err != nil {
		if _, rerr := s.blobs.Remove(ctx, path); rerr != nil {
			log.Error("could not remove image after failed insert", "path", path, "error", rerr)
		}
		return SubmitResult{}, fmt.Errorf("record scan: %w", err)
	}
	log.Info("scan submitted", "scan_id", scanID, "job_id", job.ID)
	return SubmitResult{ScanID: scanID}, nil
}

func (s *Service) read(up Upload) ([]byte, error) {
	if up.Body == nil {
		return nil, fmt.Errorf("%w: no file", domain.ErrInvalidUpload)
	}
	body := up.Body
	if s.limits.MaxUploadBytes > 0 {
		body = io.LimitReader(body, s.limits.MaxUploadBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", domain.ErrInvalidUpload)
	}
	if s.limits.MaxUploadBytes > 0 && int64(len(data)) > s.limits.MaxUploadBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidUpload, s.limits.MaxUploadBytes)
	}
	return data, nil
}

// SubmitBatch submits every upload independently. A failing item never undoes
// the ones already committed.
func (s *Service) SubmitBatch(ctx context.Context, ownerID string, uploads []Upload) ([]ItemResult, error) {
	if s.limits.MaxBatchSize > 0 && len(uploads) > s.limits.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d files, limit %d", domain.ErrBatchTooLarge, len(uploads), s.limits.MaxBatchSize)
	}
	results := make([]ItemResult, len(uploads))
	for i, up := range uploads {
		res, err := s.Submit(ctx, ownerID, up)
		results[i] = ItemResult{Index: i, Filename: up.Filename, ScanID: res.ScanID, Duplicate: res.Duplicate, Err: err}
		if err != nil {
			logging.FromContext(ctx).Warn("batch item failed", "owner_id", ownerID, "index", i, "error", err)
		}
	}
	return results, nil
}

// Retry queues a fresh job for a scan whose stored image is still present.
func (s *Service) Retry(ctx context.Context, ownerID, scanID string) (string, error) {
	scan, err := s.scans.GetScan(ctx, scanID)
	if err != nil {
		return "", err
	}
	if scan.Deleted() {
		return "", fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	if !scan.OwnedBy(ownerID) {
		return "", fmt.Errorf("scan %s: %w", scanID, domain.ErrForbidden)
	}
	if scan.StoragePath == "" {
		return "", fmt.Errorf("scan %s: %w", scanID, domain.ErrNoStoredBlob)
	}
	job := newJob(scan, s.clock.Now().UTC())
	if err := s.scans.EnqueueRetry(ctx, job); err != nil {
		return "", err
	}
	logging.FromContext(ctx).Info("scan retry queued", "scan_id", scanID, "job_id", job.ID)
	return job.ID, nil
}

func newJob(scan domain.Scan, now time.Time) domain.ScanJob {
	return domain.ScanJob{
		ID:     uuid.NewString(),
		ScanID: scan.ID,
		Status: domain.JobPending,
		Payload: domain.JobPayload{
			StoragePath: scan.StoragePath,
			ContentType: scan.ContentType,
			Fingerprint: scan.Fingerprint,
		},
		CreatedAt: now,
	}
}

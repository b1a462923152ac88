// Package cleanup removes everything a scan owns: its stored image, its job
// rows and finally the scan row itself.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
	"cardscan/internal/ports"
)

type Purger struct {
	scans ports.ScanRepository
	blobs ports.BlobStore
}

func NewPurger(scans ports.ScanRepository, blobs ports.BlobStore) *Purger {
	return &Purger{scans: scans, blobs: blobs}
}

// Purge runs every step even when an earlier one fails and returns the joined
// errors. Running it again on a purged scan succeeds without doing anything.
func (p *Purger) Purge(ctx context.Context, scanID, storagePath string) error {
	log := logging.FromContext(ctx).With("scan_id", scanID)
	var errs []error

	if err := p.removeImage(ctx, log, storagePath); err != nil {
		errs = append(errs, err)
	}

	n, err := p.scans.DeleteJobs(ctx, scanID)
	if err != nil {
		log.Warn("delete jobs failed", "error", err)
		errs = append(errs, fmt.Errorf("delete jobs: %w", err))
	} else if err := p.scans.DeleteScan(ctx, scanID); err != nil {
		// the scan row outlives its jobs only until the next attempt
		log.Warn("delete scan failed", "error", err)
		errs = append(errs, fmt.Errorf("delete scan: %w", err))
	} else {
		log.Info("scan purged", "jobs_deleted", n)
	}
	return errors.Join(errs...)
}

// PurgeFailed removes a scan that has been failed since before cutoff. The rows
// go first, in one store step that re-checks the scan still qualifies, so a
// retry that got in between keeps its scan and image. purged is false then.
func (p *Purger) PurgeFailed(ctx context.Context, scan domain.Scan, cutoff time.Time) (purged bool, err error) {
	log := logging.FromContext(ctx).With("scan_id", scan.ID)
	n, purged, err := p.scans.PurgeFailedScan(ctx, scan.ID, cutoff)
	if err != nil {
		log.Warn("purge failed scan", "error", err)
		return false, err
	}
	if !purged {
		log.Info("scan changed since it was listed, kept")
		return false, nil
	}
	log.Info("scan purged", "jobs_deleted", n)
	return true, p.removeImage(ctx, log, scan.StoragePath)
}

func (p *Purger) removeImage(ctx context.Context, log *slog.Logger, path string) error {
	if path == "" {
		return nil
	}
	existed, err := p.blobs.Remove(ctx, path)
	switch {
	case err != nil:
		log.Warn("remove image failed", "path", path, "error", err)
		return fmt.Errorf("remove image: %w", err)
	case !existed:
		log.Info("image already gone", "path", path)
	}
	return nil
}

// DeleteScanHandler executes DELETE_SCAN commands.
type DeleteScanHandler struct {
	scans  ports.ScanRepository
	purger *Purger
}

func NewDeleteScanHandler(scans ports.ScanRepository, purger *Purger) *DeleteScanHandler {
	return &DeleteScanHandler{scans: scans, purger: purger}
}

// Handle purges the scan named by the command. Partial failures are logged and
// swallowed so the command is marked processed; the reconciler re-enqueues a
// delete for any soft-deleted scan left behind.
func (h *DeleteScanHandler) Handle(ctx context.Context, cmd domain.Command) error {
	var p domain.DeleteScanPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", cmd.Type, err)
	}
	if p.ScanID == "" {
		return fmt.Errorf("%s command %s has no scan id", cmd.Type, cmd.ID)
	}
	log := logging.FromContext(ctx).With("command_id", cmd.ID, "scan_id", p.ScanID)

	path := p.StoragePath
	scan, err := h.scans.GetScan(ctx, p.ScanID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// already purged by an earlier delivery; the image may still be there
	case err != nil:
		return fmt.Errorf("load scan %s: %w", p.ScanID, err)
	case !scan.Deleted():
		log.Warn("scan is not deleted, skipping purge")
		return nil
	default:
		if scan.StoragePath != "" {
			path = scan.StoragePath
		}
	}

	if err := h.purger.Purge(logging.WithContext(ctx, log), p.ScanID, path); err != nil {
		log.Warn("scan purge incomplete", "error", err)
	}
	return nil
}

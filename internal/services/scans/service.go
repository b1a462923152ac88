package scans

import (
	"context"
	"fmt"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
	"cardscan/internal/ports"
)

// Enqueuer schedules a deferred command.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ domain.CommandType, payload any) (domain.Command, error)
}

type Service struct {
	store    ports.Store
	commands Enqueuer
}

func New(store ports.Store, commands Enqueuer) *Service {
	return &Service{store: store, commands: commands}
}

// Detail is a scan together with its authoritative (most recent) job.
type Detail struct {
	Scan domain.Scan
	Job  *domain.ScanJob
}

func (s *Service) owned(ctx context.Context, ownerID, scanID string) (domain.Scan, error) {
	scan, err := s.store.GetScan(ctx, scanID)
	if err != nil {
		return domain.Scan{}, err
	}
	if !scan.OwnedBy(ownerID) {
		return domain.Scan{}, fmt.Errorf("scan %s: %w", scanID, domain.ErrForbidden)
	}
	return scan, nil
}

func (s *Service) Get(ctx context.Context, ownerID, scanID string) (Detail, error) {
	scan, err := s.owned(ctx, ownerID, scanID)
	if err != nil {
		return Detail{}, err
	}
	if scan.Deleted() {
		return Detail{}, fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	out := Detail{Scan: scan}
	job, found, err := s.store.LatestJob(ctx, scanID)
	if err != nil {
		return Detail{}, err
	}
	if found {
		out.Job = &job
	}
	return out, nil
}

func (s *Service) List(ctx context.Context, ownerID string, filter domain.ScanFilter) ([]domain.Scan, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", filter.Status, domain.ErrInvalidInput)
	}
	return s.store.ListScans(ctx, ownerID, filter)
}

// Delete soft-deletes the scan and schedules its purge. Deleting a scan that is
// already soft-deleted schedules the purge again unless one is still pending,
// so a client can repeat a delete whose enqueue failed.
func (s *Service) Delete(ctx context.Context, ownerID, scanID string) error {
	scan, err := s.owned(ctx, ownerID, scanID)
	if err != nil {
		return err
	}
	log := logging.FromContext(ctx).With("scan_id", scanID, "owner_id", ownerID)
	if scan.Deleted() {
		pending, err := s.store.HasPendingCommand(ctx, domain.CommandDeleteScan, scanID)
		if err != nil {
			return err
		}
		if pending {
			return nil
		}
	} else if scan, err = s.store.SoftDelete(ctx, scanID); err != nil {
		return err
	}

	cmd, err := s.commands.Enqueue(ctx, domain.CommandDeleteScan, domain.DeleteScanPayload{
		ScanID:      scan.ID,
		OwnerID:     scan.OwnerID,
		StoragePath: scan.StoragePath,
	})
	if err != nil {
		log.Error("scan soft-deleted but cleanup not scheduled", "error", err)
		return fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}
	log.Info("scan deleted", "command_id", cmd.ID)
	return nil
}

// Approve confirms a review_pending scan. version must match what the caller saw.
func (s *Service) Approve(ctx context.Context, ownerID, scanID string, version int64) (domain.Scan, error) {
	scan, err := s.owned(ctx, ownerID, scanID)
	if err != nil {
		return domain.Scan{}, err
	}
	if scan.Deleted() {
		return domain.Scan{}, fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	return s.store.Approve(ctx, scanID, version)
}

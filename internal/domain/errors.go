package domain

import "errors"

var (
	// ErrNotFound: subject or row absent (or soft-deleted where the caller needs a live row).
	ErrNotFound = errors.New("not found")
	// ErrForbidden: the row exists but belongs to another owner.
	ErrForbidden = errors.New("forbidden")

	// ErrClaimContention is returned by a store when every candidate row was
	// taken by a concurrent claimant. Dispatchers retry it; callers never see it.
	ErrClaimContention = errors.New("claim contention")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleClaim        = errors.New("report does not match current claim")
	ErrActiveJob         = errors.New("scan already has an active job")
	ErrNoStoredBlob      = errors.New("scan has no stored image")
	ErrVersionConflict   = errors.New("version conflict")

	ErrEnqueueFailed  = errors.New("cleanup could not be scheduled")
	ErrBatchTooLarge  = errors.New("batch exceeds maximum size")
	ErrInvalidUpload  = errors.New("invalid upload")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidOutcome = errors.New("invalid outcome")
)

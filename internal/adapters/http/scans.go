package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cardscan/internal/domain"
	"cardscan/internal/services/intake"
)

const multipartMemory = 32 << 20

type jobResponse struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Attempt    int        `json:"attempt"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	PickedAt   *time.Time `json:"picked_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type scanResponse struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	ContentType  string          `json:"content_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Job          *jobResponse    `json:"job,omitempty"`
}

func toScanResponse(scan domain.Scan, job *domain.ScanJob) scanResponse {
	out := scanResponse{
		ID:           scan.ID,
		Status:       string(scan.ProcessingStatus),
		ContentType:  scan.ContentType,
		ErrorMessage: scan.ErrorMessage,
		Results:      scan.Results,
		Version:      scan.Version,
		CreatedAt:    scan.CreatedAt,
		UpdatedAt:    scan.UpdatedAt,
	}
	if job != nil {
		out.Job = &jobResponse{
			ID:         job.ID,
			Status:     string(job.Status),
			Attempt:    job.Attempt,
			Error:      job.Error,
			CreatedAt:  job.CreatedAt,
			PickedAt:   job.PickedAt,
			FinishedAt: job.FinishedAt,
		}
	}
	return out
}

type submitResponse struct {
	ScanID    string `json:"scan_id"`
	Duplicate bool   `json:"duplicate"`
}

type itemResponse struct {
	Index     int    `json:"index"`
	Filename  string `json:"filename,omitempty"`
	Status    int    `json:"status"`
	ScanID    string `json:"scan_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

type batchResponse struct {
	Results []itemResponse `json:"results"`
}

type approveRequest struct {
	Version int64 `json:"version" validate:"required,gt=0"`
}

func (s *Server) postScans(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxRequestBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, r, fmt.Errorf("%w: request exceeds %d bytes", domain.ErrBatchTooLarge, tooBig.Limit))
			return
		}
		respondError(w, r, fmt.Errorf("%w: expected multipart form with file fields", domain.ErrInvalidUpload))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		respondError(w, r, fmt.Errorf("%w: no file field", domain.ErrInvalidUpload))
		return
	}
	uploads := make([]intake.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			respondError(w, r, fmt.Errorf("open upload %s: %w", fh.Filename, err))
			return
		}
		defer func(f multipart.File) { _ = f.Close() }(f)
		uploads = append(uploads, intake.Upload{Filename: fh.Filename, Body: f})
	}

	owner := ownerFrom(r.Context())
	if len(uploads) == 1 {
		res, err := s.intake.Submit(r.Context(), owner, uploads[0])
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, r, http.StatusAccepted, submitResponse{ScanID: res.ScanID, Duplicate: res.Duplicate})
		return
	}

	items, err := s.intake.SubmitBatch(r.Context(), owner, uploads)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := batchResponse{Results: make([]itemResponse, len(items))}
	for i, it := range items {
		ir := itemResponse{Index: it.Index, Filename: it.Filename, Status: http.StatusAccepted,
			ScanID: it.ScanID, Duplicate: it.Duplicate}
		if it.Err != nil {
			ir.Status = MapErrorToStatusCode(it.Err)
			ir.Error = safeErrorMessage(it.Err)
		}
		out.Results[i] = ir
	}
	respondJSON(w, r, http.StatusMultiStatus, out)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	filter := domain.ScanFilter{Status: domain.ScanStatus(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput))
			return
		}
		filter.Limit = n
	}
	list, err := s.scans.List(r.Context(), ownerFrom(r.Context()), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]scanResponse, len(list))
	for i, scan := range list {
		out[i] = toScanResponse(scan, nil)
	}
	respondJSON(w, r, http.StatusOK, map[string][]scanResponse{"scans": out})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	d, err := s.scans.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, toScanResponse(d.Scan, d.Job))
}

func (s *Server) deleteScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scans.Delete(r.Context(), ownerFrom(r.Context()), id); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusAccepted, map[string]string{"scan_id": id, "status": "deleting"})
}

func (s *Server) retryScan(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.intake.Retry(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) approveScan(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("%w: body must be {\"version\": n}", domain.ErrInvalidInput))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, r, fmt.Errorf("%w: version must be a positive integer", domain.ErrInvalidInput))
		return
	}
	scan, err := s.scans.Approve(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, toScanResponse(scan, nil))
}

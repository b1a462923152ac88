package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cardscan/internal/domain"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cardscan api: %d %s", e.Status, e.Message)
}

// Is lets callers test API errors against the domain sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case domain.ErrNotFound:
		return e.Status == http.StatusNotFound
	case domain.ErrForbidden:
		return e.Status == http.StatusForbidden
	case domain.ErrVersionConflict:
		return e.Status == http.StatusConflict
	case domain.ErrNoStoredBlob:
		return e.Status == http.StatusUnprocessableEntity
	case domain.ErrBatchTooLarge:
		return e.Status == http.StatusRequestEntityTooLarge
	}
	return false
}

type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

var _ Remote = (*API)(nil)

func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *API) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error, RequestID: e.RequestID}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (a *API) ListScans(ctx context.Context, status string) ([]Scan, error) {
	path := "/v1/scans"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Scans []Scan `json:"scans"`
	}
	if err := a.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Scans, nil
}

func (a *API) GetScan(ctx context.Context, id string) (Scan, error) {
	var out Scan
	err := a.do(ctx, http.MethodGet, "/v1/scans/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

func (a *API) DeleteScan(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/v1/scans/"+url.PathEscape(id), nil, "", nil)
}

func (a *API) Approve(ctx context.Context, id string, version int64) (Scan, error) {
	body, err := json.Marshal(map[string]int64{"version": version})
	if err != nil {
		return Scan{}, err
	}
	var out Scan
	err = a.do(ctx, http.MethodPost, "/v1/scans/"+url.PathEscape(id)+"/approve", bytes.NewReader(body), "application/json", &out)
	return out, err
}

func (a *API) Retry(ctx context.Context, id string) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	err := a.do(ctx, http.MethodPost, "/v1/scans/"+url.PathEscape(id)+"/retry", nil, "", &out)
	return out.JobID, err
}

type UploadResult struct {
	Index     int    `json:"index"`
	Filename  string `json:"filename,omitempty"`
	Status    int    `json:"status"`
	ScanID    string `json:"scan_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// File is one image to upload.
type File struct {
	Name string
	Data []byte
}

// Upload sends one or more images. A single file yields a single result; a
// batch yields the server's per-item results.
func (a *API) Upload(ctx context.Context, files ...File) ([]UploadResult, error) {
	if len(files) == 0 {
		return nil, errors.New("upload: no files")
	}
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for _, f := range files {
		fw, err := mw.CreateFormFile("file", f.Name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(f.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	if len(files) == 1 {
		var one struct {
			ScanID    string `json:"scan_id"`
			Duplicate bool   `json:"duplicate"`
		}
		if err := a.do(ctx, http.MethodPost, "/v1/scans", buf, mw.FormDataContentType(), &one); err != nil {
			return nil, err
		}
		return []UploadResult{{Filename: files[0].Name, Status: http.StatusAccepted, ScanID: one.ScanID, Duplicate: one.Duplicate}}, nil
	}
	var batch struct {
		Results []UploadResult `json:"results"`
	}
	if err := a.do(ctx, http.MethodPost, "/v1/scans", buf, mw.FormDataContentType(), &batch); err != nil {
		return nil, err
	}
	return batch.Results, nil
}

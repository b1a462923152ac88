package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardscan/internal/adapters/blob"
	"cardscan/internal/adapters/memory"
	"cardscan/internal/adapters/storetest"
	"cardscan/internal/domain"
	"cardscan/internal/queue"
	"cardscan/internal/services/intake"
	"cardscan/internal/services/scans"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func jpeg(seed string) []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, []byte(seed)...)
}

type fixture struct {
	srv   *httptest.Server
	store *memory.Store
	auth  *Authenticator
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	blobs := blob.NewMemory()
	commands := queue.NewCommandDispatcher(store, clock, queue.CommandOptions{})
	auth := NewAuthenticator(testSecret)

	api := New(
		intake.New(store, blobs, clock, intake.Limits{MaxBatchSize: 3, MaxUploadBytes: 1 << 20}),
		scans.New(store, commands),
		store,
		auth,
		Options{MaxRequestBytes: 8 << 20, AllowedOrigins: []string{"https://app.example"}},
	)
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, auth: auth, clock: clock}
}

func (f *fixture) token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := f.auth.IssueToken(owner, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, owner, method, path string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, owner))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) upload(t *testing.T, owner string, seed string) string {
	t.Helper()
	body, ct := multipartBody(t, map[string][]byte{seed + ".jpg": jpeg(seed)})
	resp := f.do(t, owner, http.MethodPost, "/v1/scans", body, ct)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[submitResponse](t, resp).ScanID
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "", http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "", http.MethodGet, "/v1/scans", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/scans", nil)
	require.NoError(t, err)
	other := NewAuthenticator(strings.Repeat("x", 32))
	tok, err := other.IssueToken("alice", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSingleUploadThenGet(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, "alice", "lotus")

	resp := f.do(t, "alice", http.MethodGet, "/v1/scans/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[scanResponse](t, resp)
	assert.Equal(t, "queued", got.Status)
	require.NotNil(t, got.Job)
	assert.Equal(t, "pending", got.Job.Status)

	resp = f.do(t, "bob", http.MethodGet, "/v1/scans/"+id, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodGet, "/v1/scans/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchUploadPerItemResults(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, map[string][]byte{
		"a.jpg":   jpeg("a"),
		"b.jpg":   jpeg("b"),
		"doc.txt": []byte("not an image"),
	})
	resp := f.do(t, "alice", http.MethodPost, "/v1/scans", body, ct)
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	out := decode[batchResponse](t, resp)
	require.Len(t, out.Results, 3)
	statuses := map[string]int{}
	for _, it := range out.Results {
		statuses[it.Filename] = it.Status
	}
	assert.Equal(t, http.StatusAccepted, statuses["a.jpg"])
	assert.Equal(t, http.StatusAccepted, statuses["b.jpg"])
	assert.Equal(t, http.StatusBadRequest, statuses["doc.txt"])

	list := f.do(t, "alice", http.MethodGet, "/v1/scans", nil, "")
	require.Equal(t, http.StatusOK, list.StatusCode)
	assert.Len(t, decode[map[string][]scanResponse](t, list)["scans"], 2)
}

func TestBatchTooLarge(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, map[string][]byte{
		"a.jpg": jpeg("a"), "b.jpg": jpeg("b"), "c.jpg": jpeg("c"), "d.jpg": jpeg("d"),
	})
	resp := f.do(t, "alice", http.MethodPost, "/v1/scans", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, f.store.Commands())
	list, err := f.store.ListScans(context.Background(), "alice", domain.ScanFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteFlow(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, "alice", "lotus")

	resp := f.do(t, "bob", http.MethodDelete, "/v1/scans/"+id, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodDelete, "/v1/scans/"+id, nil, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, f.store.Commands(), 1)

	resp = f.do(t, "alice", http.MethodGet, "/v1/scans/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodDelete, "/v1/scans/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryConflictsWithActiveJob(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, "alice", "lotus")

	resp := f.do(t, "alice", http.MethodPost, "/v1/scans/"+id+"/retry", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	job, ok := storetest.Claim(t, f.store)
	require.True(t, ok)
	require.NoError(t, f.store.ReportResult(context.Background(), job.ID, domain.Failed("blurry")))

	resp = f.do(t, "alice", http.MethodPost, "/v1/scans/"+id+"/retry", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, decode[map[string]string](t, resp)["job_id"])
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, "alice", "lotus")
	job, ok := storetest.Claim(t, f.store)
	require.True(t, ok)
	require.NoError(t, f.store.ReportResult(context.Background(), job.ID, domain.Completed(json.RawMessage(`{}`), true)))
	scan, err := f.store.GetScan(context.Background(), id)
	require.NoError(t, err)

	resp := f.do(t, "alice", http.MethodPost, "/v1/scans/"+id+"/approve", bytes.NewBufferString(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	stale, _ := json.Marshal(approveRequest{Version: scan.Version - 1})
	resp = f.do(t, "alice", http.MethodPost, "/v1/scans/"+id+"/approve", bytes.NewBuffer(stale), "application/json")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	current, _ := json.Marshal(approveRequest{Version: scan.Version})
	resp = f.do(t, "alice", http.MethodPost, "/v1/scans/"+id+"/approve", bytes.NewBuffer(current), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", decode[scanResponse](t, resp).Status)
}

func TestMapErrorToStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrActiveJob, http.StatusConflict},
		{domain.ErrVersionConflict, http.StatusConflict},
		{domain.ErrNoStoredBlob, http.StatusUnprocessableEntity},
		{domain.ErrBatchTooLarge, http.StatusRequestEntityTooLarge},
		{domain.ErrEnqueueFailed, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
		{fmt.Errorf("scan s1: %w", domain.ErrForbidden), http.StatusForbidden},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MapErrorToStatusCode(tc.err), tc.err.Error())
	}
	assert.Equal(t, "internal error", safeErrorMessage(errors.New("pq: secret detail")))
}

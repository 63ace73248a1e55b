package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/pms-bundler/internal/testutil"
	"github.com/Sternrassler/pms-bundler/pkg/batch"
	"github.com/Sternrassler/pms-bundler/pkg/client"
	"github.com/Sternrassler/pms-bundler/pkg/reservation"
	"github.com/Sternrassler/pms-bundler/pkg/session"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStack wires the real session manager, client and orchestrator against pms.
func newStack(t *testing.T, pms *testutil.MockPMS, batchCfg batch.Config) http.Handler {
	t.Helper()

	sessions, err := session.NewManager(
		session.DefaultConfig(pms.URL(), testutil.CompanyCode, testutil.Username, testutil.Password),
		session.NewMemoryStore(),
	)
	require.NoError(t, err)

	cfg := client.DefaultConfig(pms.URL())
	cfg.DocumentPath = testutil.DocumentPath
	cfg.Retry = client.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	pmsClient, err := client.New(cfg, sessions)
	require.NoError(t, err)

	orch := batch.NewOrchestrator(pmsClient, batchCfg)
	return NewRouter(NewBundleHandler(orch, DefaultConfig()))
}

func bundleRequestBody(refs ...reservation.Ref) string {
	body, _ := json.Marshal(map[string]any{"reservationIds": refs})
	return string(body)
}

func post(t *testing.T, h http.Handler, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, BundlePath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result()
}

func zipEntries(t *testing.T, resp *http.Response) map[string][]byte {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[f.Name] = body
	}
	return entries
}

func headerInt(t *testing.T, resp *http.Response, name string) int {
	t.Helper()
	n, err := strconv.Atoi(resp.Header.Get(name))
	require.NoError(t, err, "header %s", name)
	return n
}

func TestBundle_PartialSuccess(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.SetDocument("H1", "3", testutil.HTMLErrorPage)

	h := newStack(t, pms, batch.Config{BatchSize: 20, InterBatchDelay: time.Millisecond})

	refs := []reservation.Ref{
		{HotelCode: "H1", ReservationID: "99"},
		{HotelCode: "H2", ReservationID: "1"},
		{HotelCode: "H1", ReservationID: "3"},
	}
	resp := post(t, h, bundleRequestBody(refs...))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="reservations.zip"`, resp.Header.Get("Content-Disposition"))

	succeeded := headerInt(t, resp, HeaderSuccessCount)
	failed := headerInt(t, resp, HeaderFailedCount)
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, len(refs), succeeded+failed)
	assert.Equal(t, "H1-3", resp.Header.Get(HeaderFailedReservations))

	entries := zipEntries(t, resp)
	require.Len(t, entries, succeeded)
	assert.Equal(t, testutil.PDFBody("H1", "99"), entries["H1-99.pdf"])
	assert.Equal(t, testutil.PDFBody("H2", "1"), entries["H2-1.pdf"])
	assert.NotContains(t, entries, "H1-3.pdf")

	// The HTML page was retried for every attempt.
	assert.Equal(t, 3, pms.Attempts("H1", "3"))
	assert.Equal(t, 1, pms.LoginCount())
}

func TestBundle_ZeroSuccesses(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.SetDocument("H1", "1", testutil.StatusDocument(http.StatusNotFound))
	pms.SetDocument("H1", "2", testutil.HTMLErrorPage)

	h := newStack(t, pms, batch.DefaultConfig())

	resp := post(t, h, bundleRequestBody(
		reservation.Ref{HotelCode: "H1", ReservationID: "1"},
		reservation.Ref{HotelCode: "H1", ReservationID: "2"},
	))

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	assert.Empty(t, resp.Header.Get("Content-Disposition"))

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "failed to retrieve any reservation documents", body.Error)
	require.Len(t, body.Failures, 2)
	assert.Equal(t, "1", body.Failures[0].ReservationID)
	assert.Contains(t, body.Failures[0].Reason, "status 404")
	assert.Contains(t, body.Failures[1].Reason, "not a PDF")
}

func TestBundle_ValidationRejectsWithoutUpstreamTraffic(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		errorMsg string
	}{
		{name: "empty body", body: "", errorMsg: "request body must be a JSON object"},
		{name: "not an object", body: `[1,2]`, errorMsg: "request body must be a JSON object"},
		{name: "invalid json", body: `{"reservationIds": [`, errorMsg: "invalid json"},
		{name: "missing reservationIds", body: `{"ids": []}`, errorMsg: "reservationIds is required"},
		{name: "null reservationIds", body: `{"reservationIds": null}`, errorMsg: "reservationIds is required"},
		{name: "reservationIds not array", body: `{"reservationIds": "H1-1"}`, errorMsg: "reservationIds must be an array"},
		{name: "empty array", body: `{"reservationIds": []}`, errorMsg: "reservationIds must not be empty"},
		{name: "missing res_id", body: `{"reservationIds": [{"htl_code": "H1", "res_id": "1"}, {"htl_code": "H1"}]}`, errorMsg: "reservationIds[1]: res_id is required"},
		{name: "empty htl_code", body: `{"reservationIds": [{"htl_code": "", "res_id": "1"}]}`, errorMsg: "reservationIds[0]: htl_code is required"},
		{name: "element not object", body: `{"reservationIds": ["H1-1"]}`, errorMsg: "reservationIds[0] must be an object"},
		{name: "traversal htl_code", body: `{"reservationIds": [{"htl_code": "../../etc", "res_id": "1"}]}`, errorMsg: "reservationIds[0]: htl_code must not contain path separators"},
		{name: "absolute res_id", body: `{"reservationIds": [{"htl_code": "H1", "res_id": "/abs/x"}]}`, errorMsg: "reservationIds[0]: res_id must not contain path separators"},
		{name: "dot-dot htl_code", body: `{"reservationIds": [{"htl_code": "..", "res_id": "1"}]}`, errorMsg: "reservationIds[0]: htl_code must not contain"},
		{name: "backslash res_id", body: `{"reservationIds": [{"htl_code": "H1", "res_id": "a\\b"}]}`, errorMsg: "reservationIds[0]: res_id must not contain path separators"},
		{name: "control character", body: `{"reservationIds": [{"htl_code": "H1", "res_id": "1\u0000"}]}`, errorMsg: "reservationIds[0]: res_id must not contain control characters"},
		{name: "padded htl_code", body: `{"reservationIds": [{"htl_code": " H1 ", "res_id": "1"}]}`, errorMsg: "reservationIds[0]: htl_code must not have leading or trailing whitespace"},
		{name: "numeric res_id", body: `{"reservationIds": [{"htl_code": "H1", "res_id": 7}]}`, errorMsg: "reservationIds[0]: res_id must be a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pms := testutil.NewMockPMS()
			defer pms.Close()

			resp := post(t, newStack(t, pms, batch.DefaultConfig()), tt.body)

			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body.Error, tt.errorMsg)
			assert.Equal(t, 0, pms.TotalRequests())
		})
	}
}

func TestBundle_SessionExpiryMidBatch(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.ExpireSessionsAfter(3)

	// One fetch at a time makes the expiry point deterministic.
	h := newStack(t, pms, batch.Config{BatchSize: 1, InterBatchDelay: 0})

	var refs []reservation.Ref
	for i := 1; i <= 6; i++ {
		refs = append(refs, reservation.Ref{HotelCode: "H1", ReservationID: strconv.Itoa(i)})
	}
	resp := post(t, h, bundleRequestBody(refs...))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 6, headerInt(t, resp, HeaderSuccessCount))
	assert.Equal(t, 0, headerInt(t, resp, HeaderFailedCount))
	assert.Equal(t, 2, pms.LoginCount(), "expected exactly one re-login")

	// The fourth reservation hit the login redirect and was repeated once.
	assert.Equal(t, 1, pms.Attempts("H1", "3"))
	assert.Equal(t, 2, pms.Attempts("H1", "4"))
	assert.Equal(t, 1, pms.Attempts("H1", "5"))
}

func TestBundle_SessionExpiryConcurrentFetches(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.SetDocumentDelay(5 * time.Millisecond)
	pms.ExpireSessionsAfter(5)

	h := newStack(t, pms, batch.Config{BatchSize: 10, InterBatchDelay: time.Millisecond})

	var refs []reservation.Ref
	for i := 1; i <= 30; i++ {
		refs = append(refs, reservation.Ref{HotelCode: "H9", ReservationID: strconv.Itoa(i)})
	}
	resp := post(t, h, bundleRequestBody(refs...))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 30, headerInt(t, resp, HeaderSuccessCount))
	assert.Equal(t, 2, pms.LoginCount())
	assert.LessOrEqual(t, pms.MaxInFlight(), 10)
	assert.Len(t, zipEntries(t, resp), 30)
}

func TestBundle_BatchGroupsAgainstPMS(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.SetDocumentDelay(50 * time.Millisecond)

	h := newStack(t, pms, batch.Config{BatchSize: 20, InterBatchDelay: 50 * time.Millisecond})

	var refs []reservation.Ref
	for i := 1; i <= 45; i++ {
		refs = append(refs, reservation.Ref{HotelCode: "H1", ReservationID: strconv.Itoa(i)})
	}
	resp := post(t, h, bundleRequestBody(refs...))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 45, headerInt(t, resp, HeaderSuccessCount))
	assert.Equal(t, 20, pms.MaxInFlight())
	assert.Equal(t, 45, pms.DocumentCount())
}

func TestBundle_VerifiedTLSRejectsSelfSignedPMS(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()

	sessionCfg := session.DefaultConfig(pms.URL(), testutil.CompanyCode, testutil.Username, testutil.Password)
	sessionCfg.InsecureSkipVerify = false
	sessions, err := session.NewManager(sessionCfg, session.NewMemoryStore())
	require.NoError(t, err)

	clientCfg := client.DefaultConfig(pms.URL())
	clientCfg.InsecureSkipVerify = false
	clientCfg.Retry.MaxAttempts = 1
	pmsClient, err := client.New(clientCfg, sessions)
	require.NoError(t, err)

	h := NewRouter(NewBundleHandler(batch.NewOrchestrator(pmsClient, batch.DefaultConfig()), DefaultConfig()))
	resp := post(t, h, bundleRequestBody(reservation.Ref{HotelCode: "H1", ReservationID: "1"}))

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Failures, 1)
	assert.Contains(t, body.Failures[0].Reason, "certificate")
	assert.Equal(t, 0, pms.TotalRequests())
}

func TestBundle_MethodNotAllowed(t *testing.T) {
	h := NewBundleHandler(&fakeRunner{}, DefaultConfig())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, BundlePath, nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestBundle_TooManyReservations(t *testing.T) {
	runner := &fakeRunner{}
	h := NewBundleHandler(runner, Config{MaxReservations: 2})

	rec := httptest.NewRecorder()
	body := bundleRequestBody(
		reservation.Ref{HotelCode: "H1", ReservationID: "1"},
		reservation.Ref{HotelCode: "H1", ReservationID: "2"},
		reservation.Ref{HotelCode: "H1", ReservationID: "3"},
	)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, BundlePath, strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many reservations")
	assert.False(t, runner.called)
}

func TestBundle_BodyTooLarge(t *testing.T) {
	runner := &fakeRunner{}
	h := NewBundleHandler(runner, Config{MaxBodyBytes: 16})

	rec := httptest.NewRecorder()
	body := bundleRequestBody(reservation.Ref{HotelCode: "H1", ReservationID: "1"})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, BundlePath, strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, runner.called)
}

func TestBundle_RunsDetachedFromRequestContext(t *testing.T) {
	runner := &fakeRunner{}
	h := NewBundleHandler(runner, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := bundleRequestBody(reservation.Ref{HotelCode: "H1", ReservationID: "1"})
	req := httptest.NewRequest(http.MethodPost, BundlePath, strings.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.True(t, runner.called)
	assert.NoError(t, runner.ctxErr)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFailedList_Truncates(t *testing.T) {
	var failures []reservation.Outcome
	for i := 0; i < 2000; i++ {
		failures = append(failures, reservation.Failure(
			reservation.Ref{HotelCode: "HOTEL", ReservationID: strconv.Itoa(i)},
			errors.New("x"),
		))
	}

	list := failedList(failures)
	assert.LessOrEqual(t, len(list), maxFailedReservationHeader+4)
	assert.True(t, strings.HasPrefix(list, "HOTEL-0,HOTEL-1,"))
	assert.True(t, strings.HasSuffix(list, ",..."))
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pms_archive_size_bytes")
}

// fakeRunner succeeds for every reservation.
type fakeRunner struct {
	called bool
	ctxErr error
}

func (f *fakeRunner) Run(ctx context.Context, refs []reservation.Ref) reservation.Result {
	f.called = true
	f.ctxErr = ctx.Err()
	outcomes := make([]reservation.Outcome, len(refs))
	for i, ref := range refs {
		outcomes[i] = reservation.Success(ref, []byte("%PDF-fake"))
	}
	return reservation.Result{Outcomes: outcomes}
}

// Package testutil provides a mock PMS server for testing the bundler.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Paths served by the mock PMS.
const (
	LoginPath    = "/login"
	DocumentPath = "/reservations/print"
)

// Credentials accepted by the mock PMS.
const (
	CompanyCode = "ACME"
	Username    = "bundler"
	Password    = "secret"
)

const sessionCookieName = "PHPSESSID"

// DocumentBehavior decides how the mock answers a document request.
type DocumentBehavior func(w http.ResponseWriter, r *http.Request, attempt int)

// MockPMS is a configurable mock of the legacy booking system.
type MockPMS struct {
	server *httptest.Server
	mu     sync.Mutex

	sessions      map[string]bool
	nextSession   int
	behaviors     map[string]DocumentBehavior
	attempts      map[string]int
	expireAfter   int
	served        int
	inFlight      int
	maxInFlight   int
	documentDelay time.Duration
	rejectLogin   bool

	// Tracking
	loginCount    int
	documentCount int
	requestTimes  []time.Time
}

// NewMockPMS starts a mock PMS over TLS with a self-signed certificate.
func NewMockPMS() *MockPMS {
	m := &MockPMS{
		sessions:  make(map[string]bool),
		behaviors: make(map[string]DocumentBehavior),
		attempts:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(LoginPath, m.handleLogin)
	mux.HandleFunc(DocumentPath, m.handleDocument)
	m.server = httptest.NewTLSServer(mux)

	return m
}

// URL returns the mock server URL.
func (m *MockPMS) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockPMS) Close() {
	m.server.Close()
}

// SetDocument configures the behavior for one reservation.
func (m *MockPMS) SetDocument(hotelCode, reservationID string, behavior DocumentBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[key(hotelCode, reservationID)] = behavior
}

// SetDocumentDelay delays every document response.
func (m *MockPMS) SetDocumentDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documentDelay = d
}

// RejectLogins makes the login endpoint answer without session cookies.
func (m *MockPMS) RejectLogins(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectLogin = reject
}

// ExpireSessions invalidates every session issued so far.
func (m *MockPMS) ExpireSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]bool)
}

// ExpireSessionsAfter invalidates every issued session once n documents have
// been served successfully.
func (m *MockPMS) ExpireSessionsAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireAfter = n
}

// LoginCount returns the number of login requests.
func (m *MockPMS) LoginCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginCount
}

// DocumentCount returns the number of document requests.
func (m *MockPMS) DocumentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documentCount
}

// Attempts returns the number of document requests for one reservation.
func (m *MockPMS) Attempts(hotelCode, reservationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[key(hotelCode, reservationID)]
}

// MaxInFlight returns the highest number of concurrent document requests seen.
func (m *MockPMS) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// RequestTimes returns the arrival time of every document request.
func (m *MockPMS) RequestTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.requestTimes...)
}

// TotalRequests returns login plus document requests.
func (m *MockPMS) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginCount + m.documentCount
}

func (m *MockPMS) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.loginCount++
	reject := m.rejectLogin
	m.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	valid := r.PostForm.Get("cmp_code") == CompanyCode &&
		r.PostForm.Get("username") == Username &&
		r.PostForm.Get("password") == Password &&
		r.PostForm.Get("remember_me") == "on"
	if reject || !valid {
		w.Header().Set("Location", LoginPath+"?error=1")
		w.WriteHeader(http.StatusFound)
		return
	}

	m.mu.Lock()
	m.nextSession++
	token := fmt.Sprintf("sess-%d", m.nextSession)
	m.sessions[token] = true
	m.mu.Unlock()

	w.Header().Add("Set-Cookie", sessionCookieName+"="+token+"; Path=/; HttpOnly; Secure")
	w.Header().Add("Set-Cookie", "remember_me=1; Path=/; Max-Age=2592000")
	w.Header().Set("Location", "/dashboard")
	w.WriteHeader(http.StatusFound)
}

func (m *MockPMS) handleDocument(w http.ResponseWriter, r *http.Request) {
	hotel := r.URL.Query().Get("htl_code")
	res := r.URL.Query().Get("res_id")
	k := key(hotel, res)

	m.mu.Lock()
	m.documentCount++
	m.requestTimes = append(m.requestTimes, time.Now())
	m.attempts[k]++
	attempt := m.attempts[k]
	authorized := m.authorizedLocked(r)
	behavior := m.behaviors[k]
	delay := m.documentDelay
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}

	if !authorized {
		forward := url.QueryEscape(r.URL.RequestURI())
		w.Header().Set("Location", LoginPath+"?forward="+forward)
		w.WriteHeader(http.StatusFound)
		return
	}

	if behavior == nil {
		behavior = PDFDocument
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	behavior(rec, r, attempt)

	if rec.status == http.StatusOK {
		m.mu.Lock()
		m.served++
		if m.expireAfter > 0 && m.served == m.expireAfter {
			m.sessions = make(map[string]bool)
		}
		m.mu.Unlock()
	}
}

func (m *MockPMS) authorizedLocked(r *http.Request) bool {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return false
	}
	return m.sessions[c.Value]
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func key(hotelCode, reservationID string) string {
	return hotelCode + "/" + reservationID
}

// PDFBody returns the document the mock serves for a reservation.
func PDFBody(hotelCode, reservationID string) []byte {
	return []byte("%PDF-1.4\n% reservation " + hotelCode + "-" + reservationID + "\n%%EOF\n")
}

// PDFDocument serves a valid PDF for the requested reservation.
func PDFDocument(w http.ResponseWriter, r *http.Request, _ int) {
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	w.Write(PDFBody(r.URL.Query().Get("htl_code"), r.URL.Query().Get("res_id")))
}

// HTMLErrorPage serves an HTML error page labelled as a PDF.
func HTMLErrorPage(w http.ResponseWriter, _ *http.Request, _ int) {
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<!DOCTYPE html><html><body>Reservation not found</body></html>"))
}

// StatusDocument answers with the given status code.
func StatusDocument(status int) DocumentBehavior {
	return func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		w.Write([]byte(strings.Repeat("error ", 4)))
	}
}

// FlakyDocument fails with status for the first failures attempts, then serves a PDF.
func FlakyDocument(failures, status int) DocumentBehavior {
	return func(w http.ResponseWriter, r *http.Request, attempt int) {
		if attempt <= failures {
			StatusDocument(status)(w, r, attempt)
			return
		}
		PDFDocument(w, r, attempt)
	}
}

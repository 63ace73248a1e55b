package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/pms-bundler/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a PMS login stays usable.
const DefaultTTL = 30 * time.Minute

// Config holds the session manager configuration.
type Config struct {
	// BaseURL of the PMS, e.g. "https://pms.example.com".
	BaseURL string

	// LoginPath is the form endpoint the credentials are posted to.
	LoginPath string

	// Credentials
	CompanyCode string
	Username    string
	Password    string

	// TTL is the lifetime assumed for a fresh session.
	TTL time.Duration

	// Timeout for the login request.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate checks. The PMS is usually
	// served with a self-signed certificate.
	InsecureSkipVerify bool
}

// DefaultConfig returns the default configuration for the given PMS and credentials.
func DefaultConfig(baseURL, companyCode, username, password string) Config {
	return Config{
		BaseURL:            baseURL,
		LoginPath:          "/login",
		CompanyCode:        companyCode,
		Username:           username,
		Password:           password,
		TTL:                DefaultTTL,
		Timeout:            30 * time.Second,
		InsecureSkipVerify: true,
	}
}

// Manager owns the PMS session lifecycle: login, validity and invalidation.
type Manager struct {
	httpClient *http.Client
	store      Store
	config     Config
	loginURL   string
	logins     singleflight.Group
	now        func() time.Time
	logger     zerolog.Logger
}

// NewManager creates a session manager backed by store.
func NewManager(cfg Config, store Store) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	loginURL, err := url.JoinPath(cfg.BaseURL, cfg.LoginPath)
	if err != nil {
		return nil, fmt.Errorf("build login url: %w", err)
	}

	return &Manager{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // PMS uses a self-signed certificate
			},
			// The login response carries the session cookies; following its
			// redirect would hide them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:    store,
		config:   cfg,
		loginURL: loginURL,
		now:      time.Now,
		logger:   logging.NewLogger(logging.ComponentSession),
	}, nil
}

// GetValidSession returns the cookie header of a valid session, logging in
// first if none is stored or the stored one has expired. Concurrent callers
// share a single login. The shared login is detached from the caller that
// started it, so a cancelled caller returns ctx.Err() while the others still
// receive the session.
func (m *Manager) GetValidSession(ctx context.Context) (string, error) {
	if sess := m.load(ctx); sess.ValidAt(m.now()) {
		return sess.Cookie, nil
	}

	loginCtx := context.WithoutCancel(ctx)
	ch := m.logins.DoChan("login", func() (any, error) {
		// Another caller may have finished a login since our load.
		if sess := m.load(loginCtx); sess.ValidAt(m.now()) {
			return sess.Cookie, nil
		}
		return m.Login(loginCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			LoginsCoalesced.Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Login authenticates against the PMS and stores the new session.
func (m *Manager) Login(ctx context.Context) (string, error) {
	form := url.Values{
		"cmp_code":    {m.config.CompanyCode},
		"username":    {m.config.Username},
		"password":    {m.config.Password},
		"remember_me": {"on"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		LoginsTotal.WithLabelValues("error").Inc()
		m.logger.Error().Err(err).Msg("PMS login request failed")
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	cookie := cookieHeader(resp.Header)
	if cookie == "" {
		LoginsTotal.WithLabelValues("no_cookies").Inc()
		m.logger.Error().
			Int("status", resp.StatusCode).
			Str("location", resp.Header.Get("Location")).
			Msg("PMS login returned no session cookies")
		return "", &AuthenticationError{
			StatusCode: resp.StatusCode,
			Location:   resp.Header.Get("Location"),
		}
	}

	sess := &Session{
		Cookie:    cookie,
		ExpiresAt: m.now().Add(m.config.TTL),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		// The cookie is still good for this caller.
		StoreErrors.WithLabelValues("save").Inc()
		m.logger.Warn().Err(err).Msg("Failed to store PMS session")
	}

	LoginsTotal.WithLabelValues("success").Inc()
	m.logger.Info().
		Int("status", resp.StatusCode).
		Time("expires_at", sess.ExpiresAt).
		Dur("duration", time.Since(start)).
		Msg("Logged in to PMS")

	return cookie, nil
}

// Invalidate drops the stored session so the next GetValidSession logs in again.
func (m *Manager) Invalidate(ctx context.Context) {
	Invalidations.Inc()
	if err := m.store.Clear(ctx); err != nil {
		StoreErrors.WithLabelValues("clear").Inc()
		m.logger.Warn().Err(err).Msg("Failed to clear PMS session")
		return
	}
	m.logger.Debug().Msg("PMS session invalidated")
}

// InvalidateCookie drops the stored session only if it still carries cookie.
// A session installed meanwhile by another caller's login is kept.
func (m *Manager) InvalidateCookie(ctx context.Context, cookie string) {
	Invalidations.Inc()
	if err := m.store.ClearIf(ctx, cookie); err != nil {
		StoreErrors.WithLabelValues("clear").Inc()
		m.logger.Warn().Err(err).Msg("Failed to clear PMS session")
		return
	}
	m.logger.Debug().Msg("Stale PMS session invalidated")
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (m *Manager) SetHTTPClient(client *http.Client) {
	m.httpClient = client
}

// load returns the stored session, or nil if there is none or the store failed.
func (m *Manager) load(ctx context.Context) *Session {
	sess, err := m.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			StoreErrors.WithLabelValues("load").Inc()
			m.logger.Warn().Err(err).Msg("Failed to load PMS session")
		}
		return nil
	}
	return sess
}

// cookieHeader reduces every Set-Cookie header to its name=value pair and joins
// them into a Cookie header value.
func cookieHeader(h http.Header) string {
	var pairs []string
	for _, v := range h.Values("Set-Cookie") {
		pair, _, _ := strings.Cut(v, ";")
		if pair = strings.TrimSpace(pair); pair != "" {
			pairs = append(pairs, pair)
		}
	}
	return strings.Join(pairs, "; ")
}

// Package lookup provides the client for the rate- and cost-limited external
// entity lookup service.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/entity-resolver/pkg/audit"
	"github.com/ekaya-inc/entity-resolver/pkg/config"
	"github.com/ekaya-inc/entity-resolver/pkg/identity"
	"github.com/ekaya-inc/entity-resolver/pkg/jsonutil"
	"github.com/ekaya-inc/entity-resolver/pkg/logging"
)

// DefaultTimeout bounds a single lookup when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Outcome sentinels. Every error returned by Lookup and Preflight matches
// exactly one of ErrAuthFailed, ErrNotFound or ErrTransient under errors.Is.
var (
	ErrAuthFailed = errors.New("lookup credential rejected")
	ErrNotFound   = errors.New("entity not found")
	ErrTransient  = errors.New("lookup temporarily unavailable")

	// ErrCircuitOpen is returned without a network call while the circuit is open.
	ErrCircuitOpen = fmt.Errorf("circuit open: %w", ErrTransient)
)

// Result is a successful lookup.
type Result struct {
	CanonicalID string
	Name        string
}

// TokenSource supplies the bearer credential for the lookup service.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource serves a fixed token, typically from LOOKUP_API_TOKEN.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no lookup token configured: %w", ErrAuthFailed)
	}
	return string(s), nil
}

// Client talks to the external lookup service. It holds no budget state; the
// caller decides whether a lookup may be spent. It does track session validity:
// after an auth failure every call fails fast until RefreshCredentials succeeds.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	tokens     TokenSource
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
	auditor    *audit.CredentialAuditor
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.RWMutex
	token      string
	authFailed bool
}

// NewClient creates a lookup client from configuration.
func NewClient(cfg *config.LookupConfig, tokens TokenSource, logger *zap.Logger) (*Client, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("lookup base URL is not configured")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid lookup base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		httpClient: &http.Client{},
		baseURL:    cfg.BaseURL,
		timeout:    timeout,
		tokens:     tokens,
		limiter:    rate.NewLimiter(limit, burst),
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			Threshold:  cfg.CircuitThreshold,
			ResetAfter: cfg.CircuitResetAfter,
		}),
		auditor: audit.NewCredentialAuditor(logger),
		logger:  logger.Named("lookup"),
		now:     time.Now,
	}, nil
}

// Lookup resolves a raw entity name through the external service.
func (c *Client) Lookup(ctx context.Context, name string) (*Result, error) {
	if c.sessionDisabled() {
		return nil, fmt.Errorf("session disabled after earlier rejection: %w", ErrAuthFailed)
	}

	if ok, err := c.breaker.Allow(); !ok {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}

	token, err := c.currentToken(ctx)
	if err != nil {
		c.breaker.RecordSuccess()
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %v: %w", err, ErrTransient)
	}

	endpoint, err := buildURL(c.baseURL, "v1", "entities", "search")
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}
	endpoint += "?" + url.Values{"name": {name}}.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, body, err := c.get(reqCtx, endpoint, token)
	if err != nil {
		c.recordTransient()
		c.logger.Warn("Lookup request failed",
			zap.String("name", name),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("lookup %q: %v: %w", name, err, ErrTransient)
	}

	if err := c.classifyStatus(status, body); err != nil {
		return nil, fmt.Errorf("lookup %q: %w", name, err)
	}

	// Response format: { "entity": { "id": "..." | 123, "name": "..." } }
	var response struct {
		Entity *struct {
			ID   json.RawMessage `json:"id"`
			Name string          `json:"name"`
		} `json:"entity"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("lookup %q: failed to parse response: %v: %w", name, err, ErrTransient)
	}
	if response.Entity == nil {
		return nil, fmt.Errorf("lookup %q: %w", name, ErrNotFound)
	}
	canonicalID, err := jsonutil.FlexibleID(response.Entity.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %v: %w", name, err, ErrNotFound)
	}
	if !identity.IsStorableCanonicalID(canonicalID) {
		return nil, fmt.Errorf("lookup %q: %w", name, ErrNotFound)
	}

	result := &Result{CanonicalID: canonicalID, Name: response.Entity.Name}
	c.logger.Debug("Resolved entity via lookup service",
		zap.String("name", name),
		zap.String("canonical_id", result.CanonicalID))
	return result, nil
}

// Preflight checks that the current credential is usable. A JWT credential is
// first checked for expiry locally; then the session endpoint is called.
// A rejected credential disables the session exactly like a rejected lookup.
func (c *Client) Preflight(ctx context.Context) error {
	if c.sessionDisabled() {
		return fmt.Errorf("session disabled after earlier rejection: %w", ErrAuthFailed)
	}

	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}

	if expired, exp := c.tokenExpired(token); expired {
		c.disableSession()
		c.auditor.LogCredentialExpired(token, exp)
		return fmt.Errorf("credential expired at %s: %w", exp.Format(time.RFC3339), ErrAuthFailed)
	}

	endpoint, err := buildURL(c.baseURL, "v1", "session")
	if err != nil {
		return fmt.Errorf("failed to build URL: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, body, err := c.get(reqCtx, endpoint, token)
	if err != nil {
		return fmt.Errorf("session check: %v: %w", err, ErrTransient)
	}
	if status == http.StatusOK {
		return nil
	}
	if err := c.classifyStatus(status, body); errors.Is(err, ErrAuthFailed) {
		return fmt.Errorf("session check: %w", err)
	}
	return fmt.Errorf("session check returned status %d: %w", status, ErrTransient)
}

// RefreshCredentials reloads the token from the TokenSource, re-enables the
// session and verifies the new credential with Preflight.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh lookup credential: %w", err)
	}

	c.mu.Lock()
	c.token = token
	c.authFailed = false
	c.mu.Unlock()

	c.auditor.LogCredentialRefreshed(token)
	return c.Preflight(ctx)
}

// recordTransient feeds a transient failure to the breaker and logs the trip.
func (c *Client) recordTransient() {
	wasOpen := c.breaker.State() == CircuitOpen
	c.breaker.RecordFailure()
	if !wasOpen && c.breaker.State() == CircuitOpen {
		c.logger.Error("Lookup circuit opened",
			zap.Int("consecutive_failures", c.breaker.ConsecutiveFailures()))
	}
}

func (c *Client) get(ctx context.Context, endpoint, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to call lookup service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// classifyStatus maps a non-200 status to an outcome sentinel and feeds the
// circuit breaker. It returns nil for 200.
func (c *Client) classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		c.breaker.RecordSuccess()
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.breaker.RecordSuccess()
		c.auditor.LogCredentialRejected(c.disableSession(), status)
		c.logger.Error("Lookup service rejected credential; disabling lookups until refresh",
			zap.Int("status", status))
		return fmt.Errorf("status %d: %w", status, ErrAuthFailed)
	case status == http.StatusNotFound:
		c.breaker.RecordSuccess()
		return ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		c.recordTransient()
		c.logger.Warn("Lookup service unavailable",
			zap.Int("status", status),
			zap.String("body", logging.TruncateString(string(body), 200)))
		return fmt.Errorf("status %d: %w", status, ErrTransient)
	default:
		// Any other client error means this request can never succeed as sent.
		c.breaker.RecordSuccess()
		c.logger.Warn("Lookup service refused request",
			zap.Int("status", status),
			zap.String("body", logging.TruncateString(string(body), 200)))
		return fmt.Errorf("status %d: %w", status, ErrNotFound)
	}
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return "", err
		}
		return "", fmt.Errorf("failed to obtain lookup credential: %v: %w", err, ErrAuthFailed)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// tokenExpired inspects a JWT credential's exp claim without verifying the
// signature. Opaque tokens are never considered expired.
func (c *Client) tokenExpired(token string) (bool, time.Time) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false, time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, time.Time{}
	}
	return !c.now().Before(exp.Time), exp.Time
}

func (c *Client) sessionDisabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authFailed
}

// disableSession marks the session unusable and returns the token that was rejected.
func (c *Client) disableSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFailed = true
	return c.token
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}

package hpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
	"github.com/sethvargo/go-retry"
)

const (
	sessionCookie = "newt_sessionid"

	defaultRequestTimeout       = 30 * time.Second
	defaultAccountingAttempts   = 10
	defaultAccountingRetryDelay = time.Second
	maxBodyLog                  = 4096
)

// Config holds remote scheduler gateway configuration
type Config struct {
	BaseURL              string
	Username             string
	Password             string
	SessionTTL           time.Duration
	RequestTimeout       time.Duration
	AccountingAttempts   int
	AccountingRetryDelay time.Duration
	StatusAliases        map[string]map[string]domain.JobStatus // site -> code -> status
}

// Client talks to the remote HPC gateway.
// Safe for concurrent use.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	session    *session
	mapper     *StatusMapper
	attempts   int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a new gateway client
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("hpc base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid hpc base url: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	attempts := cfg.AccountingAttempts
	if attempts <= 0 {
		attempts = defaultAccountingAttempts
	}
	delay := cfg.AccountingRetryDelay
	if delay <= 0 {
		delay = defaultAccountingRetryDelay
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		session:    newSession(cfg.SessionTTL, nil),
		mapper:     NewStatusMapper(cfg.StatusAliases),
		attempts:   attempts,
		retryDelay: delay,
		logger:     logger,
	}, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

type loginResponse struct {
	Auth      bool   `json:"auth"`
	SessionID string `json:"newt_sessionid"`
}

type submitResponse struct {
	JobID  string `json:"jobid"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type accountingResponse struct {
	Status  string `json:"status"`
	TimeUse string `json:"timeuse"`
}

// SiteIsUp probes the liveness of site. Any failure is reported as down.
func (c *Client) SiteIsUp(ctx context.Context, site string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("status", site), nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Site liveness probe failed",
			slog.String("site", site),
			slog.String("error", err.Error()),
		)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("Site liveness probe returned non-200",
			slog.String("site", site),
			slog.Int("status_code", resp.StatusCode),
		)
		return false
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}

	return strings.EqualFold(body.Status, "up")
}

// UploadScript writes contents to path on site
func (c *Client) UploadScript(ctx context.Context, site, path, contents string) error {
	resp, err := c.do(ctx, http.MethodPut, c.endpoint("file", site, strings.TrimPrefix(path, "/")), "text/plain", []byte(contents))
	if err != nil {
		return unreachable(site, "upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SubmissionError{Site: site, StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	c.logger.Debug("Job script uploaded",
		slog.String("site", site),
		slog.String("path", path),
		slog.Int("size", len(contents)),
	)
	return nil
}

// Submit queues the script at scriptPath on site and returns the external job handle
func (c *Client) Submit(ctx context.Context, site, scriptPath string) (string, error) {
	form := url.Values{"jobfile": {scriptPath}}

	resp, err := c.do(ctx, http.MethodPost, c.endpoint("queue", site), "application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		// the gateway may have accepted the job before the connection dropped
		c.logger.Warn("Submit got no response, job may already be queued remotely",
			slog.String("site", site),
			slog.String("script", scriptPath),
			slog.String("error", err.Error()),
		)
		return "", unreachable(site, "submit", err)
	}
	defer resp.Body.Close()

	body := readBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &SubmissionError{Site: site, StatusCode: resp.StatusCode, Body: body}
	}

	var result submitResponse
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return "", &SubmissionError{Site: site, StatusCode: resp.StatusCode, Body: body, Err: fmt.Errorf("decode submit response: %w", err)}
	}
	if result.JobID == "" {
		return "", &SubmissionError{Site: site, StatusCode: resp.StatusCode, Body: body}
	}

	return result.JobID, nil
}

// QueryStatus returns the canonical status and elapsed run time of a submitted job.
// Malformed responses are retried; once the budget is spent ErrAccountingUnavailable is returned.
func (c *Client) QueryStatus(ctx context.Context, site, externalID string) (domain.JobStatus, time.Duration, error) {
	var (
		status  domain.JobStatus
		elapsed time.Duration
		attempt int
	)

	backoff := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewConstant(c.retryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		s, d, err := c.queryStatusOnce(ctx, site, externalID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("Accounting query failed",
				slog.String("site", site),
				slog.String("external_id", externalID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}

		status, elapsed = s, d
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, ctxErr
		}
		return "", 0, fmt.Errorf("%w: %s/%s after %d attempts: %v", ErrAccountingUnavailable, site, externalID, attempt, err)
	}

	return status, elapsed, nil
}

func (c *Client) queryStatusOnce(ctx context.Context, site, externalID string) (domain.JobStatus, time.Duration, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("queue", site, externalID, "status"), "", nil)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readBody(resp.Body))
	}

	var body accountingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode accounting response: %w", err)
	}

	status, err := c.mapper.Map(site, body.Status)
	if err != nil {
		return "", 0, err
	}

	elapsed, err := ParseElapsed(body.TimeUse)
	if err != nil {
		return "", 0, err
	}

	return status, elapsed, nil
}

// do sends an authenticated request. A 401 or 403 drops the session and retries once with a fresh one.
func (c *Client) do(ctx context.Context, method, target, contentType string, body []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && attempt == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.session.invalidate(token)
			c.logger.Info("Gateway rejected session, re-authenticating",
				slog.Int("status_code", resp.StatusCode),
			)
			continue
		}

		return resp, nil
	}
}

// token returns a fresh session id, logging in when the cached one is missing or stale
func (c *Client) token(ctx context.Context) (string, error) {
	if token, ok := c.session.current(); ok {
		return token, nil
	}

	form := url.Values{"username": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("login"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrAuthentication, resp.StatusCode)
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode login response: %v", ErrAuthentication, err)
	}

	token := body.SessionID
	if token == "" {
		for _, ck := range resp.Cookies() {
			if ck.Name == sessionCookie {
				token = ck.Value
			}
		}
	}
	if !body.Auth || token == "" {
		return "", ErrAuthentication
	}

	c.session.store(token)
	c.logger.Debug("Gateway session acquired")

	return token, nil
}

// unreachable marks a request that got no response as retryable.
// Only an answer from the gateway can reject a job.
func unreachable(site, op string, err error) error {
	return domain.NewRetryableError(fmt.Errorf("%s to %s got no response: %w", op, site, err))
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = escapePath(p)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

// escapePath escapes each segment of a slash separated path
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func readBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxBodyLog))
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return string(b)
}

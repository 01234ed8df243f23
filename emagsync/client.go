package emagsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/lumisoft/seller_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ResourceClass selects which rate-limit budget a call consumes. Order
// endpoints get a wider budget than everything else.
type ResourceClass string

const (
	ResourceClassOrders  ResourceClass = "orders"
	ResourceClassDefault ResourceClass = "default"
)

// Response is a successfully classified marketplace reply. DocumentationError
// marks replies that carried an error envelope for a mutation the marketplace
// nonetheless applied; callers must treat these as success and must not retry.
type Response struct {
	StatusCode         int
	Results            json.RawMessage
	Messages           []string
	DocumentationError bool
}

// RemoteError is a well-formed error reply that is a genuine failure
// (validation and the like). It is not retried.
type RemoteError struct {
	StatusCode int
	Messages   []string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("marketplace error (status %d): %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// ContractViolationError means a 2xx reply arrived without the isError
// envelope. That is not a normal failure: the marketplace changed shape under
// us, and the condition is escalated as critical/alertable.
type ContractViolationError struct {
	StatusCode int
	Body       string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("marketplace contract violation: status %d response missing isError envelope", e.StatusCode)
}

// TransportError means retries were exhausted on rate-limit/transient
// failures (429, 5xx, connection errors).
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("marketplace unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type limiterKey struct {
	account models.MarketplaceAccount
	class   ResourceClass
}

// Client performs authenticated marketplace calls under per-account,
// per-resource-class token buckets. Callers block (cooperatively) for a
// token; no request is ever rejected for pacing reasons.
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	limiters map[limiterKey]*rate.Limiter
	audit    AuditLogger
	logger   *logrus.Logger
}

// NewClient builds a client. httpClient and audit are injectable; passing nil
// uses a default http.Client / a no-op audit logger.
func NewClient(cfg ClientConfig, httpClient *http.Client, audit AuditLogger, logger *logrus.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if audit == nil {
		audit = nopAuditLogger{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}

	limiters := make(map[limiterKey]*rate.Limiter)
	for account := range cfg.Accounts {
		limiters[limiterKey{account, ResourceClassOrders}] = newLimiter(cfg.OrdersPerSecond)
		limiters[limiterKey{account, ResourceClassDefault}] = newLimiter(cfg.DefaultPerSecond)
	}

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		limiters: limiters,
		audit:    audit,
		logger:   logger,
	}
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *Client) limiter(account models.MarketplaceAccount, class ResourceClass) *rate.Limiter {
	if l, ok := c.limiters[limiterKey{account, class}]; ok {
		return l
	}
	// Unknown class falls into the narrow budget rather than bypassing pacing.
	return c.limiters[limiterKey{account, ResourceClassDefault}]
}

// Do issues one logical marketplace call: waits for a token, sends the
// request, retries transient failures with exponential backoff and jitter
// (honoring Retry-After), and classifies the reply envelope.
func (c *Client) Do(ctx context.Context, account models.MarketplaceAccount, method, path string, body interface{}, class ResourceClass) (*Response, error) {
	creds, ok := c.cfg.Accounts[account]
	if !ok || creds.BaseURL == "" {
		return nil, fmt.Errorf("no credentials configured for account %s", account)
	}

	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = b
	}

	endpoint := creds.BaseURL + "/" + strings.TrimLeft(path, "/")
	limiter := c.limiter(account, class)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, retryable, err := c.attempt(ctx, account, creds, method, endpoint, reqBody, attempt)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		if attempt == c.cfg.MaxAttempts {
			break
		}
		delay := c.backoff(attempt, retryAfterOf(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &TransportError{Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

// retryableStatusError carries the Retry-After hint alongside the status.
type retryableStatusError struct {
	status     int
	retryAfter time.Duration
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("marketplace returned status %d", e.status)
}

func retryAfterOf(err error) time.Duration {
	var rs *retryableStatusError
	if errors.As(err, &rs) {
		return rs.retryAfter
	}
	return 0
}

func (c *Client) attempt(ctx context.Context, account models.MarketplaceAccount, creds AccountCredentials, method, endpoint string, reqBody []byte, attempt int) (resp *Response, retryable bool, err error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, false, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.http.Do(req)
	duration := time.Since(start)

	entry := AuditEntry{
		Account:     account,
		Method:      method,
		Url:         endpoint,
		Attempt:     attempt,
		Duration:    duration,
		RequestBody: string(reqBody),
	}

	if err != nil {
		entry.TransportErr = err.Error()
		c.audit.LogCall(ctx, entry)
		return nil, true, err
	}
	defer httpResp.Body.Close()

	respBody, readErr := io.ReadAll(httpResp.Body)
	entry.StatusCode = httpResp.StatusCode
	entry.ResponseBody = string(respBody)
	if readErr != nil {
		entry.TransportErr = readErr.Error()
		c.audit.LogCall(ctx, entry)
		return nil, true, readErr
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		c.audit.LogCall(ctx, entry)
		return nil, true, &retryableStatusError{
			status:     httpResp.StatusCode,
			retryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
		}
	}

	var envelope apiEnvelope
	decodeErr := json.Unmarshal(respBody, &envelope)
	if decodeErr != nil || envelope.IsError == nil {
		// A reply without the isError envelope means the marketplace silently
		// changed its contract. Escalate loudly; do not retry a call whose
		// server-side effect is unknown.
		c.audit.LogCall(ctx, entry)
		violation := &ContractViolationError{StatusCode: httpResp.StatusCode, Body: truncateBody(string(respBody), 512)}
		c.logger.WithFields(logrus.Fields{
			"module":   "emagsync",
			"funcName": "Do",
			"account":  account,
			"url":      endpoint,
			"status":   httpResp.StatusCode,
			"alert":    true,
		}).Error(violation.Error())
		return nil, false, violation
	}

	messages := envelope.messageTexts()

	if *envelope.IsError {
		if c.isDocumentationError(messages) {
			// The mutation was applied remotely despite the error envelope.
			// Retrying would duplicate it; report success with the annotation.
			entry.DocError = true
			c.audit.LogCall(ctx, entry)
			return &Response{
				StatusCode:         httpResp.StatusCode,
				Results:            envelope.Results,
				Messages:           messages,
				DocumentationError: true,
			}, false, nil
		}
		c.audit.LogCall(ctx, entry)
		return nil, false, &RemoteError{StatusCode: httpResp.StatusCode, Messages: messages}
	}

	c.audit.LogCall(ctx, entry)
	return &Response{
		StatusCode: httpResp.StatusCode,
		Results:    envelope.Results,
		Messages:   messages,
	}, false, nil
}

// isDocumentationError reports whether every message matches one of the
// configured documentation-error patterns. An empty pattern set classifies
// nothing: patterns are operational configuration, not code.
func (c *Client) isDocumentationError(messages []string) bool {
	if len(c.cfg.DocErrorPatterns) == 0 || len(messages) == 0 {
		return false
	}
	for _, msg := range messages {
		matched := false
		for _, pattern := range c.cfg.DocErrorPatterns {
			if strings.Contains(strings.ToLower(msg), strings.ToLower(pattern)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := c.cfg.BackoffBase * time.Duration(1<<(attempt-1))
	// full jitter up to half the step
	delay += time.Duration(rand.Int63n(int64(c.cfg.BackoffBase)/2 + 1))
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

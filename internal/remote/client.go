package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrDuplicate = errors.New("duplicate effect")

// DuplicateError is the conflict signal: the remote service reports that the
// intended effect already happened (idempotency-key replay, double join,
// already-processed payout).
type DuplicateError struct {
	Message string
}

func (e *DuplicateError) Error() string {
	if e.Message == "" {
		return "duplicate effect"
	}
	return e.Message
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

var duplicatePhrases = []string{
	"duplicate",
	"already exists",
	"already a member",
	"already processed",
}

func looksDuplicate(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range duplicatePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// IsDuplicate reports whether err is the remote's conflict signal, either a
// typed DuplicateError or an error body phrased as one.
func IsDuplicate(err error) bool {
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return looksDuplicate(apiErr.Message)
	}
	return false
}

// IsPermanent reports whether err is a business-rule or validation rejection
// that retrying cannot fix.
func IsPermanent(err error) bool {
	if IsDuplicate(err) {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusConflict, http.StatusTooManyRequests, http.StatusRequestTimeout:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// MutationCall carries one queued action to its remote endpoint. The
// idempotency key is the action id; LoggedAt is the action's original
// creation time, so a redelivered mutation whose first acknowledgment was
// lost is recognized server-side as a duplicate rather than double-applied.
type MutationCall struct {
	Kind           string
	Payload        json.RawMessage
	IdempotencyKey string
	LoggedAt       time.Time
}

// API is everything the sync engine needs from the remote service: one
// idempotent mutation endpoint per action kind and bulk reads of the
// collections the client renders.
type API interface {
	Mutate(ctx context.Context, call MutationCall) error
	Fetch(ctx context.Context, resource string) (json.RawMessage, error)
}

type endpoint struct {
	method string
	path   string
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	mutations  map[string]endpoint
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		mutations: map[string]endpoint{
			"contribution":   {http.MethodPost, "/v1/contributions"},
			"group-join":     {http.MethodPost, "/v1/memberships"},
			"payout-request": {http.MethodPost, "/v1/payouts"},
			"profile-update": {http.MethodPut, "/v1/profile"},
		},
	}
}

// RegisterMutation maps an additional action kind onto a remote endpoint.
// New kinds need no engine changes, only a route.
func (c *Client) RegisterMutation(kind, method, path string) {
	c.mutations[kind] = endpoint{method: method, path: path}
}

func (c *Client) Mutate(ctx context.Context, call MutationCall) error {
	ep, ok := c.mutations[call.Kind]
	if !ok {
		return &APIError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("no endpoint for kind %s", call.Kind)}
	}
	headers := map[string]string{
		"Idempotency-Key": call.IdempotencyKey,
		"X-Logged-At":     call.LoggedAt.UTC().Format(time.RFC3339Nano),
	}
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.doJSON(ctx, ep.method, ep.path, headers, call.Payload, &out); err != nil {
		return err
	}
	// A 2xx with no error field is a success even if the body carries no
	// success flag.
	if out.Success || out.Error == "" {
		return nil
	}
	if looksDuplicate(out.Error) {
		return &DuplicateError{Message: out.Error}
	}
	return &APIError{StatusCode: http.StatusUnprocessableEntity, Message: out.Error}
}

func (c *Client) Fetch(ctx context.Context, resource string) (json.RawMessage, error) {
	resource = strings.TrimPrefix(strings.TrimSpace(resource), "/")
	if resource == "" {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Message: "empty resource"}
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/"+resource, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body json.RawMessage,
	out any,
) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		if resp.StatusCode == http.StatusConflict || looksDuplicate(message) {
			return &DuplicateError{Message: message}
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

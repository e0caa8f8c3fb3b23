// Package directory provides the authenticated HTTP client for the external
// user directory, including token acquisition, client-side rate limiting and
// uniform error classification.
package directory

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

	"golang.org/x/time/rate"

	"github.com/hris-platform/identity-sync/internal/config"
)

const userAgent = "identity-syncd/1.0"

// maxErrorBodySize bounds how much of an error response body is read
const maxErrorBodySize = 64 * 1024

// ErrRemoteNotFound is returned by FindByEmail when no directory object
// matches the email.
var ErrRemoteNotFound = errors.New("no directory object found for email")

// Client exposes the user lifecycle operations of the directory API
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/hris-platform/identity-sync/internal/directory Client
type Client interface {
	// CreateUser creates a directory user and returns the server-assigned
	// remote object id
	CreateUser(ctx context.Context, payload *UserPayload) (string, error)

	// UpdateUser patches the directory user identified by remoteID
	UpdateUser(ctx context.Context, remoteID string, payload *UserPayload) error

	// DisableUser clears accountEnabled on the directory user
	DisableUser(ctx context.Context, remoteID string) error

	// DeleteUser removes the directory user (hard delete)
	DeleteUser(ctx context.Context, remoteID string) error

	// FindByEmail resolves an email to a remote object id, returning
	// ErrRemoteNotFound when no object matches
	FindByEmail(ctx context.Context, email string) (string, error)

	// GetOrganization fetches the tenant organization display name; used as
	// the connection test
	GetOrganization(ctx context.Context) (string, error)
}

// defaultClient is the default implementation of Client
type defaultClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	limiter    *rate.Limiter
	timeout    time.Duration
}

// NewClient creates a directory client. The rate limiter is shared across all
// callers of this client to avoid self-inflicted 429 storms during bulk
// operations.
func NewClient(cfg *config.DirectoryConfig, tokens TokenProvider) Client {
	return &defaultClient{
		baseURL:    cfg.GetBaseURL(),
		httpClient: &http.Client{},
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(cfg.GetRateLimit()), cfg.GetRateBurst()),
		timeout:    cfg.GetRequestTimeout(),
	}
}

func (c *defaultClient) CreateUser(ctx context.Context, payload *UserPayload) (string, error) {
	var resp createUserResponse
	if err := c.doJSON(ctx, http.MethodPost, "/users", payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &Error{
			Class:   ClassUnclassified,
			Message: "directory returned a created user without an id",
		}
	}
	return resp.ID, nil
}

func (c *defaultClient) UpdateUser(ctx context.Context, remoteID string, payload *UserPayload) error {
	return c.doJSON(ctx, http.MethodPatch, "/users/"+url.PathEscape(remoteID), payload, nil)
}

func (c *defaultClient) DisableUser(ctx context.Context, remoteID string) error {
	body := map[string]bool{"accountEnabled": false}
	return c.doJSON(ctx, http.MethodPatch, "/users/"+url.PathEscape(remoteID), body, nil)
}

func (c *defaultClient) DeleteUser(ctx context.Context, remoteID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/users/"+url.PathEscape(remoteID), nil, nil)
}

func (c *defaultClient) FindByEmail(ctx context.Context, email string) (string, error) {
	// Single quotes in OData literals are escaped by doubling them
	filter := fmt.Sprintf("userPrincipalName eq '%s'", strings.ReplaceAll(email, "'", "''"))
	path := "/users?$filter=" + url.QueryEscape(filter)

	var resp findUsersResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Value) == 0 {
		return "", ErrRemoteNotFound
	}
	return resp.Value[0].ID, nil
}

func (c *defaultClient) GetOrganization(ctx context.Context) (string, error) {
	var resp organizationResponse
	if err := c.doJSON(ctx, http.MethodGet, "/organization", nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Value) == 0 {
		return "", nil
	}
	return resp.Value[0].DisplayName, nil
}

// doJSON performs one rate-limited, authenticated request and decodes the
// response into out when non-nil. A 401/403 response triggers a token refresh
// and a single immediate re-attempt before the auth error is surfaced.
func (c *defaultClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	err := c.doJSONOnce(ctx, method, path, body, out)
	if err == nil || ClassOf(err) != ClassAuth {
		return err
	}
	if errors.Is(err, ErrAuthFailure) {
		// The token endpoint itself rejected the credentials; a refresh
		// cannot help.
		return err
	}

	slog.Debug("Directory rejected token, refreshing and re-attempting", "method", method, "path", path)
	c.tokens.Invalidate()
	return c.doJSONOnce(ctx, method, path, body, out)
}

func (c *defaultClient) doJSONOnce(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Class: ClassTransient, Message: "rate limiter wait aborted", Err: err}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthFailure) {
			return err
		}
		return &Error{Class: ClassTransient, Message: "failed to acquire token", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are expected to resolve on retry
		return &Error{Class: ClassTransient, Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{
				Class:      ClassUnclassified,
				StatusCode: resp.StatusCode,
				Message:    "failed to decode response body",
				Err:        err,
			}
		}
		return nil
	}

	return classifyResponse(resp)
}

// classifyResponse buckets a non-2xx response into exactly one error class
func classifyResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var envelope apiError
	_ = json.Unmarshal(data, &envelope)
	code := envelope.Error.Code
	message := envelope.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(data))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	class := classify(resp.StatusCode, code, message)
	return &Error{
		Class:      class,
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    message,
	}
}

func classify(statusCode int, code, message string) ErrorClass {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusRequestTimeout:
		return ClassTransient
	case http.StatusConflict:
		return ClassConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuth
	case http.StatusNotFound:
		return ClassNotFound
	case http.StatusBadRequest:
		// Duplicate userPrincipalName surfaces as a 400 with an ObjectConflict
		// code or an "already exists" message rather than a 409
		if code == "ObjectConflict" || strings.Contains(message, "already exists") {
			return ClassConflict
		}
		return ClassValidation
	case http.StatusUnprocessableEntity:
		return ClassValidation
	default:
		return ClassUnclassified
	}
}

// Package api is the typed client for the News Integrity auth service HTTP
// endpoints. It decodes responses and maps HTTP statuses onto the error
// taxonomy the session manager acts on; retry and fallback policy live one
// layer down in transport.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"news-integrity/client/internal/session/domain"
	"news-integrity/client/internal/transport"
)

// Sentinel errors surfaced to the session manager. These are normal
// rejections: they never trigger the offline fallback path.
var (
	ErrInvalidCredentials = errors.New("api: incorrect email or password")
	ErrNotFound           = errors.New("api: account not found")
	ErrRefreshRejected    = errors.New("api: refresh token rejected")
)

// ValidationError is a 400 rejection with the service's detail message.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return "api: " + e.Detail }

// StatusError is any other non-success status the taxonomy has no better
// name for.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d: %s", e.Status, e.Detail)
}

// TokenResponse is the service's token grant shape, shared by login,
// register, and refresh.
type TokenResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	TokenType    string         `json:"token_type"`
	User         domain.Profile `json:"user"`
}

// Registration is the sign-up payload.
type Registration struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Role           string `json:"role,omitempty"`
	LocationRegion string `json:"location_region,omitempty"`
}

// Client calls the auth service through the transport retry layer.
type Client struct {
	t *transport.Client
}

// New returns a Client over t.
func New(t *transport.Client) *Client {
	return &Client{t: t}
}

// Login exchanges email/password for tokens and a profile.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	res, err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return nil, err
	}
	if res.Status == http.StatusUnauthorized {
		return nil, ErrInvalidCredentials
	}
	var tr TokenResponse
	if err := decode(res, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Register creates an account and returns its initial token grant.
func (c *Client) Register(ctx context.Context, reg Registration) (*TokenResponse, error) {
	res, err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/register",
		Body:   reg,
	})
	if err != nil {
		return nil, err
	}
	var tr TokenResponse
	if err := decode(res, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	res, err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/refresh",
		Body:   map[string]string{"refresh_token": refreshToken},
	})
	if err != nil {
		return nil, err
	}
	if res.Status == http.StatusUnauthorized {
		return nil, ErrRefreshRejected
	}
	var tr TokenResponse
	if err := decode(res, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Logout notifies the service that the session is ending. Callers treat
// failures as best-effort.
func (c *Client) Logout(ctx context.Context) error {
	res, err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/logout",
		Authed: true,
	})
	if err != nil {
		return err
	}
	return statusOnly(res)
}

// Me fetches the current user's profile.
func (c *Client) Me(ctx context.Context) (*domain.Profile, error) {
	res, err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   "/auth/me",
		Authed: true,
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		User domain.Profile `json:"user"`
	}
	if err := decode(res, &body); err != nil {
		return nil, err
	}
	return &body.User, nil
}

// UpdateProfile applies a partial profile edit remotely and returns the
// updated profile.
func (c *Client) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (*domain.Profile, error) {
	res, err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPut,
		Path:   "/auth/profile",
		Body:   update,
		Authed: true,
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		User domain.Profile `json:"user"`
	}
	if err := decode(res, &body); err != nil {
		return nil, err
	}
	return &body.User, nil
}

// ChangePassword rotates the account password. Remote-only by design: the
// local credential cache is updated by the caller on success.
func (c *Client) ChangePassword(ctx context.Context, current, updated string) error {
	res, err := c.t.Do(ctx, &transport.Request{
		Method: http.MethodPut,
		Path:   "/auth/password",
		Body:   map[string]string{"current_password": current, "new_password": updated},
		Authed: true,
	})
	if err != nil {
		return err
	}
	return statusOnly(res)
}

// decode maps non-2xx statuses to taxonomy errors, then unmarshals the body.
func decode(res *transport.Response, v any) error {
	if err := statusOnly(res); err != nil {
		return err
	}
	if err := json.Unmarshal(res.Body, v); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

func statusOnly(res *transport.Response) error {
	if res.Status >= 200 && res.Status < 300 {
		return nil
	}
	detail := errorDetail(res.Body)
	switch res.Status {
	case http.StatusBadRequest:
		return &ValidationError{Detail: detail}
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &StatusError{Status: res.Status, Detail: detail}
	}
}

func errorDetail(body []byte) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Detail != "" {
		return e.Detail
	}
	return string(body)
}

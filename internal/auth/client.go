package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voicedesk/internal/observe"
)

// OTPRequest is the backend acknowledgement of an OTP request.
type OTPRequest struct {
	RequestID string    `json:"otpRequestId"`
	ExpiresAt time.Time `json:"expiresAt"`
	// DevOTP is only populated by non-production backends.
	DevOTP string `json:"otp,omitempty"`
}

// Session is the result of a successful verification.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Client calls the backend auth endpoints.
type Client struct {
	base    *url.URL
	http    *http.Client
	locale  func() string
	timeout time.Duration
}

// ClientOption is a functional option for [NewClient].
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithLocale sets the x-locale header source.
func WithLocale(fn func() string) ClientOption {
	return func(cl *Client) { cl.locale = fn }
}

// WithTimeout bounds each request. Default 15s.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.timeout = d }
}

// NewClient returns a client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("auth: invalid base url %q", baseURL)
	}
	c := &Client{
		base:    u,
		http:    http.DefaultClient,
		locale:  func() string { return "" },
		timeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// RequestLoginOTP asks the backend to send a login code. It returns
// [ErrSignupRequired] for unknown users.
func (c *Client) RequestLoginOTP(ctx context.Context, nationalID, phone string) (OTPRequest, error) {
	var out OTPRequest
	err := c.post(ctx, "/auth/login/request-otp", map[string]string{
		"nationalId":  nationalID,
		"phoneNumber": phone,
	}, &out)
	if apiErr := (*APIError)(nil); errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return OTPRequest{}, ErrSignupRequired
	}
	return out, err
}

// RequestSignupOTP registers a new user and sends a code.
func (c *Client) RequestSignupOTP(ctx context.Context, nationalID, phone, fullName string) (OTPRequest, error) {
	var out OTPRequest
	err := c.post(ctx, "/auth/signup/request-otp", map[string]string{
		"nationalId":  nationalID,
		"phoneNumber": phone,
		"fullName":    fullName,
	}, &out)
	return out, err
}

// VerifyOTP exchanges a code for a session.
func (c *Client) VerifyOTP(ctx context.Context, phone, otp string) (Session, error) {
	var out Session
	err := c.post(ctx, "/auth/verify-otp", map[string]string{
		"phoneNumber": phone,
		"otp":         otp,
	}, &out)
	if apiErr := (*APIError)(nil); errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return Session{}, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
	}
	if err == nil && out.Token == "" {
		return Session{}, errors.New("auth: verify response has no token")
	}
	return out, err
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	ctx, span := observe.StartSpan(ctx, "auth"+strings.ReplaceAll(path, "/", "."))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if loc := c.locale(); loc != "" {
		req.Header.Set("x-locale", loc)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth: %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("auth: read %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &msg)
		observe.Logger(ctx).Info("auth request rejected", "path", path, "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Message: msg.Message}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("auth: decode %s: %w", path, err)
	}
	return nil
}

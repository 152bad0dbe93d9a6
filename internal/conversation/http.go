package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/resilience"
)

// Transport submits turns to the decision backend.
type Transport interface {
	// SendText submits typed (or auto-submitted) text.
	SendText(ctx context.Context, sessionID, text string) (TurnResult, error)

	// SendVoice uploads the WAV file at uri for transcription and a reply.
	SendVoice(ctx context.Context, sessionID, uri string) (TurnResult, error)

	// SyncAuth informs the backend that the user has authenticated.
	SyncAuth(ctx context.Context, sessionID, token string) (TurnResult, error)
}

// TokenProvider returns the current bearer token, or "" when anonymous.
type TokenProvider func() string

// DefaultTimeout bounds every backend request.
const DefaultTimeout = 15 * time.Second

// maxResponseBytes caps a reply body; replies carry at most one audio clip.
const maxResponseBytes = 16 << 20

// Paths are the backend endpoints, relative to the base URL.
type Paths struct {
	Text     string `yaml:"text"`
	Voice    string `yaml:"voice"`
	AuthSync string `yaml:"auth_sync"`
}

// DefaultPaths returns the standard endpoint layout.
func DefaultPaths() Paths {
	return Paths{Text: "/decision/next", Voice: "/voice/stt", AuthSync: "/voice/auth-sync"}
}

// merge fills empty entries of p from d.
func (p Paths) merge(d Paths) Paths {
	if p.Text == "" {
		p.Text = d.Text
	}
	if p.Voice == "" {
		p.Voice = d.Voice
	}
	if p.AuthSync == "" {
		p.AuthSync = d.AuthSync
	}
	return p
}

// HTTPTransport talks JSON over HTTP to the decision backend.
type HTTPTransport struct {
	base     *url.URL
	paths    Paths
	client   *http.Client
	token    TokenProvider
	locale   func() string
	onUnauth func(context.Context)
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	timeout  time.Duration
}

var _ Transport = (*HTTPTransport)(nil)

// HTTPOption is a functional option for [NewHTTPTransport].
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithTokenProvider attaches "Authorization: Bearer" when fn returns a token.
func WithTokenProvider(fn TokenProvider) HTTPOption {
	return func(t *HTTPTransport) { t.token = fn }
}

// WithLocale sets the x-locale header source.
func WithLocale(fn func() string) HTTPOption {
	return func(t *HTTPTransport) { t.locale = fn }
}

// WithUnauthorizedHandler runs fn after any 401 response.
func WithUnauthorizedHandler(fn func(context.Context)) HTTPOption {
	return func(t *HTTPTransport) { t.onUnauth = fn }
}

// WithCircuitBreaker guards every request with cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) HTTPOption {
	return func(t *HTTPTransport) { t.breaker = cb }
}

// WithPaths overrides endpoint paths. Empty entries keep their default.
func WithPaths(p Paths) HTTPOption {
	return func(t *HTTPTransport) { t.paths = p.merge(t.paths) }
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) HTTPOption {
	return func(t *HTTPTransport) { t.timeout = d }
}

// WithTransportMetrics records backend errors on m.
func WithTransportMetrics(m *observe.Metrics) HTTPOption {
	return func(t *HTTPTransport) { t.metrics = m }
}

// NewHTTPTransport returns a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...HTTPOption) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("conversation: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("conversation: base url %q must be http or https", baseURL)
	}
	t := &HTTPTransport{
		base:    u,
		paths:   DefaultPaths(),
		client:  http.DefaultClient,
		token:   func() string { return "" },
		locale:  func() string { return "" },
		timeout: DefaultTimeout,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// ── Endpoints ────────────────────────────────────────────────────────────────

type textRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
}

type authSyncRequest struct {
	SessionID string `json:"sessionId"`
	AuthToken string `json:"authToken"`
}

// SendText posts to the text path (default /decision/next).
func (t *HTTPTransport) SendText(ctx context.Context, sessionID, text string) (TurnResult, error) {
	body, err := json.Marshal(textRequest{Text: text, SessionID: sessionID})
	if err != nil {
		return TurnResult{}, err
	}
	return t.do(ctx, t.paths.Text, nil, "application/json", body)
}

// SendVoice posts the WAV file to the voice path (default /voice/stt) with
// the session id in the query.
func (t *HTTPTransport) SendVoice(ctx context.Context, sessionID, uri string) (TurnResult, error) {
	path := strings.TrimPrefix(uri, "file://")
	audio, err := os.ReadFile(path)
	if err != nil {
		return TurnResult{}, fmt.Errorf("conversation: read utterance: %w", err)
	}
	q := url.Values{"sessionId": {sessionID}}
	return t.do(ctx, t.paths.Voice, q, "audio/wav", audio)
}

// SyncAuth posts to the auth sync path (default /voice/auth-sync).
func (t *HTTPTransport) SyncAuth(ctx context.Context, sessionID, token string) (TurnResult, error) {
	body, err := json.Marshal(authSyncRequest{SessionID: sessionID, AuthToken: token})
	if err != nil {
		return TurnResult{}, err
	}
	return t.do(ctx, t.paths.AuthSync, nil, "application/json", body)
}

// ── Plumbing ─────────────────────────────────────────────────────────────────

func (t *HTTPTransport) do(ctx context.Context, endpoint string, q url.Values, contentType string, body []byte) (TurnResult, error) {
	ctx, span := observe.StartSpan(ctx, "conversation.http",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("endpoint", endpoint)),
	)
	defer span.End()

	call := func() (TurnResult, error) { return t.roundTrip(ctx, endpoint, q, contentType, body) }
	var (
		res TurnResult
		err error
	)
	if t.breaker != nil {
		res, err = resilience.Do(t.breaker, call)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %w", ErrNetwork, err)
		}
	} else {
		res, err = call()
	}
	if err != nil {
		kind := "network"
		if errors.Is(err, ErrMalformedResponse) {
			kind = "malformed"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		t.metrics.RecordBackendError(ctx, endpoint, kind)
		observe.Logger(ctx).Warn("backend request failed", "endpoint", endpoint, "kind", kind, "err", err)
		return TurnResult{}, err
	}
	return res, nil
}

func (t *HTTPTransport) roundTrip(ctx context.Context, endpoint string, q url.Values, contentType string, body []byte) (TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	u := t.base.JoinPath(endpoint)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return TurnResult{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if loc := t.locale(); loc != "" {
		req.Header.Set("x-locale", loc)
	}
	if tok := t.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if cid := observe.CorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return TurnResult{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TurnResult{}, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if t.onUnauth != nil {
			t.onUnauth(context.WithoutCancel(ctx))
		}
		return TurnResult{}, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TurnResult{}, fmt.Errorf("%w: %s: %s", ErrNetwork, resp.Status, snippet(data))
	}
	return DecodeTurnResult(data)
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

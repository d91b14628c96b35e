package sdm

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
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/bavix/nestbridge/internal/command"
	"github.com/bavix/nestbridge/internal/config"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/metrics"
	"github.com/bavix/nestbridge/internal/token"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 64 << 10
	maxImageBody   = 8 << 20
)

// TokenSource yields the credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (token.Token, error)
}

// APIError is a failed response of the remote API.
type APIError struct {
	Op        string
	Status    int
	Message   string
	Challenge string
	err       error
}

func (e *APIError) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("sdm %s: %v", e.Op, e.err)
	case e.Message != "":
		return fmt.Sprintf("sdm %s: status %d: %s", e.Op, e.Status, e.Message)
	default:
		return fmt.Sprintf("sdm %s: status %d", e.Op, e.Status)
	}
}

func (e *APIError) Unwrap() error { return e.err }

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL           string
	Timeout           time.Duration
	CommandsPerMinute int
	CommandBurst      int
	Transport         http.RoundTripper
	Logger            zerolog.Logger
}

// OptionsFromConfig derives client options from the service config.
func OptionsFromConfig(cfg *config.Config, log zerolog.Logger) ClientOptions {
	return ClientOptions{
		BaseURL:           cfg.APIBaseURL(),
		Timeout:           cfg.API.Timeout,
		CommandsPerMinute: cfg.API.CommandsPerMinute,
		CommandBurst:      cfg.API.CommandBurst,
		Logger:            log,
	}
}

// Client talks to the devices endpoints of one project.
type Client struct {
	mu      sync.RWMutex
	baseURL string

	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ command.Sender = (*Client)(nil)

// NewClient creates a Client. Outbound requests are traced with otelhttp.
func NewClient(tokens TokenSource, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	limit := rate.Inf
	if opts.CommandsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.CommandsPerMinute))
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, max(opts.CommandBurst, 1)),
		log:     opts.Logger,
	}
}

// SetBaseURL points the client at another project.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseURL = strings.TrimRight(u, "/")
}

func (c *Client) base() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.baseURL
}

// ListDevices returns every device of the project.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out ListDevicesResponse
	if err := c.do(ctx, "list_devices", http.MethodGet, c.base()+"/devices", nil, &out); err != nil {
		return nil, err
	}

	return out.Devices, nil
}

// ExecuteCommand runs a device command and returns the raw results.
func (c *Client) ExecuteCommand(ctx context.Context, deviceID, name string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}

	u := c.base() + "/devices/" + url.PathEscape(deviceID) + ":executeCommand"

	var out CommandResponse
	if err := c.do(ctx, "execute_command", http.MethodPost, u, CommandRequest{Command: name, Params: params}, &out); err != nil {
		return nil, err
	}

	return out.Results, nil
}

// Send runs a coalesced command. Sends wait for the outbound rate limiter.
func (c *Client) Send(ctx context.Context, deviceID string, cmd command.Command) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("command rate limit: %w", err)
	}

	_, err := c.ExecuteCommand(ctx, deviceID, cmd.Name, cmd.Params)

	return err
}

// GenerateImage asks for the image of a camera event.
func (c *Client) GenerateImage(ctx context.Context, deviceID, eventID string) (ImageResults, error) {
	raw, err := c.ExecuteCommand(ctx, deviceID, CmdGenerateImage, map[string]any{ParamEventID: eventID})
	if err != nil {
		return ImageResults{}, err
	}

	var res ImageResults
	if err := json.Unmarshal(raw, &res); err != nil {
		return ImageResults{}, fmt.Errorf("decode image results: %w", err)
	}

	return res, nil
}

// FetchImage downloads a generated image. The image token is sent as Basic auth.
func (c *Client) FetchImage(ctx context.Context, img ImageResults) ([]byte, string, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return nil, "", err
	}

	req.Header.Set("Authorization", "Basic "+img.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordAPI("fetch_image", "unavailable", time.Since(start).Seconds())

		return nil, "", &APIError{Op: "fetch_image", err: fmt.Errorf("%w: %w", customerrors.ErrRemoteUnavailable, err)}
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		apiErr := classify("fetch_image", resp)
		metrics.RecordAPI("fetch_image", outcomeOf(apiErr), time.Since(start).Seconds())

		return nil, "", apiErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBody))
	metrics.RecordAPI("fetch_image", outcomeOf(err), time.Since(start).Seconds())

	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, op, method, u string, in, out any) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}

		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}

	scheme := tok.TokenType
	if scheme == "" || strings.EqualFold(scheme, "bearer") {
		scheme = "Bearer"
	}

	req.Header.Set("Authorization", scheme+" "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordAPI(op, "unavailable", time.Since(start).Seconds())
		c.log.Debug().Err(err).Str("op", op).Msg("sdm request failed")

		return &APIError{Op: op, err: fmt.Errorf("%w: %w", customerrors.ErrRemoteUnavailable, err)}
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := classify(op, resp)
		metrics.RecordAPI(op, outcomeOf(apiErr), time.Since(start).Seconds())
		c.log.Debug().Int("status", resp.StatusCode).Str("op", op).Msg("sdm request rejected")

		return apiErr
	}

	metrics.RecordAPI(op, "ok", time.Since(start).Seconds())

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", op, err)
	}

	return nil
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func classify(op string, resp *http.Response) *APIError {
	apiErr := &APIError{Op: op, Status: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		apiErr.Message = eb.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		apiErr.Challenge = resp.Header.Get("WWW-Authenticate")
		if scheme, _, _ := strings.Cut(apiErr.Challenge, " "); scheme == "" || strings.EqualFold(scheme, "bearer") {
			apiErr.err = customerrors.ErrUnauthenticated
		} else {
			apiErr.err = fmt.Errorf("%w: %s", customerrors.ErrUnsupportedChallenge, scheme)
		}
	case resp.StatusCode == http.StatusNotFound:
		apiErr.err = customerrors.ErrDeviceNotFound
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		apiErr.err = customerrors.ErrRemoteUnavailable
	}

	return apiErr
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, customerrors.ErrUnauthenticated), errors.Is(err, customerrors.ErrUnsupportedChallenge):
		return "unauthenticated"
	case errors.Is(err, customerrors.ErrRemoteUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

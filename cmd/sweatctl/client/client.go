package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/rpc/api"
	"github.com/sweatpool/sweatpool/types"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnavailable        = errors.New("unavailable")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrConflict           = errors.New("conflict")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrPaymentRequired    = errors.New("payment required")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// HTTPClient talks to the sweatpool REST API.
type HTTPClient struct {
	baseURL *url.URL
	client  *retryablehttp.Client
}

type newClientOptionFunc func(*retryablehttp.Client)

// WithLogger routes the retry logs of the client to logger.
func WithLogger(logger *zap.Logger) newClientOptionFunc {
	return func(c *retryablehttp.Client) {
		c.Logger = &leveledLogger{logger.Sugar()}
	}
}

// WithRetryMax sets how many times a failed request is retried.
func WithRetryMax(retries int) newClientOptionFunc {
	return func(c *retryablehttp.Client) {
		c.RetryMax = retries
	}
}

// NewHTTPClient returns new instance of HTTPClient connecting to the specified url.
func NewHTTPClient(baseUrl string, opts ...newClientOptionFunc) (*HTTPClient, error) {
	baseURL, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.CheckRetry = checkRetry
	for _, opt := range opts {
		opt(client)
	}

	return &HTTPClient{
		baseURL: baseURL,
		client:  client,
	}, nil
}

// checkRetry retries requests that mutate state only when the server
// was unreachable or reported itself unavailable.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.Request.Method != http.MethodGet && resp.StatusCode != http.StatusServiceUnavailable {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func challengePath(key types.Key, elems ...string) string {
	p, _ := url.JoinPath("/v1/challenges", key.Kind.String(), strconv.FormatUint(key.ID, 10))
	if len(elems) == 0 {
		return p
	}
	p, _ = url.JoinPath(p, elems...)
	return p
}

// Info returns the public key of the pool.
func (c *HTTPClient) Info(ctx context.Context) (*api.Info, error) {
	var resBody api.Info
	if err := c.req(ctx, http.MethodGet, "/v1/info", nil, &resBody); err != nil {
		return nil, fmt.Errorf("getting pool info: %w", err)
	}
	return &resBody, nil
}

// Issue creates a challenge of the given kind.
func (c *HTTPClient) Issue(ctx context.Context, kind types.Kind, request api.IssueRequest) (*api.Challenge, error) {
	var resBody api.Challenge
	if err := c.req(ctx, http.MethodPost, "/v1/challenges/"+kind.String(), &request, &resBody); err != nil {
		return nil, fmt.Errorf("issuing challenge: %w", err)
	}
	return &resBody, nil
}

func (c *HTTPClient) Challenges(ctx context.Context, kind types.Kind) ([]api.Challenge, error) {
	var resBody []api.Challenge
	if err := c.req(ctx, http.MethodGet, "/v1/challenges/"+kind.String(), nil, &resBody); err != nil {
		return nil, fmt.Errorf("listing challenges: %w", err)
	}
	return resBody, nil
}

func (c *HTTPClient) Challenge(ctx context.Context, key types.Key) (*api.ChallengeInfo, error) {
	var resBody api.ChallengeInfo
	if err := c.req(ctx, http.MethodGet, challengePath(key), nil, &resBody); err != nil {
		return nil, fmt.Errorf("getting challenge %s: %w", key, err)
	}
	return &resBody, nil
}

// Join registers an athlete and pays the entry fee.
func (c *HTTPClient) Join(ctx context.Context, key types.Key, request api.JoinRequest) (*api.Registration, error) {
	var resBody api.Registration
	if err := c.req(ctx, http.MethodPost, challengePath(key, "registrations"), &request, &resBody); err != nil {
		return nil, fmt.Errorf("joining challenge %s: %w", key, err)
	}
	return &resBody, nil
}

func (c *HTTPClient) Registration(ctx context.Context, key types.Key, athlete uint64) (*api.Registration, error) {
	var resBody api.Registration
	path := challengePath(key, "athletes", strconv.FormatUint(athlete, 10))
	if err := c.req(ctx, http.MethodGet, path, nil, &resBody); err != nil {
		return nil, fmt.Errorf("getting registration: %w", err)
	}
	return &resBody, nil
}

func (c *HTTPClient) Athletes(ctx context.Context, key types.Key) ([]uint64, error) {
	var resBody api.Athletes
	if err := c.req(ctx, http.MethodGet, challengePath(key, "athletes"), nil, &resBody); err != nil {
		return nil, fmt.Errorf("listing athletes: %w", err)
	}
	return resBody.Athletes, nil
}

func (c *HTTPClient) Winners(ctx context.Context, key types.Key) ([]uint64, error) {
	var resBody api.Athletes
	if err := c.req(ctx, http.MethodGet, challengePath(key, "winners"), nil, &resBody); err != nil {
		return nil, fmt.Errorf("listing winners: %w", err)
	}
	return resBody.Athletes, nil
}

// Succeed reports the athlete's success. signature must be made by the challenge oracle.
func (c *HTTPClient) Succeed(ctx context.Context, key types.Key, athlete uint64, signature []byte) error {
	path := challengePath(key, "athletes", strconv.FormatUint(athlete, 10), "success")
	if err := c.req(ctx, http.MethodPost, path, &api.SignedRequest{Signature: signature}, nil); err != nil {
		return fmt.Errorf("marking athlete %d successful: %w", athlete, err)
	}
	return nil
}

// Settle pays out an expired challenge. signature must be made by the challenge oracle.
func (c *HTTPClient) Settle(ctx context.Context, key types.Key, signature []byte) (*api.Settlement, error) {
	var resBody api.Settlement
	if err := c.req(ctx, http.MethodPost, challengePath(key, "settle"), &api.SignedRequest{Signature: signature}, &resBody); err != nil {
		return nil, fmt.Errorf("settling challenge %s: %w", key, err)
	}
	return &resBody, nil
}

func (c *HTTPClient) Settlement(ctx context.Context, key types.Key) (*api.Settlement, error) {
	var resBody api.Settlement
	if err := c.req(ctx, http.MethodGet, challengePath(key, "settlement"), nil, &resBody); err != nil {
		return nil, fmt.Errorf("getting settlement of %s: %w", key, err)
	}
	return &resBody, nil
}

// WinnerProof fetches the proof that the athlete is among the winners paid by the settlement.
func (c *HTTPClient) WinnerProof(ctx context.Context, key types.Key, athleteID uint64) (*api.WinnerProof, error) {
	var resBody api.WinnerProof
	path := challengePath(key, "winners", strconv.FormatUint(athleteID, 10), "proof")
	if err := c.req(ctx, http.MethodGet, path, nil, &resBody); err != nil {
		return nil, fmt.Errorf("getting winner proof of athlete %d in %s: %w", athleteID, key, err)
	}
	return &resBody, nil
}

func (c *HTTPClient) Balance(ctx context.Context, address string) (uint64, error) {
	var resBody api.Account
	if err := c.req(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address), nil, &resBody); err != nil {
		return 0, fmt.Errorf("getting balance of %s: %w", address, err)
	}
	return resBody.Balance, nil
}

// Deposit credits the account and returns its new balance.
func (c *HTTPClient) Deposit(ctx context.Context, address string, amount uint64) (uint64, error) {
	var resBody api.Account
	path := "/v1/accounts/" + url.PathEscape(address) + "/deposit"
	if err := c.req(ctx, http.MethodPost, path, &api.DepositRequest{Amount: amount}, &resBody); err != nil {
		return 0, fmt.Errorf("depositing to %s: %w", address, err)
	}
	return resBody.Balance, nil
}

// Events returns up to limit notifications following after.
func (c *HTTPClient) Events(ctx context.Context, after uint64, limit int) (*api.Events, error) {
	var resBody api.Events
	path := fmt.Sprintf("/v1/events?after=%d&limit=%d", after, limit)
	if err := c.req(ctx, http.MethodGet, path, nil, &resBody); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return &resBody, nil
}

func (c *HTTPClient) req(ctx context.Context, method, path string, reqBody, resBody any) error {
	var body io.Reader
	if reqBody != nil {
		jsonReqBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(jsonReqBody)
	}

	target, err := c.baseURL.Parse(path)
	if err != nil {
		return fmt.Errorf("building URL: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading response body (%w)", err)
	}

	if res.StatusCode >= 300 {
		var apiErr api.Error
		msg := string(data)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return fmt.Errorf("%w: %s", statusError(res.StatusCode), msg)
	}

	if resBody != nil {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusPaymentRequired:
		return ErrPaymentRequired
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	default:
		return fmt.Errorf("unrecognized status code %d", code)
	}
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	*zap.SugaredLogger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...any) { l.Errorw(msg, keysAndValues...) }
func (l *leveledLogger) Info(msg string, keysAndValues ...any)  { l.Infow(msg, keysAndValues...) }
func (l *leveledLogger) Debug(msg string, keysAndValues ...any) { l.Debugw(msg, keysAndValues...) }
func (l *leveledLogger) Warn(msg string, keysAndValues ...any)  { l.Warnw(msg, keysAndValues...) }

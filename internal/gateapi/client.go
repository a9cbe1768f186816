// Package gateapi talks to the condominium REST backend that drives the
// vehicular gate and the pedestrian door.
package gateapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxResponseBody caps how much of a backend reply is read.  Gate replies
// are a handful of fields.
const maxResponseBody = 64 << 10

// ErrMissingToken is returned before any network call when no bearer token
// is supplied.
var ErrMissingToken = errors.New("bearer token is required")

// RemoteError is a non-2xx reply from the backend.
type RemoteError struct {
	Status int
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

// Options configures a Client.  Zero values pick sensible defaults.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	HTTPClient *http.Client
	Logger     log.FieldLogger
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  log.FieldLogger
}

func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "http://localhost:8000/api"
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := 1
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
		burst = int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		baseURL: base,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (c *Client) OpenGate(ctx context.Context, token string, mode Mode, plate string) (Result, error) {
	var res Result
	err := c.do(ctx, token, http.MethodPost, "/porton/abrir/", gateOpenBody{Mode: mode, Plate: strings.TrimSpace(plate)}, &res)
	return res, err
}

func (c *Client) CloseGate(ctx context.Context, token string, mode Mode) (Result, error) {
	var res Result
	err := c.do(ctx, token, http.MethodPost, "/porton/cerrar/", gateCloseBody{Mode: mode}, &res)
	return res, err
}

func (c *Client) OpenDoor(ctx context.Context, token string) (Result, error) {
	var res Result
	err := c.do(ctx, token, http.MethodPost, "/puerta/abrir/", nil, &res)
	return res, err
}

func (c *Client) CloseDoor(ctx context.Context, token string) (Result, error) {
	var res Result
	err := c.do(ctx, token, http.MethodPost, "/puerta/cerrar/", nil, &res)
	return res, err
}

// Me fetches the profile of the user the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (Profile, error) {
	var p Profile
	err := c.do(ctx, token, http.MethodGet, "/users/me/", nil, &p)
	return p, err
}

func (c *Client) do(ctx context.Context, token, method, path string, body, out interface{}) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait")
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return errors.Wrapf(err, "build %s %s", method, path)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithError(err).WithField("path", path).Warning("Backend request failed")
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errors.Wrapf(err, "read %s response", path)
	}

	c.logger.WithFields(log.Fields{
		"path":   path,
		"status": resp.StatusCode,
		"dur":    time.Since(start),
	}).Debug("Backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RemoteError{Status: resp.StatusCode, Detail: errorDetail(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

// errorDetail pulls the human-readable reason out of an error payload,
// preferring "detail" over "error".
func errorDetail(data []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if d := strings.TrimSpace(payload.Detail); d != "" {
		return d
	}
	return strings.TrimSpace(payload.Error)
}

// Detail returns the backend-provided reason carried by err, if any.
func Detail(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Detail
	}
	return ""
}

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/session"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a liverun server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
	readLimit                int64
}

type Option func(c *Client)

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("liverun_client").Sugar()
	}
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithReadLimit bounds the size of one message from the server.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		c.readLimit = n
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the server at baseURL, e.g. "http://127.0.0.1:8080".
// Plain requests are retried on connection errors and 5xx responses.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		baseURL:      baseURL,
		waitInterval: 100 * time.Millisecond,
		readLimit:    protocol.DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: c.tlsClientConfig,
		},
	}
	retryClient.RetryMax = 5
	retryClient.RetryWaitMin = 10 * time.Millisecond
	retryClient.RetryWaitMax = 500 * time.Millisecond
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(httpResp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(bytes.TrimSpace(b))
		}
		return &StatusError{StatusCode: httpResp.StatusCode, Body: body}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d: %s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) (*protocol.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var h protocol.Health
	if err := c.do(ctx, http.MethodGet, protocol.PathHealth, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Execute runs a program to completion on the server, with all input supplied up front.
func (c *Client) Execute(ctx context.Context, program string, inputs []string) (*session.BatchResult, error) {
	var res session.BatchResult
	err := c.do(ctx, http.MethodPost, protocol.PathExecute, protocol.BatchRequest{Code: program, Inputs: inputs}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// History returns the most recent finished sessions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]session.Record, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var recs []session.Record
	if err := c.do(ctx, http.MethodGet, protocol.PathHistory+"?"+q.Encode(), nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// WaitForServer polls the health endpoint until it answers or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

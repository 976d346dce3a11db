// Package remote talks to an HTTP snapshot service and exposes it as a
// snapshot delegate.
//
// Endpoints:
//
//	GET    /snapshots/{id}
//	POST   /snapshots
//	PUT    /snapshots/{id}
//	DELETE /snapshots/{id}
//	POST   /snapshots/import
//	GET    /stores/{id}/config
//
// A 404 on GET is a miss and a 501 reports an unsupported capability, so the
// delegate walker moves on to the next provider.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/internal/hydrate"
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Body == "" {
		return fmt.Sprintf("remote: %s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("remote: %s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// retryable reports whether the request can be sent again. 429 means the
// server did not process it; other server errors only retry methods that are
// safe to replay.
func (e *StatusError) retryable() bool {
	if e.Code == http.StatusTooManyRequests {
		return true
	}
	return replayable(e.Method) && e.Code >= 500 && e.Code != http.StatusNotImplemented
}

// replayable reports whether method may be repeated after a failure whose
// outcome on the server is unknown. POST creates and imports are not.
func replayable(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// Provider is an HTTP backed snapshot delegate.
type Provider[T any, M any] struct {
	snapshot.UnimplementedProvider[T, M]

	base     *url.URL
	client   *http.Client
	headers  http.Header
	retries  uint64
	initial  time.Duration
	maxDelay time.Duration
	logger   *zap.SugaredLogger
	decoder  *hydrate.Decoder[snapshot.Snapshot[T, M]]
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	client   *http.Client
	headers  http.Header
	retries  uint64
	initial  time.Duration
	maxDelay time.Duration
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

// WithHTTPClient supplies the client. Its transport is wrapped for tracing.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.client = client
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		o.headers.Add(key, value)
	}
}

// WithBearerToken sets the Authorization header.
func WithBearerToken(token string) Option {
	return func(o *options) {
		o.headers.Set("Authorization", "Bearer "+token)
	}
}

// WithRetries sets how many times a retryable failure is retried.
func WithRetries(n uint64) Option {
	return func(o *options) {
		o.retries = n
	}
}

// WithBackoff sets the initial and maximum retry delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.initial = initial
		}
		if max > 0 {
			o.maxDelay = max
		}
	}
}

// WithTimeout sets the client timeout when no client is supplied.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger for retries and failures.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New returns a provider for the service at baseURL.
func New[T any, M any](baseURL string, opts ...Option) (*Provider[T, M], error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}

	cfg := options{
		headers:  http.Header{},
		retries:  3,
		initial:  100 * time.Millisecond,
		maxDelay: 2 * time.Second,
		timeout:  10 * time.Second,
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	if _, traced := client.Transport.(*otelhttp.Transport); !traced {
		transport := client.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		client.Transport = otelhttp.NewTransport(transport)
	}

	return &Provider[T, M]{
		base:     base,
		client:   client,
		headers:  cfg.headers,
		retries:  cfg.retries,
		initial:  cfg.initial,
		maxDelay: cfg.maxDelay,
		logger:   cfg.logger,
		decoder:  hydrate.NewDecoder(hydrate.WithPreHook[snapshot.Snapshot[T, M]](normalizeKeys)),
	}, nil
}

// HTTPClient returns the client used for requests.
func (p *Provider[T, M]) HTTPClient() *http.Client {
	return p.client
}

// Delegate wraps p as a KindRemote delegate.
func (p *Provider[T, M]) Delegate(name string) snapshot.Delegate[T, M] {
	return snapshot.Delegate[T, M]{Kind: snapshot.KindRemote, Name: name, Provider: p}
}

func (p *Provider[T, M]) GetSnapshot(ctx context.Context, id string) (snapshot.Snapshot[T, M], bool, error) {
	raw, err := p.do(ctx, http.MethodGet, "snapshots/"+url.PathEscape(id), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return snapshot.Snapshot[T, M]{}, false, nil
		}
		return snapshot.Snapshot[T, M]{}, false, err
	}
	snap, err := p.decodeSnapshot(id, raw)
	if err != nil {
		return snapshot.Snapshot[T, M]{}, false, err
	}
	return snap, true, nil
}

type createRequest[T any, M any] struct {
	ID       string `json:"id,omitempty"`
	Category string `json:"category,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Data     T      `json:"data"`
	Metadata M      `json:"metadata"`
}

func (p *Provider[T, M]) CreateSnapshot(ctx context.Context, input snapshot.CreateInput[T, M]) (snapshot.Snapshot[T, M], error) {
	raw, err := p.do(ctx, http.MethodPost, "snapshots", createRequest[T, M]{
		ID:       input.ID,
		Category: input.Category,
		ParentID: input.ParentID,
		Data:     input.Data,
		Metadata: input.Metadata,
	})
	if err != nil {
		if isStatus(err, http.StatusConflict) {
			return snapshot.Snapshot[T, M]{}, &snapshot.ValidationError{ID: input.ID, Field: "id", Err: snapshot.ErrDuplicateSnapshot}
		}
		return snapshot.Snapshot[T, M]{}, err
	}
	return p.decodeSnapshot(input.ID, raw)
}

type updateRequest[T any] struct {
	Data T `json:"data"`
}

func (p *Provider[T, M]) UpdateSnapshot(ctx context.Context, id string, patch T) (snapshot.Snapshot[T, M], error) {
	raw, err := p.do(ctx, http.MethodPut, "snapshots/"+url.PathEscape(id), updateRequest[T]{Data: patch})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return snapshot.Snapshot[T, M]{}, &snapshot.NotFoundError{Kind: "snapshot", ID: id}
		}
		return snapshot.Snapshot[T, M]{}, err
	}
	return p.decodeSnapshot(id, raw)
}

// RemoveSnapshot treats 404 as already removed.
func (p *Provider[T, M]) RemoveSnapshot(ctx context.Context, id string) error {
	_, err := p.do(ctx, http.MethodDelete, "snapshots/"+url.PathEscape(id), nil)
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	return nil
}

type importRequest[T any, M any] struct {
	Snapshots []snapshot.Snapshot[T, M] `json:"snapshots"`
}

type importResponse struct {
	Succeeded []map[string]any `json:"succeeded"`
	Failed    []struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	} `json:"failed"`
}

func (p *Provider[T, M]) ImportSnapshots(ctx context.Context, snaps []snapshot.Snapshot[T, M]) (snapshot.BatchResult[T, M], error) {
	raw, err := p.do(ctx, http.MethodPost, "snapshots/import", importRequest[T, M]{Snapshots: snaps})
	if err != nil {
		return snapshot.BatchResult[T, M]{}, err
	}
	var resp importResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return snapshot.BatchResult[T, M]{}, fmt.Errorf("remote: decode import response: %w", err)
	}
	var result snapshot.BatchResult[T, M]
	for _, item := range resp.Succeeded {
		snap, err := p.decoder.Decode(hydrate.Context{Source: "remote", ID: fmt.Sprint(item["id"])}, item)
		if err != nil {
			return snapshot.BatchResult[T, M]{}, err
		}
		result.Succeeded = append(result.Succeeded, snap)
	}
	for _, failure := range resp.Failed {
		result.Failed = append(result.Failed, snapshot.BatchFailure{ID: failure.ID, Err: errors.New(failure.Error)})
	}
	return result, nil
}

// StoreConfig is the server-side configuration of a named store.
type StoreConfig struct {
	Name             string `json:"name"`
	HistoryLimit     int    `json:"historyLimit"`
	EventLogLimit    int    `json:"eventLogLimit"`
	BatchConcurrency int    `json:"batchConcurrency"`
	DuplicatePolicy  string `json:"duplicatePolicy"`
	WriteThrough     bool   `json:"writeThrough"`
}

// Options maps the configuration onto store options.
func (c StoreConfig) Options() []snapshot.Option {
	opts := []snapshot.Option{snapshot.WithWriteThrough(c.WriteThrough)}
	if c.Name != "" {
		opts = append(opts, snapshot.WithName(c.Name))
	}
	if c.HistoryLimit > 0 {
		opts = append(opts, snapshot.WithHistoryLimit(c.HistoryLimit))
	}
	if c.EventLogLimit > 0 {
		opts = append(opts, snapshot.WithEventLogLimit(c.EventLogLimit))
	}
	if c.BatchConcurrency > 0 {
		opts = append(opts, snapshot.WithBatchConcurrency(c.BatchConcurrency))
	}
	if strings.EqualFold(c.DuplicatePolicy, "overwrite") {
		opts = append(opts, snapshot.WithDuplicatePolicy(snapshot.DuplicateOverwrite))
	}
	return opts
}

// FetchStoreConfig loads the configuration for storeID.
func (p *Provider[T, M]) FetchStoreConfig(ctx context.Context, storeID string) (StoreConfig, error) {
	raw, err := p.do(ctx, http.MethodGet, "stores/"+url.PathEscape(storeID)+"/config", nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return StoreConfig{}, &snapshot.NotFoundError{Kind: "store", ID: storeID}
		}
		return StoreConfig{}, err
	}
	var cfg StoreConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return StoreConfig{}, fmt.Errorf("remote: decode store config: %w", err)
	}
	return cfg, nil
}

func (p *Provider[T, M]) decodeSnapshot(id string, raw []byte) (snapshot.Snapshot[T, M], error) {
	snap, err := p.decoder.DecodeBytes(hydrate.Context{Source: "remote", ID: id}, raw)
	if err != nil {
		return snapshot.Snapshot[T, M]{}, &snapshot.SerializationError{Op: "decode response", ID: id, Err: err}
	}
	return snap, nil
}

// do runs one request and returns the response body. Throttling is retried
// for every method; server and transport failures only for replayable ones.
func (p *Provider[T, M]) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode %s %s: %w", method, path, err)
		}
		payload = encoded
	}
	target := p.base.JoinPath(path).String()

	var out []byte
	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		for key, values := range p.headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !replayable(method) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotImplemented {
			return backoff.Permanent(fmt.Errorf("remote: %s %s: %w", method, target, snapshot.ErrNotImplemented))
		}
		if resp.StatusCode >= 300 {
			statusErr := &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if statusErr.retryable() {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		out = data
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.initial
	policy.MaxInterval = p.maxDelay
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, p.retries), ctx)

	err := backoff.RetryNotify(operation, retry, func(err error, wait time.Duration) {
		p.logger.Debugw("remote request retry", "method", method, "url", target, "wait", wait, "error", err)
	})
	if err != nil {
		p.logger.Debugw("remote request failed", "method", method, "url", target, "error", err)
		return nil, err
	}
	return out, nil
}

func isStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == code
}

var legacyKeys = map[string]string{
	"parent_id":  "parentId",
	"child_ids":  "childIds",
	"created_at": "timestamp",
}

// normalizeKeys accepts snake_case envelopes from older services.
func normalizeKeys(_ hydrate.Context, payload map[string]any) (map[string]any, error) {
	for legacy, key := range legacyKeys {
		value, ok := payload[legacy]
		if !ok {
			continue
		}
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
		delete(payload, legacy)
	}
	return payload, nil
}

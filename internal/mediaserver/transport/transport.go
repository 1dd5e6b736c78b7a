// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package transport is the shared HTTP layer under the upstream API clients.
//
// It applies the connection timeout, routes every request through a
// per-server circuit breaker, and normalizes failures: a transport error or
// an HTTP status >= 400 is logged at warning with the operation name and a
// body snippet, then surfaced to the caller. Nothing is retried here;
// callers treat a failed operation as "skip this cycle".
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/metrics"
)

// connectTimeout bounds connection establishment only. Total request
// deadlines come from the caller's context.
const connectTimeout = 5 * time.Second

// maxErrorBody caps how much of an error response body is read.
const maxErrorBody = 64 * 1024

// errSnippetLen caps the body snippet attached to warning logs.
const errSnippetLen = 256

// Param is one query parameter. Params preserve insertion order so request
// URLs are deterministic.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of query parameters.
type Params []Param

// Encode renders the parameters as a query string. Values are
// percent-encoded per the RFC 3986 unreserved set.
func (p Params) Encode() string {
	var b strings.Builder
	for i, param := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(param.Key)
		b.WriteByte('=')
		b.WriteString(PercentEncode(param.Value))
	}
	return b.String()
}

const hexUpper = "0123456789ABCDEF"

// PercentEncode percent-encodes every byte outside the RFC 3986 unreserved
// set (A-Z, a-z, 0-9, '-', '_', '.', '~'). Encoding an already-safe string
// is the identity.
func PercentEncode(src string) string {
	needed := false
	for i := 0; i < len(src); i++ {
		if !unreservedByte(src[i]) {
			needed = true
			break
		}
	}
	if !needed {
		return src
	}

	var b strings.Builder
	b.Grow(len(src) * 3)
	for i := 0; i < len(src); i++ {
		c := src[i]
		if unreservedByte(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(hexUpper[c>>4])
			b.WriteByte(hexUpper[c&0x0F])
		}
	}
	return b.String()
}

func unreservedByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

// CommaList joins ids into the comma-separated form the upstream APIs take.
func CommaList(ids []string) string {
	return strings.Join(ids, ",")
}

// Client executes requests against one upstream server.
type Client struct {
	server string
	base   string
	http   *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	log    zerolog.Logger
}

// New creates a transport client for one server. The server name labels
// logs, metrics, and the circuit breaker.
func New(server, baseURL string) *Client {
	return &Client{
		server: server,
		base:   strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		cb:  newBreaker(server),
		log: logging.With().Str("server", server).Logger(),
	}
}

// newBreaker creates the per-server circuit breaker: opens after a 60%
// failure rate over at least 10 requests in a 1 minute window, probes again
// after 2 minutes with up to 3 half-open requests.
func newBreaker(server string) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        server,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("server", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Upstream circuit breaker state change")
			metrics.BreakerStateChanges.WithLabelValues(name, to.String()).Inc()
		},
	})
}

// URL builds a request URL under the server base.
func (c *Client) URL(path string, params Params) string {
	if len(params) == 0 {
		return c.base + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return c.base + path + sep + params.Encode()
}

// Get issues a GET and returns the response body.
func (c *Client) Get(ctx context.Context, op, reqURL string, headers map[string]string) ([]byte, error) {
	return c.do(ctx, op, http.MethodGet, reqURL, headers, nil)
}

// Post issues a POST with an optional body and returns the response body.
func (c *Client) Post(ctx context.Context, op, reqURL string, headers map[string]string, payload []byte) ([]byte, error) {
	return c.do(ctx, op, http.MethodPost, reqURL, headers, payload)
}

func (c *Client) do(ctx context.Context, op, method, reqURL string, headers map[string]string, payload []byte) ([]byte, error) {
	body, err := c.cb.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= http.StatusBadRequest {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(snippet), errSnippetLen))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return data, nil
	})
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(c.server, op).Inc()
		c.log.Warn().Str("operation", op).Err(err).Msg("Upstream request failed")
		return nil, err
	}
	return body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

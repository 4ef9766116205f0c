// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RemoteSink posts a run to an HTTP tracking service, as JSON:
//
//	POST <endpoint>/runs/<id>          Metadata
//	POST <endpoint>/runs/<id>/config   the full configuration
//	POST <endpoint>/runs/<id>/history  one Row
//	POST <endpoint>/runs/<id>/summary  the summary
//
// Requests carry "Authorization: Bearer <apiKey>" if an API key is given.
// Network errors, 429 and 5xx responses are retried with exponential backoff; other 4xx responses fail immediately.
type RemoteSink struct {
	endpoint        string
	apiKey          string
	client          *http.Client
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration

	runURL string
}

var _ Sink = (*RemoteSink)(nil)

// NewRemoteSink creates a sink that posts to the tracking service at endpoint.
func NewRemoteSink(endpoint, apiKey string) *RemoteSink {
	return &RemoteSink{
		endpoint:        strings.TrimSuffix(endpoint, "/"),
		apiKey:          apiKey,
		client:          &http.Client{Timeout: 30 * time.Second},
		maxRetries:      5,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
	}
}

// WithClient sets the HTTP client used. It returns itself.
func (s *RemoteSink) WithClient(client *http.Client) *RemoteSink {
	s.client = client
	return s
}

// WithRetries configures the number of retries and the exponential backoff intervals. It returns itself.
func (s *RemoteSink) WithRetries(maxRetries uint64, initialInterval, maxInterval time.Duration) *RemoteSink {
	s.maxRetries = maxRetries
	s.initialInterval = initialInterval
	s.maxInterval = maxInterval
	return s
}

// Open implements Sink.
func (s *RemoteSink) Open(meta Metadata) error {
	if s.endpoint == "" {
		return errors.New("RemoteSink requires an endpoint")
	}
	s.runURL = s.endpoint + "/runs/" + meta.ID
	return s.post(s.runURL, meta)
}

// Config implements Sink.
func (s *RemoteSink) Config(config map[string]any) error {
	return s.post(s.runURL+"/config", config)
}

// History implements Sink.
func (s *RemoteSink) History(row Row) error {
	return s.post(s.runURL+"/history", row)
}

// Summary implements Sink.
func (s *RemoteSink) Summary(summary map[string]any) error {
	return s.post(s.runURL+"/summary", summary)
}

// Close implements Sink.
func (s *RemoteSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RemoteSink) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxInterval = s.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, s.maxRetries)
}

func (s *RemoteSink) post(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encoding payload for %q", url)
	}
	op := func() error {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "creating request to %q", url))
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "posting to %q", url)
		}
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return errors.Errorf("posting to %q: %s: %s", url, resp.Status, bytes.TrimSpace(msg))
		case resp.StatusCode >= 400:
			return backoff.Permanent(errors.Errorf("posting to %q: %s: %s", url, resp.Status, bytes.TrimSpace(msg)))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		klog.Warningf("tracking: %v, retrying in %s", err, wait)
	}
	return backoff.RetryNotify(op, s.newBackOff(), notify)
}

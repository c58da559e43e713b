// Package qido is a QIDO-RS client for the imaging archive the catalog is
// imported from.
package qido

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pacs-server/internal/apperr"
	"pacs-server/internal/dicomweb"
)

var (
	mon = monkit.Package()

	// Error is the error class for archive queries.
	Error = errs.Class("qido")
)

type Client struct {
	log        *zap.Logger
	baseURL    string
	token      string
	httpClient *http.Client
	backoffs   []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBackoffs replaces the delays between retries.
func WithBackoffs(backoffs ...time.Duration) Option {
	return func(c *Client) { c.backoffs = backoffs }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func NewClient(log *zap.Logger, baseURL, token string, opts ...Option) *Client {
	c := &Client{
		log:     log,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		backoffs: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchStudies returns the studies matching studyUID.
func (c *Client) SearchStudies(ctx context.Context, studyUID string) (_ []dicomweb.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)
	return c.search(ctx, "/studies", url.Values{"StudyInstanceUID": {studyUID}})
}

// SearchSeries returns all series of a study.
func (c *Client) SearchSeries(ctx context.Context, studyUID string) (_ []dicomweb.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)
	return c.search(ctx, "/studies/"+url.PathEscape(studyUID)+"/series", nil)
}

// SearchInstances returns all instances of a series.
func (c *Client) SearchInstances(ctx context.Context, studyUID, seriesUID string) (_ []dicomweb.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)
	return c.search(ctx, "/studies/"+url.PathEscape(studyUID)+"/series/"+url.PathEscape(seriesUID)+"/instances", nil)
}

func (c *Client) search(ctx context.Context, path string, query url.Values) ([]dicomweb.Dataset, error) {
	var result []dicomweb.Dataset
	err := c.RetryWithBackoff(ctx, func() error {
		var err error
		result, err = c.get(ctx, path, query)
		return err
	}, len(c.backoffs)+1)
	return result, err
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]dicomweb.Dataset, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, Error.New("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/dicom+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Error.Wrap(apperr.FromContext(err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound:
		return nil, apperr.NotFound.New("%s not found in archive", path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, Error.New("query %s: status %d, body: %s", path, resp.StatusCode, string(body))
	}

	var datasets []dicomweb.Dataset
	if err := json.NewDecoder(resp.Body).Decode(&datasets); err != nil {
		return nil, Error.New("failed to decode response: %v", err)
	}
	return datasets, nil
}

// RetryWithBackoff executes fn until it succeeds, the attempts run out, the
// error is permanent or ctx is done.
func (c *Client) RetryWithBackoff(ctx context.Context, fn func() error, maxRetries int) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if apperr.NotFound.Has(err) {
			return err
		}

		lastErr = err
		if i == maxRetries-1 || i >= len(c.backoffs) {
			continue
		}
		c.log.Debug("retrying archive query", zap.Int("attempt", i+1), zap.Error(err))

		timer := time.NewTimer(c.backoffs[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperr.FromContext(ctx.Err())
		case <-timer.C:
		}
	}

	return Error.Wrap(fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr))
}

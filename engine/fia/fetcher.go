package fia

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/compound-finder/pkg/fn"
)

// fetchAttempts is the first request plus three retries.
const fetchAttempts = 4

// Document is a downloaded file and the response it came from.
type Document struct {
	URL        string
	StatusCode int
	Body       []byte
	Attempts   int
}

// OK reports whether the final response was a 2xx.
func (d Document) OK() bool { return d.StatusCode >= 200 && d.StatusCode <= 299 }

// FetchDocument downloads rawURL, retrying non-success responses and transport
// errors up to three more times. When every attempt got a response, the last
// one is returned without error even if it is not a 2xx; callers check OK.
// An error is returned only if the final attempt produced no response.
func (c *Client) FetchDocument(ctx context.Context, rawURL string) (Document, error) {
	var (
		last     Document
		attempts int
	)

	opts := fn.RetryOpts{
		MaxAttempts: fetchAttempts,
		InitialWait: c.cfg.RetryWait,
		MaxWait:     c.cfg.RetryMaxWait,
		Jitter:      true,
		OnRetry: func(attempt int, err error) {
			c.mRetries.Inc()
			c.log.Warn("fia: retrying document", "url", rawURL, "attempt", attempt, "error", err)
		},
	}

	result := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[Document] {
		attempts++
		last = Document{URL: rawURL, Attempts: attempts}

		start := time.Now()
		resp, err := c.get(ctx, rawURL, "document")
		if err != nil {
			return fn.Err[Document](err)
		}
		body, err := c.readBody(resp)
		if err != nil {
			return fn.Err[Document](fmt.Errorf("read body: %w", err))
		}
		c.mFetchDur.Since(start)

		last.StatusCode = resp.StatusCode
		last.Body = body
		if !last.OK() {
			return fn.Errf[Document]("status %d", resp.StatusCode)
		}
		return fn.Ok(last)
	})

	doc, err := result.Unwrap()
	if err == nil {
		return doc, nil
	}
	c.mFailed.Inc()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return last, fmt.Errorf("fia: fetch document: %w", ctxErr)
	}
	if last.StatusCode != 0 {
		c.log.Warn("fia: document fetch exhausted retries", "url", rawURL, "status", last.StatusCode, "attempts", last.Attempts)
		return last, nil
	}
	return last, fmt.Errorf("fia: fetch document: %w", err)
}

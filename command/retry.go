package command

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"time"
)

// RetryTransport re-sends requests answered with a retryable status code,
// sleeping base^n seconds before the n-th retry.
type RetryTransport struct {
	origin    http.RoundTripper
	retryable map[int]struct{}
	retryMax  int
	base      float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// WrapWithRetries wraps origin (http.DefaultTransport when nil).
func WrapWithRetries(origin http.RoundTripper, statusCodes []int, retryMax int, base float64) *RetryTransport {
	if origin == nil {
		origin = http.DefaultTransport
	}
	codes := make(map[int]struct{}, len(statusCodes))
	for _, c := range statusCodes {
		codes[c] = struct{}{}
	}
	return &RetryTransport{
		origin:    origin,
		retryable: codes,
		retryMax:  retryMax,
		base:      base,
		sleep:     sleepContext,
	}
}

func (t *RetryTransport) delay(retry int) time.Duration {
	millis := int64(math.Pow(t.base, float64(retry)) * 1000)
	return time.Duration(millis) * time.Millisecond
}

func (t *RetryTransport) shouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return false
	}
	_, ok := t.retryable[resp.StatusCode]
	return ok
}

// RoundTrip implements http.RoundTripper. Network errors are returned without retrying.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := t.origin.RoundTrip(req)
	for retries := 0; t.shouldRetry(resp, err) && retries < t.retryMax; retries++ {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if serr := t.sleep(req.Context(), t.delay(retries+1)); serr != nil {
			return nil, serr
		}
		if req.Body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		resp, err = t.origin.RoundTrip(req)
	}
	return resp, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

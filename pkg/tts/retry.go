package tts

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// doWithRetry sends the request built by newReq, retrying transport
// failures, rate limits and 5xx responses with exponential backoff. A
// non-retryable error status is returned as the parsed APIError.
func doWithRetry(
	ctx context.Context,
	cfg *Config,
	client *http.Client,
	logger *slog.Logger,
	provider string,
	newReq func(ctx context.Context) (*http.Request, error),
	parseError func(*http.Response) error,
) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	resp, err := backoff.RetryNotifyWithData(func() (*http.Response, error) {
		attempt++
		req, err := newReq(ctx)
		if err != nil {
			return nil, backoff.Permanent(WrapError(provider, err))
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, WrapError(provider, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		apiErr := parseError(resp)
		resp.Body.Close()
		if !IsRetryable(apiErr) {
			return nil, backoff.Permanent(apiErr)
		}
		return nil, apiErr
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(cfg.MaxRetries, 0))), ctx),
		func(err error, wait time.Duration) {
			logger.Warn("retrying request",
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		})
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return resp, err
}

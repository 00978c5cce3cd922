package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

// maxErrorBody bounds how much of an error body is kept for diagnostics.
const maxErrorBody = 4096

// NewHTTPClient builds the pooled client shared by one provider's requests.
// timeout bounds the wait for response headers only, so long streams are not
// cut off; request contexts bound everything else.
func NewHTTPClient(timeout time.Duration, maxConcurrent int) *http.Client {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          maxConcurrent,
			MaxIdleConnsPerHost:   maxConcurrent,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// classifyStatus maps a non-2xx status and body onto a Failure.
func classifyStatus(provider string, status int, body string) *types.Failure {
	kind := types.KindUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = types.KindRateLimited
	case status == http.StatusServiceUnavailable, status == 529:
		kind = types.KindServiceOverloaded
	case strings.Contains(strings.ToLower(body), "overloaded"):
		kind = types.KindServiceOverloaded
	}
	if body == "" {
		body = http.StatusText(status)
	}
	return &types.Failure{Kind: kind, Provider: provider, StatusCode: status, Message: body}
}

// checkResponse returns nil for 2xx. Otherwise it drains a bounded amount of
// the body into a Failure and closes it.
func checkResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return classifyStatus(provider, resp.StatusCode, strings.TrimSpace(string(body)))
}

// transportFailure wraps an error from http.Client.Do. Context errors are
// passed through untouched so the router can tell cancellation apart.
func transportFailure(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &types.Failure{Kind: types.KindUnknown, Provider: provider, Message: err.Error(), Err: err}
}

func decodeFailure(provider string, err error) error {
	return &types.Failure{
		Kind:     types.KindUnknown,
		Provider: provider,
		Message:  fmt.Sprintf("decode response: %v", err),
		Err:      err,
	}
}

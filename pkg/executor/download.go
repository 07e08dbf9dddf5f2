package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/morezero/taskrunner/pkg/retry"
	"github.com/morezero/taskrunner/pkg/taskerr"
)

const (
	downloadLogPrefix = "executor:download"
	downloadStage     = "download"

	// DefaultDownloadTimeout bounds each download attempt.
	DefaultDownloadTimeout = 30 * time.Second
	maxDownloadBytes       = 32 << 20
)

// HTTPDoer sends HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultDownloadPolicy is 3 attempts with a fixed per-attempt timeout and a 1s pause.
func DefaultDownloadPolicy(timeout time.Duration) retry.Policy {
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	return retry.Policy{
		Name:        "download",
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
		BaseTimeout: timeout,
		MaxTimeout:  timeout,
	}
}

// Downloader fetches URLs with a retry policy.
type Downloader struct {
	http   HTTPDoer
	policy retry.Policy
}

// NewDownloader creates a Downloader. A nil doer uses http.DefaultClient.
func NewDownloader(doer HTTPDoer, policy retry.Policy) *Downloader {
	if doer == nil {
		doer = http.DefaultClient
	}
	if policy.MaxAttempts == 0 {
		policy = DefaultDownloadPolicy(0)
	}
	return &Downloader{http: doer, policy: policy}
}

// Fetch GETs rawURL and returns the body. Network errors and non-2xx responses are
// retried; exhaustion is a TRANSPORT error carrying the last failure.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	var body []byte
	err := d.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := d.policy.AttemptContext(ctx, attempt)
		defer cancel()

		data, err := d.get(attemptCtx, rawURL)
		if err == nil {
			body = data
			return nil
		}
		if ctx.Err() != nil {
			return retry.Stop(taskerr.Wrap(taskerr.CodeTransport, downloadStage, "download canceled", ctx.Err()))
		}
		slog.Warn(fmt.Sprintf("%s - Download attempt %d/%d failed: %v", downloadLogPrefix, attempt+1, d.policy.Attempts(), err))
		return err
	})
	if err == nil {
		slog.Info(fmt.Sprintf("%s - Downloaded %d bytes from %s", downloadLogPrefix, len(body), redactURL(rawURL)))
		return body, nil
	}
	return nil, downloadFailure(err)
}

// downloadFailure reports an exhausted retry loop, wrapped or not, as TRANSPORT.
func downloadFailure(err error) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return taskerr.Wrap(taskerr.CodeTransport, downloadStage,
			fmt.Sprintf("failed to download after %d attempts", exhausted.Attempts), exhausted.Err)
	}
	return err
}

func (d *Downloader) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			// url.Error embeds the full URL.
			return nil, fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxDownloadBytes)
	}
	return data, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return taskerr.Newf(taskerr.CodeValidation, downloadStage, "invalid URL: %q", redactURL(rawURL))
	}
	return nil
}

// redactURL drops userinfo and query so credentials never reach logs or errors.
func redactURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "<invalid>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

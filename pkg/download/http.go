package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cernvm/webapid/pkg/wire"
)

const (
	// httpTimeout bounds a single GET attempt.
	httpTimeout = 30 * time.Second

	// maxRetryTime bounds the whole retry schedule of one download.
	maxRetryTime = 2 * time.Minute

	// readChunk is the copy granularity used for progress reporting.
	readChunk = 32 * 1024
)

// HTTPDownloader is the production Downloader. Transient network failures
// and 5xx responses are retried with exponential backoff; 4xx responses are
// permanent. Abort cancels all in-flight transfers and rejects new ones
// until Reset.
type HTTPDownloader struct {
	client *http.Client

	aborted atomic.Bool

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	nextID  int64
}

// NewHTTP returns a Downloader backed by the given client, or by a default
// client with a 30 s timeout when client is nil.
func NewHTTP(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &HTTPDownloader{
		client:  client,
		cancels: make(map[int64]context.CancelFunc),
	}
}

// DownloadText implements Downloader.
func (d *HTTPDownloader) DownloadText(ctx context.Context, url string, progress ProgressFunc) (string, error) {
	if d.aborted.Load() {
		return "", &Error{Code: wire.CodeExternalError, Message: "download provider is aborted"}
	}

	ctx, cancel := context.WithCancel(ctx)
	id := d.track(cancel)
	defer d.untrack(id)

	op := func() (string, error) {
		return d.fetchOnce(ctx, url, progress)
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxRetryTime))
	if err != nil {
		if ctx.Err() != nil {
			return "", &Error{Code: wire.CodeExternalError, Message: "download aborted", Cause: ctx.Err()}
		}
		var de *Error
		if errors.As(err, &de) {
			return "", de
		}
		return "", &Error{Code: wire.CodeExternalError, Message: fmt.Sprintf("unable to download %s", url), Cause: err}
	}
	return body, nil
}

func (d *HTTPDownloader) fetchOnce(ctx context.Context, url string, progress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", backoff.Permanent(&Error{Code: wire.CodeQueryError, Message: "malformed download URL", Cause: err})
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Retryable: connection errors, timeouts.
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("server error: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return "", backoff.Permanent(&Error{
			Code:    wire.CodeExternalError,
			Message: fmt.Sprintf("unexpected response status %s", resp.Status),
		})
	}

	return readAll(resp.Body, resp.ContentLength, progress)
}

func readAll(r io.Reader, total int64, progress ProgressFunc) (string, error) {
	var out []byte
	buf := make([]byte, readChunk)
	var received int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			received += int64(n)
			if progress != nil {
				progress(received, total)
			}
		}
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Abort implements Downloader.
func (d *HTTPDownloader) Abort() {
	d.aborted.Store(true)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.cancels {
		cancel()
	}
}

// Reset implements Downloader.
func (d *HTTPDownloader) Reset() {
	d.aborted.Store(false)
}

func (d *HTTPDownloader) track(cancel context.CancelFunc) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.cancels[d.nextID] = cancel
	return d.nextID
}

func (d *HTTPDownloader) untrack(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.cancels[id]; ok {
		cancel()
		delete(d.cancels, id)
	}
}

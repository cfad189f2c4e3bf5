// Package download provides the text-download capability the daemon and the
// hypervisor drivers share: an HTTP GET with progress reporting, cooperative
// cancellation and bounded retries.
package download

import (
	"context"
	"errors"

	"github.com/cernvm/webapid/pkg/wire"
)

// ProgressFunc receives transfer progress. total is -1 when the server did
// not announce a content length.
type ProgressFunc func(received, total int64)

// Downloader fetches remote documents as text.
type Downloader interface {
	// DownloadText fetches the URL body as a string. progress may be nil.
	DownloadText(ctx context.Context, url string, progress ProgressFunc) (string, error)

	// Abort cancels every in-flight download issued through this provider.
	// Abort is sticky until Reset: subsequent downloads fail immediately.
	Abort()

	// Reset clears a previous Abort.
	Reset()
}

// Error is a download failure carrying the wire code to surface to the page.
type Error struct {
	Code    wire.Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the wire code from a download error, defaulting to
// CodeExternalError for untyped failures.
func CodeOf(err error) wire.Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return wire.CodeExternalError
}

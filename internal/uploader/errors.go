package uploader

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/sony/gobreaker"

	"logship/internal/fileutil"
	"logship/internal/objectstore"
)

// Failure kinds recorded on queue entries and surfaced through metrics.
const (
	KindNetwork       = "network"
	KindServer        = "server"
	KindThrottled     = "throttled"
	KindAuth          = "auth"
	KindTooLarge      = "too_large"
	KindSourceMissing = "source_missing"
	KindPermission    = "permission"
	KindPathEscape    = "path_escape"
	KindBreakerOpen   = "breaker_open"
	KindUnknown       = "unknown"
)

// Classification is the retry decision for one failed attempt.
type Classification struct {
	Kind      string
	Permanent bool
}

// Classify maps an upload error to its retry classification. Anything not
// recognizably permanent is treated as transient: the retry ceiling, not
// the classifier, bounds how long the daemon keeps trying.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Classification{}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Classification{Kind: KindBreakerOpen}
	case errors.Is(err, os.ErrNotExist):
		return Classification{Kind: KindSourceMissing, Permanent: true}
	case errors.Is(err, os.ErrPermission):
		return Classification{Kind: KindPermission, Permanent: true}
	}

	var escape *fileutil.ErrPathEscape
	if errors.As(err, &escape) {
		return Classification{Kind: KindPathEscape, Permanent: true}
	}

	var status *objectstore.StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == 401 || status.StatusCode == 403:
			return Classification{Kind: KindAuth, Permanent: true}
		case status.StatusCode == 413:
			return Classification{Kind: KindTooLarge, Permanent: true}
		case status.StatusCode == 429:
			return Classification{Kind: KindThrottled}
		case status.Temporary():
			return Classification{Kind: KindServer}
		default:
			return Classification{Kind: KindUnknown}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Kind: KindNetwork}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindNetwork}
	}

	return Classification{Kind: KindUnknown}
}

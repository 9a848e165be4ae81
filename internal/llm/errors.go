package llm

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrRegionBlocked means the provider refuses service from this location.
	ErrRegionBlocked = errors.New("model unavailable in this region")

	// ErrProviderError means the provider answered with an API error.
	ErrProviderError = errors.New("model provider error")

	// ErrUnknownError covers every other failure.
	ErrUnknownError = errors.New("unknown model error")
)

type errorClass int

const (
	classUnknown errorClass = iota
	classProvider
	classRegion
)

func (c errorClass) String() string {
	switch c {
	case classRegion:
		return "region_blocked"
	case classProvider:
		return "provider_error"
	default:
		return "unknown_error"
	}
}

func (c errorClass) sentinel() error {
	switch c {
	case classRegion:
		return ErrRegionBlocked
	case classProvider:
		return ErrProviderError
	default:
		return ErrUnknownError
	}
}

var regionMarkers = []string{
	"location is not supported",
	"failed_precondition",
}

var providerMarkers = []string{
	"status code",
	"rate limit",
	"quota",
	"unavailable",
	"internal error",
}

func classify(err error) errorClass {
	if err == nil {
		return classUnknown
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		if st.Code() == codes.FailedPrecondition || hasMarker(st.Message(), regionMarkers) {
			return classRegion
		}
		return classProvider
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if hasMarker(gerr.Message, regionMarkers) || hasMarker(gerr.Body, regionMarkers) {
			return classRegion
		}
		return classProvider
	}
	msg := err.Error()
	switch {
	case hasMarker(msg, regionMarkers):
		return classRegion
	case hasMarker(msg, providerMarkers):
		return classProvider
	}
	return classUnknown
}

func hasMarker(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether another attempt could succeed. Only region
// blocks are final.
func IsRetryable(err error) bool {
	return classify(err) != classRegion
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package retry

import (
	"errors"
	"io"
	"net"
	"net/url"
)

// ClassifyHTTPStatus maps a non-2xx HTTP status to a retry kind: 429
// and 503 are Throttled, the rest of 5xx is Http5xx, everything else
// (4xx) is Other.
func ClassifyHTTPStatus(code int) ErrorKind {
	switch {
	case code == 429 || code == 503:
		return KindThrottled
	case code >= 500 && code <= 599:
		return KindHTTP5xx
	default:
		return KindOther
	}
}

// Classify inspects a SegmentError and returns its retry kind.
func Classify(e *SegmentError) ErrorKind {
	switch {
	case e.Transport != nil:
		return classifyTransport(e.Transport)
	case e.HTTPStatus != 0:
		return ClassifyHTTPStatus(e.HTTPStatus)
	case e.InvalidRange:
		return KindOther
	case e.Partial:
		return KindConnection
	case e.Storage != nil:
		return KindOther
	default:
		return KindOther
	}
}

func classifyTransport(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return KindTimeout
		}
		return classifyTransport(urlErr.Err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	return KindConnection
}

package retry

import "fmt"

// SegmentError is the error returned by a single segment download
// attempt. It carries enough structure for Classify to pick a retry
// kind without string-matching.
type SegmentError struct {
	// Transport is set when the underlying net/http round trip itself
	// failed (DNS, dial, timeout, connection reset, etc).
	Transport error
	// HTTPStatus is set when a response was received but was not 2xx.
	HTTPStatus int
	// InvalidRange is set when a ranged request received a 2xx that was
	// not 206 Partial Content, or a Content-Range that didn't match.
	InvalidRange bool
	// Partial is set when fewer bytes were received than the segment's
	// advertised length.
	Partial bool
	Expected, Received uint64
	// Storage is set when the local write failed (disk full, permission).
	Storage error
}

func (e *SegmentError) Error() string {
	switch {
	case e.Transport != nil:
		return e.Transport.Error()
	case e.InvalidRange:
		return fmt.Sprintf("range request got HTTP %d instead of 206 Partial Content", e.HTTPStatus)
	case e.Partial:
		return fmt.Sprintf("partial transfer: expected %d bytes, got %d", e.Expected, e.Received)
	case e.Storage != nil:
		return fmt.Sprintf("storage: %s", e.Storage)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("HTTP %d", e.HTTPStatus)
	default:
		return "segment download failed"
	}
}

func (e *SegmentError) Unwrap() error {
	if e.Transport != nil {
		return e.Transport
	}
	return e.Storage
}

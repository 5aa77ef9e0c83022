package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
)

// DefaultResponseLimit bounds relay response bodies.
const DefaultResponseLimit int64 = 8 << 20

// BodyTooLargeError reports a relay response body over the configured limit.
// Declared is the Content-Length the relay announced, or -1 when the body was
// cut off while reading.
type BodyTooLargeError struct {
	Limit    int64
	Declared int64
}

func (e *BodyTooLargeError) Error() string {
	if e.Declared >= 0 {
		return fmt.Sprintf("response body of %s exceeds limit of %s",
			humanize.IBytes(uint64(e.Declared)), humanize.IBytes(uint64(e.Limit)))
	}
	return fmt.Sprintf("response body exceeded limit of %s", humanize.IBytes(uint64(e.Limit)))
}

// IsBodyTooLarge reports whether err is a BodyTooLargeError.
func IsBodyTooLarge(err error) bool {
	var tooLarge *BodyTooLargeError
	return errors.As(err, &tooLarge)
}

// ReadResponseBody reads resp.Body up to limit bytes. A declared
// Content-Length over the limit fails before any byte is read. limit <= 0
// reads everything.
func ReadResponseBody(resp *http.Response, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(resp.Body)
	}
	if resp.ContentLength > limit {
		return nil, &BodyTooLargeError{Limit: limit, Declared: resp.ContentLength}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &BodyTooLargeError{Limit: limit, Declared: -1}
	}
	return data, nil
}

// Package upload tracks resumable upload sessions from the pre-request
// that allocates them until the final chunk commits or the janitor
// abandons them.
package upload

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	chunkRangePattern  = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)
	statusRangePattern = regexp.MustCompile(`^bytes \*/(\d+)$`)
)

// ContentRange is a parsed "Content-Range: bytes <from>-<to>/<total>"
// header of a chunk request.
type ContentRange struct {
	From  int64
	To    int64
	Total int64
}

// Size returns the number of bytes the chunk declares.
func (c ContentRange) Size() int64 {
	return c.To - c.From + 1
}

// IsLast reports whether this chunk ends at the final byte of the upload.
func (c ContentRange) IsLast() bool {
	return c.To == c.Total-1
}

// ParseChunkRange parses the chunk form of the Content-Range header.
func ParseChunkRange(header string) (ContentRange, error) {
	m := chunkRangePattern.FindStringSubmatch(header)
	if m == nil {
		return ContentRange{}, fmt.Errorf("malformed Content-Range header %q", header)
	}

	from, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ContentRange{}, fmt.Errorf("content range start %q out of range", m[1])
	}
	to, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ContentRange{}, fmt.Errorf("content range end %q out of range", m[2])
	}
	total, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return ContentRange{}, fmt.Errorf("content range total %q out of range", m[3])
	}

	if to < from {
		return ContentRange{}, fmt.Errorf("content range end %d before start %d", to, from)
	}
	if to >= total {
		return ContentRange{}, fmt.Errorf("content range end %d exceeds total %d", to, total)
	}
	return ContentRange{From: from, To: to, Total: total}, nil
}

// ParseStatusRange parses the status form "bytes */<total>" used by the
// resume query. Returns the declared total.
func ParseStatusRange(header string) (int64, error) {
	m := statusRangePattern.FindStringSubmatch(header)
	if m == nil {
		return 0, fmt.Errorf("malformed status Content-Range header %q", header)
	}
	total, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("content range total %q out of range", m[1])
	}
	return total, nil
}

// IsStatusRange reports whether the header uses the status form. Used to
// dispatch between the resume query and a chunk on the same PUT route.
func IsStatusRange(header string) bool {
	return statusRangePattern.MatchString(header)
}

// RangeHeader formats the canonical Range response header acknowledging
// bytes 0 through size-1.
func RangeHeader(size int64) string {
	return fmt.Sprintf("bytes=0-%d", size-1)
}

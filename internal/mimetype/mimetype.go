// Package mimetype sniffs content types from the first bytes of a DCC
// transfer, replacing the original's python-magic dependency with
// github.com/h2non/filetype, which the teacher corpus's teal33t/surge also
// carries for download-type detection.
package mimetype

import (
	"fmt"

	"github.com/h2non/filetype"

	"github.com/dccbot/dccbot/internal/boterr"
)

// SniffLen is how many leading bytes of a transfer the Engine buffers
// before sniffing, per spec.md §5.2's "after the first ≥4 KiB have been
// received and buffered".
const SniffLen = 4096

// Detect returns the MIME type of sample, the first bytes of a file. An
// unrecognized signature yields "application/octet-stream", matching
// filetype's own fallback so callers can still apply an allow-list
// against it rather than treating unknown content as an error.
func Detect(sample []byte) string {
	kind, err := filetype.Match(sample)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}

// Check sniffs sample and returns ErrDisallowedMimeType if the result is
// not in allowed. The caller is an *config.GlobalConfig whose
// AllowsMimetype reports true for an empty allow-list.
func Check(sample []byte, allows func(mimetype string) bool) (string, error) {
	mt := Detect(sample)
	if !allows(mt) {
		return mt, fmt.Errorf("%s: %w", mt, boterr.ErrDisallowedMimeType)
	}
	return mt, nil
}

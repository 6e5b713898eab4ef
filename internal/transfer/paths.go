package transfer

import (
	"os"
	"path/filepath"
)

// Paths holds the final and in-progress filesystem paths for a download,
// mirroring the original's local_files = [final, final+incomplete_suffix].
type Paths struct {
	Final   string
	Working string // Final, or Final+incompleteSuffix while the transfer is in progress.
}

// ResolvePaths builds the Paths for filename under downloadDir, applying
// incompleteSuffix to Working when one is configured.
func ResolvePaths(downloadDir, filename, incompleteSuffix string) Paths {
	final := filepath.Join(downloadDir, filename)
	working := final
	if incompleteSuffix != "" {
		working = final + incompleteSuffix
	}
	return Paths{Final: final, Working: working}
}

// LocalState reports how much of remoteSize is already present on disk
// for p, checking the working path first and falling back to a
// previously completed final file, per the original's on_dcc_send
// local_files scan. completed is true when the existing file already
// matches remoteSize.
func LocalState(p Paths, remoteSize int64) (path string, localSize int64, completed bool) {
	for _, candidate := range []string{p.Working, p.Final} {
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		size := info.Size()
		if size > remoteSize {
			return candidate, size, false
		}
		if size == remoteSize {
			// Re-request the last 4096 bytes to confirm the transfer
			// completes cleanly, matching the original's handling of an
			// already-complete local file.
			return candidate, max64(size-4096, 0), true
		}
		return candidate, size, false
	}
	return p.Working, 0, false
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

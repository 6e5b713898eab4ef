// Package transfer drives the DCC socket side of a pack download: dialing
// or listening, writing bytes to the partial file, ACKing, sniffing the
// MIME type, and verifying the checksum on completion. The read/ACK loop
// and file-naming conventions are grounded on the original's
// init_dcc_connection/on_dccmsg/on_dcc_disconnect, reworked from asyncio
// callbacks into one goroutine per transfer synchronized through
// internal/registry, the way other_examples' peder1981-p2p-irc dcc.go
// runs one goroutine per transfer via serveFile/downloadFile.
package transfer

import (
	"net"
	"path/filepath"
	"regexp"
)

// invalidFilenameChars matches any of the characters the original
// rejects a filename for containing: path separators and the Windows
// reserved set.
var invalidFilenameChars = regexp.MustCompile(`[/\\:*?"<>|]`)

// IsValidFilename reports whether filename is safe to join onto
// downloadDir: non-empty, free of path-traversal or separator
// characters, and confined to downloadDir once joined.
func IsValidFilename(downloadDir, filename string) bool {
	if filename == "" {
		return false
	}
	if invalidFilenameChars.MatchString(filename) {
		return false
	}

	joined, err := filepath.Abs(filepath.Join(downloadDir, filename))
	if err != nil {
		return false
	}
	base, err := filepath.Abs(downloadDir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, joined)
	if err != nil {
		return false
	}
	return rel == filename
}

// IsPrivateOrLoopback reports whether ip is a private, loopback, or
// link-local address, the set spec.md's allow_private_ips gate covers.
func IsPrivateOrLoopback(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

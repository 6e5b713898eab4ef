// Package boterr defines the sentinel error kinds shared across dccbot's
// packages, in the style of the teacher's plain fmt.Errorf("...: %w", err)
// wrapping: call sites wrap one of these sentinels with context instead of
// inventing ad-hoc error strings.
package boterr

import "errors"

var (
	// ErrConfigInvalid means the configuration file failed to parse or
	// named an unrecognized option.
	ErrConfigInvalid = errors.New("config invalid")
	// ErrNetworkUnavailable means a dial, listen, or socket read/write
	// failed for reasons outside the protocol layer.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrProtocolViolation means inbound data did not conform to the
	// IRC/CTCP/DCC grammar this bot accepts.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrAuthFailed means NickServ identification did not complete.
	ErrAuthFailed = errors.New("auth failed")
	// ErrAlreadyActive means a Transfer already owns the requested
	// (server, peer, filename) key.
	ErrAlreadyActive = errors.New("transfer already active")
	// ErrResumeTimeout means no DCC ACCEPT arrived before resume_timeout.
	ErrResumeTimeout = errors.New("resume timeout")
	// ErrShortRead means the peer closed the DCC socket before the
	// advertised size was reached.
	ErrShortRead = errors.New("short read")
	// ErrDisallowedMimeType means the sniffed content type is not in
	// allowed_mimetypes.
	ErrDisallowedMimeType = errors.New("disallowed mimetype")
	// ErrFileSizeExceeded means the offer's size exceeds max_file_size.
	ErrFileSizeExceeded = errors.New("file size exceeded")
	// ErrChecksumMismatch means the computed MD5 disagreed with the
	// advertised one.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrCancelled means the transfer was cancelled by operator request.
	ErrCancelled = errors.New("cancelled")
	// ErrStalled means no bytes arrived on the DCC socket for the
	// per-chunk read timeout.
	ErrStalled = errors.New("stalled")
	// ErrInternal is a catch-all for defects that should never surface
	// to an operator as anything more specific.
	ErrInternal = errors.New("internal error")
)

// Package dcc parses and formats the CTCP DCC grammar dccbot speaks over
// IRC: SEND, SSEND (ssl), ACCEPT, and RESUME. The shape follows
// other_examples' peder1981-p2p-irc dcc.go (ParseDCCSend/FormatDCCSend),
// generalized here to the quoted-filename, legacy-32-bit-address variant
// the real protocol requires, per SPEC_FULL.md §4.2.
package dcc

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/dccbot/dccbot/internal/boterr"
)

// Kind identifies which CTCP DCC subcommand a message carries.
type Kind string

const (
	KindSend   Kind = "SEND"
	KindSSend  Kind = "SSEND"
	KindAccept Kind = "ACCEPT"
	KindResume Kind = "RESUME"
)

// Offer is a parsed "DCC SEND"/"DCC SSEND" announcement.
type Offer struct {
	Kind     Kind
	Filename string
	Address  net.IP
	Port     uint16 // 0 means passive ("reverse") DCC
	Size     int64
	TLS      bool
}

// Accept is a parsed "DCC ACCEPT" confirmation.
type Accept struct {
	Filename string
	Port     uint16
	Position int64
}

// Resume describes a "DCC RESUME" request. This package only formats
// RESUME payloads (FormatResume); it has no parser for inbound ones.
type Resume struct {
	Filename string
	Port     uint16
	Position int64
}

// StripCTCP removes the \x01 delimiters CTCP wraps its payload in, along
// with the tag prefix, returning the tag and the remaining text. ok is
// false if text is not a well-formed CTCP message.
func StripCTCP(text string) (tag, payload string, ok bool) {
	if len(text) < 2 || text[0] != '\x01' || text[len(text)-1] != '\x01' {
		return "", "", false
	}
	inner := text[1 : len(text)-1]
	tag, payload, found := strings.Cut(inner, " ")
	if !found {
		return inner, "", true
	}
	return tag, payload, true
}

// WrapCTCP re-adds the \x01 delimiters around a CTCP tag and payload, for
// sending a ctcp_reply-equivalent message.
func WrapCTCP(tag, payload string) string {
	if payload == "" {
		return "\x01" + tag + "\x01"
	}
	return "\x01" + tag + " " + payload + "\x01"
}

// splitArgs tokenizes a DCC payload the way shlex.split does in the
// original: whitespace-separated, except a double-quoted run (used for
// filenames containing spaces) is kept as one token with quotes removed.
func splitArgs(payload string) []string {
	var args []string
	var b strings.Builder
	inQuote := false
	flush := func() {
		if b.Len() > 0 {
			args = append(args, b.String())
			b.Reset()
		}
	}
	for _, r := range payload {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return args
}

// ParseOffer parses the payload of a "DCC SEND"/"DCC SSEND" CTCP message,
// i.e. everything after the subcommand word: filename, address, port,
// size. Addresses are accepted either as a legacy 32-bit decimal integer
// (irc.client.ip_numstr_to_quad's counterpart) or as a literal dotted-quad
// or IPv6 address.
func ParseOffer(kind Kind, payload string) (*Offer, error) {
	parts := splitArgs(payload)
	if len(parts) < 4 {
		return nil, fmt.Errorf("dcc %s: not enough arguments: %w", kind, boterr.ErrProtocolViolation)
	}

	filename, addrField, portField, sizeField := parts[0], parts[1], parts[2], parts[3]

	addr, err := parseAddress(addrField)
	if err != nil {
		return nil, fmt.Errorf("dcc %s: %s: %w", kind, err, boterr.ErrProtocolViolation)
	}

	port, err := strconv.ParseUint(portField, 10, 16)
	if err != nil || port > 65535 {
		return nil, fmt.Errorf("dcc %s: invalid port %q: %w", kind, portField, boterr.ErrProtocolViolation)
	}

	size, err := strconv.ParseInt(sizeField, 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("dcc %s: invalid size %q: %w", kind, sizeField, boterr.ErrProtocolViolation)
	}

	return &Offer{
		Kind:     kind,
		Filename: filename,
		Address:  addr,
		Port:     uint16(port),
		Size:     size,
		TLS:      kind == KindSSend,
	}, nil
}

// parseAddress accepts a literal IPv4/IPv6 address (when it contains a
// colon or dot), or a legacy mIRC-style 32-bit decimal address otherwise.
func parseAddress(field string) (net.IP, error) {
	if strings.Contains(field, ":") || strings.Contains(field, ".") {
		ip := net.ParseIP(field)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", field)
		}
		return ip, nil
	}

	n, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid legacy address %q", field)
	}
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)), nil
}

// ParseAccept parses the payload of a "DCC ACCEPT" message. The original
// protocol only guarantees the last two whitespace-separated fields are
// port and resume position; the filename field in between may itself
// contain spaces, so this mirrors the original's trailing regex anchor
// rather than a strict positional split.
func ParseAccept(payload string) (*Accept, error) {
	parts := splitArgs(payload)
	if len(parts) < 3 {
		return nil, fmt.Errorf("dcc ACCEPT: not enough arguments: %w", boterr.ErrProtocolViolation)
	}

	portField := parts[len(parts)-2]
	posField := parts[len(parts)-1]
	filename := strings.Join(parts[:len(parts)-2], " ")

	port, err := strconv.ParseUint(portField, 10, 16)
	if err != nil || port < 1024 || port > 65535 {
		return nil, fmt.Errorf("dcc ACCEPT: invalid port %q: %w", portField, boterr.ErrProtocolViolation)
	}

	pos, err := strconv.ParseInt(posField, 10, 64)
	if err != nil || pos < 1 {
		return nil, fmt.Errorf("dcc ACCEPT: invalid resume position %q: %w", posField, boterr.ErrProtocolViolation)
	}

	return &Accept{Filename: filename, Port: uint16(port), Position: pos}, nil
}

// FormatResume builds the "DCC" CTCP payload, minus the "DCC" tag word
// itself, for a "RESUME" request this bot sends to resume a partially
// downloaded file — the counterpart callers wrap with
// WrapCTCP("DCC", ...) or Session.CTCPReply(nick, "DCC", ...), which
// supply the tag. Quoting the filename mirrors the original stripping
// embedded quotes before re-wrapping it.
func FormatResume(filename string, port uint16, position int64) string {
	clean := strings.ReplaceAll(filename, `"`, "")
	return fmt.Sprintf(`RESUME "%s" %d %d`, clean, port, position)
}

// FormatAccept builds the "DCC" CTCP payload for an "ACCEPT" confirmation
// a sender-side bot would reply with, minus the "DCC" tag word (see
// FormatResume).
func FormatAccept(filename string, port uint16, position int64) string {
	clean := strings.ReplaceAll(filename, `"`, "")
	return fmt.Sprintf(`ACCEPT "%s" %d %d`, clean, port, position)
}

// FormatOffer builds the "DCC" CTCP payload for an outbound "SEND"/
// "SSEND" offer, minus the "DCC" tag word (see FormatResume), encoding
// the address in legacy 32-bit decimal form as mIRC-compatible clients
// expect for IPv4 peers.
func FormatOffer(kind Kind, filename string, addr net.IP, port uint16, size int64) (string, error) {
	clean := strings.ReplaceAll(filename, `"`, "")
	v4 := addr.To4()
	if v4 == nil {
		return fmt.Sprintf(`%s "%s" %s %d %d`, kind, clean, addr.String(), port, size), nil
	}
	n := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	return fmt.Sprintf(`%s "%s" %d %d %d`, kind, clean, n, port, size), nil
}

// Package sni parses the Server Name Indication extension out of a raw TLS
// ClientHello record. It never terminates or validates the handshake itself;
// it only reads as far as needed to recover the requested hostname.
package sni

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by ParseClientHello. Callers should compare with
// [errors.Is], since the concrete errors are always wrapped with context.
var (
	// ErrNotHandshake means the first bytes of the record are not a TLS
	// handshake record, or the handshake message is not a ClientHello.
	ErrNotHandshake = errors.New("sni: not a TLS ClientHello")

	// ErrIncomplete means there are not yet enough bytes buffered to reach a
	// verdict; the caller should read more and retry.
	ErrIncomplete = errors.New("sni: incomplete ClientHello")

	// ErrMalformed means a length-prefixed field would read past the bounds
	// of its enclosing structure.
	ErrMalformed = errors.New("sni: malformed ClientHello")

	// ErrNoSNIExtension means the ClientHello parsed cleanly but carried no
	// SNI extension (or no host_name entry within it).
	ErrNoSNIExtension = errors.New("sni: no SNI extension")
)

// maxHostnameLen is the maximum length of a DNS hostname, per RFC 1035.
const maxHostnameLen = 253

// recordHeaderLen is the size of the TLS record header: type (1), legacy
// version (2), length (2).
const recordHeaderLen = 5

// ParseClientHello extracts the host_name value from the SNI extension of a
// ClientHello contained in data. On success it returns the hostname,
// lower-cased. On any bounds violation it returns one of ErrNotHandshake,
// ErrIncomplete, ErrMalformed, or ErrNoSNIExtension, always wrapped with
// positional context.
//
// On success the only allocations are those that copy out and lower-case
// the returned hostname; all framing is walked in place over data.
func ParseClientHello(data []byte) (hostname string, err error) {
	if len(data) < recordHeaderLen {
		return "", fmt.Errorf("%w: record header truncated", ErrIncomplete)
	}
	if data[0] != 0x16 {
		return "", fmt.Errorf("%w: first byte 0x%02x is not a handshake record", ErrNotHandshake, data[0])
	}

	recordLen := be16(data[3:5])
	recordEnd := recordHeaderLen + int(recordLen)
	if len(data) < recordEnd {
		return "", fmt.Errorf("%w: record declares %d bytes, have %d", ErrIncomplete, recordLen, len(data)-recordHeaderLen)
	}

	record := data[recordHeaderLen:recordEnd]
	if len(record) < 4 {
		return "", fmt.Errorf("%w: handshake header truncated", ErrMalformed)
	}
	if record[0] != 0x01 {
		return "", fmt.Errorf("%w: handshake type 0x%02x is not ClientHello", ErrNotHandshake, record[0])
	}

	handshakeLen := be24(record[1:4])
	pos := 4
	handshakeEnd := pos + handshakeLen
	if handshakeEnd > len(record) {
		return "", fmt.Errorf("%w: handshake body overruns record", ErrMalformed)
	}
	// Constrain all further reads to the declared handshake body, not the
	// (possibly padded) record.
	body := record[:handshakeEnd]

	// legacy_version (2 bytes).
	pos, err = skip(body, pos, 2)
	if err != nil {
		return "", err
	}
	// random (32 bytes).
	pos, err = skip(body, pos, 32)
	if err != nil {
		return "", err
	}
	// legacy_session_id: 1-byte length + payload.
	pos, err = skipLenPrefixed(body, pos, 1)
	if err != nil {
		return "", err
	}
	// cipher_suites: 2-byte length + payload.
	pos, err = skipLenPrefixed(body, pos, 2)
	if err != nil {
		return "", err
	}
	// legacy_compression_methods: 1-byte length + payload.
	pos, err = skipLenPrefixed(body, pos, 1)
	if err != nil {
		return "", err
	}

	if pos+2 > len(body) {
		// No extensions present at all: a valid (if unusual) ClientHello.
		return "", fmt.Errorf("%w", ErrNoSNIExtension)
	}

	extsLen := be16(body[pos : pos+2])
	pos += 2
	extsEnd := pos + extsLen
	if extsEnd > len(body) {
		return "", fmt.Errorf("%w: extensions block overruns handshake body", ErrMalformed)
	}

	for pos+4 <= extsEnd {
		extType := be16(body[pos : pos+2])
		extLen := be16(body[pos+2 : pos+4])
		pos += 4

		extEnd := pos + extLen
		if extEnd > extsEnd {
			return "", fmt.Errorf("%w: extension %d overruns extensions block", ErrMalformed, extType)
		}

		if extType == 0x0000 {
			return parseSNIExtension(body[pos:extEnd])
		}

		pos = extEnd
	}

	return "", fmt.Errorf("%w", ErrNoSNIExtension)
}

// parseSNIExtension parses the server_name_list of an SNI extension payload
// and returns the first host_name (name_type == 0) entry found.
func parseSNIExtension(payload []byte) (hostname string, err error) {
	if len(payload) < 2 {
		return "", fmt.Errorf("%w: SNI extension truncated", ErrMalformed)
	}

	listLen := be16(payload[0:2])
	listEnd := 2 + listLen
	if listEnd > len(payload) {
		return "", fmt.Errorf("%w: server name list overruns SNI extension", ErrMalformed)
	}

	pos := 2
	for pos < listEnd {
		if pos+3 > listEnd {
			return "", fmt.Errorf("%w: server name entry truncated", ErrMalformed)
		}
		nameType := payload[pos]
		nameLen := be16(payload[pos+1 : pos+3])
		pos += 3

		nameEnd := pos + nameLen
		if nameEnd > listEnd {
			return "", fmt.Errorf("%w: server name value overruns list", ErrMalformed)
		}

		if nameType == 0 {
			return validateHostname(payload[pos:nameEnd])
		}

		pos = nameEnd
	}

	return "", fmt.Errorf("%w: no host_name entry in SNI extension", ErrNoSNIExtension)
}

// validateHostname enforces the length and character constraints of §4.1 and
// returns the hostname lower-cased.
func validateHostname(raw []byte) (hostname string, err error) {
	if len(raw) == 0 || len(raw) > maxHostnameLen {
		return "", fmt.Errorf("%w: hostname length %d out of range", ErrMalformed, len(raw))
	}

	for _, b := range raw {
		if b >= 0x80 {
			return "", fmt.Errorf("%w: hostname contains non-ASCII byte 0x%02x", ErrMalformed, b)
		}
	}

	hostname = strings.ToLower(string(raw))
	if !isValidDNSName(hostname) {
		return "", fmt.Errorf("%w: hostname %q fails RFC 1035 syntax", ErrMalformed, hostname)
	}

	return hostname, nil
}

// isValidDNSName checks RFC 1035 label syntax: labels of 1-63 characters
// drawn from [a-z0-9-], joined by single dots, never starting or ending with
// a hyphen.
func isValidDNSName(name string) bool {
	for {
		i := strings.IndexByte(name, '.')
		label := name
		if i >= 0 {
			label = name[:i]
		}
		n := len(label)
		if n == 0 || n > 63 {
			return false
		}
		if label[0] == '-' || label[n-1] == '-' {
			return false
		}
		for i := 0; i < n; i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z':
			case c >= '0' && c <= '9':
			case c == '-':
			default:
				return false
			}
		}
		if i < 0 {
			return true
		}
		name = name[i+1:]
	}
}

// skip advances pos by n bytes, failing with ErrMalformed if that would read
// past the end of buf.
func skip(buf []byte, pos, n int) (int, error) {
	if pos+n > len(buf) {
		return 0, fmt.Errorf("%w: expected %d bytes at offset %d", ErrMalformed, n, pos)
	}
	return pos + n, nil
}

// skipLenPrefixed reads a lenBytes-wide big-endian length field at pos, then
// advances pos past that many bytes of payload.
func skipLenPrefixed(buf []byte, pos, lenBytes int) (int, error) {
	if pos+lenBytes > len(buf) {
		return 0, fmt.Errorf("%w: length prefix truncated at offset %d", ErrMalformed, pos)
	}

	var fieldLen int
	switch lenBytes {
	case 1:
		fieldLen = int(buf[pos])
	case 2:
		fieldLen = be16(buf[pos : pos+2])
	default:
		panic("sni: unsupported length prefix width")
	}
	pos += lenBytes

	return skip(buf, pos, fieldLen)
}

func be16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}

func be24(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

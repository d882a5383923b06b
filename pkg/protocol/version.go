package protocol

import (
	"fmt"
	"strings"
)

// Version is the protocol version this package speaks. Clients linking with
// a different MAJOR.MINOR are rejected; PATCH differences are accepted.
const Version = "1.0.0"

// majorMinor extracts the "MAJOR.MINOR" part of a semver string. Returns
// false when the string does not carry at least two dot-separated parts.
func majorMinor(version string) (string, bool) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "." + parts[1], true
}

// Compatible reports whether a client version may link against a server
// version: both must parse and share MAJOR.MINOR.
func Compatible(server, client string) bool {
	s, ok := majorMinor(server)
	if !ok {
		return false
	}
	c, ok := majorMinor(client)
	if !ok {
		return false
	}
	return s == c
}

// MismatchReason is the canonical rejection reason for a version mismatch,
// naming the server's MAJOR.MINOR and the client's version verbatim.
func MismatchReason(server, client string) string {
	s, ok := majorMinor(server)
	if !ok {
		s = server
	}
	return fmt.Sprintf("krmx server version mismatch (server=%s.*,client=%s)", s, client)
}

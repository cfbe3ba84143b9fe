// Package wire defines the framing this module exchanges with a compatible
// server: id-tagged application messages, and the ACK/CONTINUE control
// frames that drive resend on reconnect. It is the only part of the
// protocol that touches the bytes going over the physical connection —
// RobustConnection and BufferedResendConnection never format frames
// themselves.
package wire

import (
	"fmt"
	"regexp"
	"strconv"
)

// Close codes used by the core.
const (
	// StatusAbnormalClosure is synthesized when the retry deadline is
	// exceeded without ever recovering a physical connection.
	StatusAbnormalClosure = 1006

	// StatusDebugForceReconnect is a server-sent close code that forces a
	// reconnect even on an otherwise clean close, for interactive testing.
	StatusDebugForceReconnect = 4567

	// StatusHandshakeError closes the logical connection when the first
	// frame of a resumed session is not a well-formed CONTINUE frame.
	StatusHandshakeError = 3007

	// StatusAckOutOfRange closes the logical connection when the server
	// acknowledges an id the buffer cannot discard to.
	StatusAckOutOfRange = 3008
)

var (
	ackPattern      = regexp.MustCompile(`^ACK ([0-9A-F]+)$`)
	continuePattern = regexp.MustCompile(`^CONTINUE ([0-9A-F]+)$`)
	tagPattern      = regexp.MustCompile(`^([0-9A-F]+)\|(.*)$`)
)

// Tag formats an outbound payload with its monotonic id: "<HEXID>|<payload>".
// MessageBuffer is the only caller — it owns id assignment — but the format
// lives here so both ends of the protocol (and tests) share one definition.
func Tag(id uint64, payload string) string {
	return fmt.Sprintf("%X|%s", id, payload)
}

// Ack formats a server→client acknowledgement frame.
func Ack(id uint64) string {
	return fmt.Sprintf("ACK %X", id)
}

// Continue formats the resume marker sent as the first frame of a resumed
// session.
func Continue(id uint64) string {
	return fmt.Sprintf("CONTINUE %X", id)
}

// ParseAck reports whether frame is an ACK control frame and, if so, the
// acknowledged id.
func ParseAck(frame string) (id uint64, ok bool) {
	m := ackPattern.FindStringSubmatch(frame)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ParseContinue reports whether frame is a CONTINUE control frame and, if
// so, the first id the server has not yet seen.
func ParseContinue(frame string) (id uint64, ok bool) {
	m := continuePattern.FindStringSubmatch(frame)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ParseTag splits a tagged application frame back into its id and payload.
// The core client never needs this (it only ever produces tagged frames),
// but a compatible server — and this module's own tests, which play the
// server role — do.
func ParseTag(frame string) (id uint64, payload string, ok bool) {
	m := tagPattern.FindStringSubmatch(frame)
	if m == nil {
		return 0, "", false
	}
	id, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, "", false
	}
	return id, m[2], true
}

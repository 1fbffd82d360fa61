package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrMissingToken    = errors.New("protocol: malformed/missing token")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// CommandLine is a parsed "<command> [args...]" line.
type CommandLine struct {
	Command string
	Args    string
}

// NextToken splits off the first whitespace-separated token of s and
// returns it with the remainder, leading whitespace removed.
func NextToken(s string) (string, string, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return "", "", false
	}
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		return s, "", true
	}
	return s[:end], strings.TrimLeftFunc(s[end:], unicode.IsSpace), true
}

// ParseCommandLine reads the command token; the remainder is kept verbatim
// (minus surrounding whitespace) as arguments.
func ParseCommandLine(line string) (CommandLine, error) {
	cmd, rest, ok := NextToken(line)
	if !ok {
		return CommandLine{}, fmt.Errorf("%w: command", ErrMissingToken)
	}
	return CommandLine{Command: cmd, Args: strings.TrimRightFunc(rest, unicode.IsSpace)}, nil
}

// SplitSigned separates "<scheme> <token> <command...>" into the token text
// ("<scheme> <token>") and the command remainder.
func SplitSigned(line string) (token string, rest string, err error) {
	scheme, rest, ok := NextToken(line)
	if !ok {
		return "", "", fmt.Errorf("%w: scheme", ErrMissingToken)
	}
	body, rest, ok := NextToken(rest)
	if !ok {
		return "", "", fmt.Errorf("%w: token", ErrMissingToken)
	}
	return scheme + " " + body, rest, nil
}

// CheckSize enforces the payload limit; max <= 0 disables it.
func CheckSize(payload []byte, max int) error {
	if max > 0 && len(payload) > max {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), max)
	}
	return nil
}

// Package escalation implements the price-escalation protocol: the command
// format sales agents reply with, and in-flight correlation bookkeeping.
// The backend stays the system of record for query IDs; nothing here is
// persisted or required for correctness.
package escalation

import (
	"errors"
	"strings"
)

// ErrMalformed means the reply did not satisfy the command format.
var ErrMalformed = errors.New("malformed escalation command")

// Command is a parsed sales-agent reply: <prefix> <queryID> <priceInfo...>.
type Command struct {
	QueryID   string
	PriceInfo string
}

// Parse splits body on whitespace and enforces the minimum token count:
// prefix, query ID, and at least one info token. The remaining tokens are
// rejoined with single spaces.
func Parse(body, prefix string) (Command, error) {
	tokens := strings.Fields(body)
	if len(tokens) < 3 {
		return Command{}, ErrMalformed
	}
	if tokens[0] != prefix {
		return Command{}, ErrMalformed
	}
	return Command{
		QueryID:   tokens[1],
		PriceInfo: strings.Join(tokens[2:], " "),
	}, nil
}

// IsCommand reports whether body looks like an escalation command, i.e.
// starts with the literal prefix token. Malformed commands still classify
// as commands; they just fail Parse.
func IsCommand(body, prefix string) bool {
	return strings.HasPrefix(body, prefix)
}

package domain

import "log/slog"

// ContinuationToken is the single-use credential the delay queue hands out for
// the next mutating call on a message. Once a call using it succeeds it is dead
// and must be replaced by the token that call returned.
type ContinuationToken struct {
	value string
}

func NewContinuationToken(value string) ContinuationToken {
	return ContinuationToken{value: value}
}

// Value returns the raw token for adapters that must send or persist it.
func (t ContinuationToken) Value() string { return t.value }

func (t ContinuationToken) IsZero() bool { return t.value == "" }

func (t ContinuationToken) Equal(other ContinuationToken) bool { return t.value == other.value }

// String never reveals the token.
func (t ContinuationToken) String() string {
	if t.IsZero() {
		return "<none>"
	}
	return "<redacted>"
}

// LogValue keeps tokens out of structured logs.
func (t ContinuationToken) LogValue() slog.Value {
	return slog.StringValue(t.String())
}

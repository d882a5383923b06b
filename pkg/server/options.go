package server

import (
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures a Server. The zero value is usable: quiet logging, no
// metadata decoration, new users accepted, the default username predicate,
// an own HTTP host on the root path, and no accept gate.
type Options struct {
	// Logger receives the broker's structured log output. Nil logs
	// warnings and errors to stderr.
	Logger *zerolog.Logger

	// Metadata enables decoration of outbound frames with
	// {isBroadcast, timestamp}.
	Metadata bool

	// AcceptNewUsers controls whether usernames unknown to the broker may
	// link. Nil means true; when false only pre-joined users can link.
	AcceptNewUsers *bool

	// IsValidUsername validates usernames on link. Nil falls back to
	// protocol.IsValidUsername (lowercase alphanumeric, 3-20 chars).
	IsValidUsername func(username string) bool

	// Listener is an optional caller-provided, already-listening host.
	// When set, Listen reuses its port; a conflicting explicit port is an
	// error.
	Listener net.Listener

	// Path is the websocket endpoint path. The leading slash is optional.
	// Empty means "/".
	Path string

	// QueryParams gates every accept on the request URL's query. Failing
	// requests are rejected before the websocket upgrade.
	QueryParams map[string]QueryRule

	// FrameRate optionally caps inbound frames per connection (frames per
	// second, token bucket). Zero disables the limiter.
	FrameRate rate.Limit
	// FrameBurst is the limiter's burst size; defaults to 16 when a
	// FrameRate is set.
	FrameBurst int
}

// Bool is a convenience for the *bool option fields.
func Bool(b bool) *bool { return &b }

func (o Options) acceptNewUsers() bool {
	return o.AcceptNewUsers == nil || *o.AcceptNewUsers
}

func (o Options) frameLimiter() *rate.Limiter {
	if o.FrameRate <= 0 {
		return nil
	}
	burst := o.FrameBurst
	if burst <= 0 {
		burst = 16
	}
	return rate.NewLimiter(o.FrameRate, burst)
}

const (
	queryPresent = iota
	queryAbsent
	queryEquals
	queryMatch
)

// QueryRule is one accept-gate constraint on a URL query parameter.
type QueryRule struct {
	kind  int
	value string
	pred  func(value string, present bool) bool
}

// QueryPresent requires the parameter to be present.
func QueryPresent() QueryRule { return QueryRule{kind: queryPresent} }

// QueryAbsent requires the parameter to be absent.
func QueryAbsent() QueryRule { return QueryRule{kind: queryAbsent} }

// QueryEquals requires the parameter to equal the given value.
func QueryEquals(value string) QueryRule { return QueryRule{kind: queryEquals, value: value} }

// QueryMatch delegates to a predicate; present is false when the parameter
// is missing (value is then empty).
func QueryMatch(pred func(value string, present bool) bool) QueryRule {
	return QueryRule{kind: queryMatch, pred: pred}
}

func (r QueryRule) allows(value string, present bool) bool {
	switch r.kind {
	case queryPresent:
		return present
	case queryAbsent:
		return !present
	case queryEquals:
		return present && value == r.value
	case queryMatch:
		return r.pred != nil && r.pred(value, present)
	}
	return false
}

package apartment

import (
	"time"

	"github.com/wippyai/marshal-runtime/wire"
)

// CallType tells a filter whether a call arrived while the apartment was
// idle or re-entered it while it was itself waiting on an outgoing call.
type CallType uint8

const (
	TopLevel CallType = iota
	Nested
)

func (c CallType) String() string {
	if c == Nested {
		return "nested"
	}
	return "top-level"
}

// CallInfo describes an incoming call to a filter.
type CallInfo struct {
	Interface wire.InterfaceID
	Caller    wire.ApartmentID
	Object    wire.ObjectID
	Elapsed   time.Duration
	Method    uint32
	Attempt   int
	Type      CallType
}

type verdict uint8

const (
	accept verdict = iota
	reject
	retry
)

// Decision is a filter's answer for one delivery attempt.
type Decision struct {
	delay   time.Duration
	verdict verdict
}

// Accept runs the call now.
var Accept = Decision{}

// Reject fails the call with CallRejected.
func Reject() Decision {
	return Decision{verdict: reject}
}

// RetryAfter requeues the call and asks again after d. A zero d uses the
// apartment's exponential backoff.
func RetryAfter(d time.Duration) Decision {
	if d < 0 {
		d = 0
	}
	return Decision{verdict: retry, delay: d}
}

func (d Decision) String() string {
	switch d.verdict {
	case reject:
		return "reject"
	case retry:
		return "retry after " + d.delay.String()
	default:
		return "accept"
	}
}

// Filter decides whether an incoming call may run.
type Filter interface {
	HandleIncomingCall(info CallInfo) Decision
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(info CallInfo) Decision

func (f FilterFunc) HandleIncomingCall(info CallInfo) Decision {
	return f(info)
}

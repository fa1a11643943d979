// Package apartment implements the dispatchers that run incoming calls.
//
// A SingleThread apartment owns one goroutine locked to its OS thread. Calls
// and Do work are queued and run on it in FIFO order, never overlapping.
// While that goroutine waits on an outgoing call it keeps serving its queue,
// so objects may call back into an apartment that is itself mid-call.
//
// A MultiThread apartment runs calls on the caller's goroutine; objects
// hosted there must be safe for concurrent use.
//
// Every apartment owns a stub.Table. Close fails queued calls with
// Disconnected and force-disconnects every stub.
//
// A Filter may inspect each incoming call and accept, reject, or retry it
// later:
//
//	a.SetFilter(apartment.FilterFunc(func(info apartment.CallInfo) apartment.Decision {
//	    if info.Type == apartment.Nested {
//	        return apartment.RetryAfter(0)
//	    }
//	    return apartment.Accept
//	}))
package apartment

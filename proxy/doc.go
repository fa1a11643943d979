// Package proxy keeps the process-wide proxy table and forwards calls.
//
// A Proxy stands in for one object owned by another apartment, keyed by
// owner process, owner apartment, object id and client binding. Each
// unmarshal hands out a Handle; the proxy lives until its last handle is
// released, then gives its stub lock back through the owning Peer.
//
// A call sizes and encodes its arguments with the type registry, sends a
// wire.Call to the owner, waits for the wire.Reply and decodes the results.
// Every call is traced with an OpenTelemetry client span.
package proxy

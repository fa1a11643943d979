package runtime

import (
	"context"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/proxy"
	"github.com/wippyai/marshal-runtime/wire"
)

// Peer is the owning side of marshaled references, as seen by a process
// that imports them.
type Peer interface {
	proxy.Peer
	// ReleaseData revokes a reference that will never be unmarshaled.
	ReleaseData(ctx context.Context, ref *wire.ObjectRef, ticket uint64) error
}

// Transport reaches other processes. The runtime only defines the contract;
// moving the bytes is up to the implementation.
type Transport interface {
	// Dial returns the peer for a process endpoint found in a reference.
	Dial(ctx context.Context, ep wire.Endpoint) (Peer, error)
}

// localPeer serves references exported by this runtime. Lock traffic goes
// straight to the stub tables; calls go through the owning apartment.
type localPeer struct {
	r *Runtime
}

func (p *localPeer) Call(ctx context.Context, apt wire.ApartmentID, msg []byte) ([]byte, error) {
	call, err := wire.DecodeCall(msg)
	if err != nil {
		return nil, err
	}
	if call.ApartmentID != apt {
		return nil, errors.InvalidInput(errors.PhaseCall, "call addressed to a different apartment")
	}
	a, err := p.r.lookup(errors.PhaseCall, apt, call.ObjectID)
	if err != nil {
		return wire.EncodeReply(wire.ErrorReply(err)), nil
	}
	return wire.EncodeReply(a.Call(ctx, call)), nil
}

func (p *localPeer) Acquire(_ context.Context, ref *wire.ObjectRef, ticket uint64) error {
	a, err := p.r.lookup(errors.PhaseUnmarshal, ref.ApartmentID, ref.ObjectID)
	if err != nil {
		return err
	}
	if ref.Mode() == wire.Normal {
		return a.Stubs().Consume(ref.ObjectID, ticket)
	}
	return a.Stubs().AddRef(ref.ObjectID)
}

func (p *localPeer) Release(_ context.Context, apt wire.ApartmentID, obj wire.ObjectID, locks uint32) error {
	a, ok := p.r.Apartment(apt)
	if !ok {
		return nil
	}
	err := a.Stubs().Release(obj, locks)
	if errors.Is(err, errors.ErrUnknownObject) {
		// disconnected while the proxy still held its lock
		return nil
	}
	return err
}

func (p *localPeer) Remarshal(_ context.Context, apt wire.ApartmentID, obj wire.ObjectID, iid wire.InterfaceID, mode wire.Mode, dest wire.Context) ([]byte, error) {
	a, err := p.r.lookup(errors.PhaseMarshal, apt, obj)
	if err != nil {
		return nil, err
	}
	g, err := a.Stubs().MarshalID(obj, iid, mode)
	if err != nil {
		return nil, err
	}
	data, err := p.r.encodeRef(iid, apt, g, mode, dest)
	if err != nil {
		_ = a.Stubs().ReleaseData(obj, mode, g.Ticket)
		return nil, err
	}
	return data, nil
}

func (p *localPeer) ReleaseData(_ context.Context, ref *wire.ObjectRef, ticket uint64) error {
	a, err := p.r.lookup(errors.PhaseUnmarshal, ref.ApartmentID, ref.ObjectID)
	if err != nil {
		return err
	}
	return a.Stubs().ReleaseData(ref.ObjectID, ref.Mode(), ticket)
}

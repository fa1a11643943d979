package runtime

import (
	"sort"

	"github.com/google/uuid"

	"github.com/wippyai/marshal-runtime/apartment"
	"github.com/wippyai/marshal-runtime/proxy"
	"github.com/wippyai/marshal-runtime/stub"
	"github.com/wippyai/marshal-runtime/wire"
)

// ApartmentInfo is a point-in-time view of one apartment.
type ApartmentInfo struct {
	Stubs  []stub.Entry
	ID     wire.ApartmentID
	Queued int
	Model  apartment.Model
	State  apartment.State
}

// Snapshot is a point-in-time view of the runtime's tables.
type Snapshot struct {
	Apartments []ApartmentInfo
	Proxies    []proxy.Info
	Handles    int
	Process    uuid.UUID
}

// Locks sums the stub locks held across every apartment.
func (s Snapshot) Locks() uint32 {
	var n uint32
	for _, a := range s.Apartments {
		for _, e := range a.Stubs {
			n += e.Locks
		}
	}
	return n
}

// Snapshot captures the apartments, stubs and proxies.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.RLock()
	apts := make([]*apartment.Apartment, 0, len(r.apartments))
	for _, a := range r.apartments {
		apts = append(apts, a)
	}
	r.mu.RUnlock()
	sort.Slice(apts, func(i, j int) bool { return apts[i].ID() < apts[j].ID() })

	s := Snapshot{
		Process: r.process,
		Proxies: r.proxies.Snapshot(),
		Handles: r.handles.Len(),
	}
	for _, a := range apts {
		s.Apartments = append(s.Apartments, ApartmentInfo{
			ID:     a.ID(),
			Model:  a.Model(),
			State:  a.State(),
			Queued: a.Queued(),
			Stubs:  a.Stubs().Snapshot(),
		})
	}
	return s
}

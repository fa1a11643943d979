package stub

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/resource"
	"github.com/wippyai/marshal-runtime/wire"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package logger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger replaces the package logger.
func SetLogger(l *zap.Logger) {
	logger = l
}

// Stub owns one real object on behalf of every proxy that references it.
type Stub struct {
	obj      Object
	tickets  map[uint64]struct{}
	id       wire.ObjectID
	locks    uint32
	strong   uint32
	weak     uint32
	external uint32
	inflight int
	dead     bool
	dropped  bool
}

// ID returns the object id the stub was registered under.
func (s *Stub) ID() wire.ObjectID { return s.id }

// Object returns the real object.
func (s *Stub) Object() Object { return s.obj }

// Grant is what a marshal hands out: the object id and, for Normal
// marshals, the one-shot ticket that an unmarshal must present.
type Grant struct {
	Object wire.ObjectID
	Ticket uint64
}

// Entry is a point-in-time view of one stub.
type Entry struct {
	Type     string
	ID       wire.ObjectID
	Locks    uint32
	Strong   uint32
	Weak     uint32
	Tickets  int
	InFlight int
}

// Table is the stub table of one apartment. All lock count changes happen
// under a single mutex; objects are dropped outside it.
type Table struct {
	byID       map[wire.ObjectID]*Stub
	byObj      map[Object]*Stub
	revoked    map[uint64]struct{} // tickets of destroyed stubs that were never redeemed
	apartment  wire.ApartmentID
	lastID     uint64
	lastTicket uint64
	mu         sync.Mutex
	closed     bool
}

// NewTable creates an empty stub table for an apartment.
func NewTable(apartment wire.ApartmentID) *Table {
	return &Table{
		apartment: apartment,
		byID:      make(map[wire.ObjectID]*Stub),
		byObj:     make(map[Object]*Stub),
		revoked:   make(map[uint64]struct{}),
	}
}

// Apartment returns the id of the owning apartment.
func (t *Table) Apartment() wire.ApartmentID { return t.apartment }

// Marshal finds or creates the stub for obj and grants a reference of the
// given mode. Normal grants one lock and a ticket, TableStrong one pinning
// lock, TableWeak only a weak registration.
func (t *Table) Marshal(obj Object, iid wire.InterfaceID, mode wire.Mode) (Grant, error) {
	if err := checkObject(obj); err != nil {
		return Grant{}, err
	}
	if !mode.Valid() {
		return Grant{}, errors.InvalidInput(errors.PhaseMarshal, fmt.Sprintf("invalid marshal mode %d", mode))
	}
	if !obj.Implements(iid) {
		return Grant{}, errors.NoInterface(errors.PhaseMarshal, iid.String())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Grant{}, errors.Closed(errors.PhaseMarshal, t.name())
	}
	s := t.byObj[obj]
	if s == nil {
		s = t.create(obj)
	}
	return t.grant(s, mode), nil
}

// MarshalID grants a new reference to an existing stub. It is how a proxy
// is re-marshaled without stacking a proxy on a proxy.
func (t *Table) MarshalID(id wire.ObjectID, iid wire.InterfaceID, mode wire.Mode) (Grant, error) {
	if !mode.Valid() {
		return Grant{}, errors.InvalidInput(errors.PhaseMarshal, fmt.Sprintf("invalid marshal mode %d", mode))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byID[id]
	if s == nil {
		return Grant{}, t.gone(errors.PhaseMarshal, id)
	}
	if !s.obj.Implements(iid) {
		return Grant{}, errors.NoInterface(errors.PhaseMarshal, iid.String())
	}
	return t.grant(s, mode), nil
}

// Consume redeems the ticket of a Normal reference. The marshal's lock
// stays on the stub and now belongs to the unmarshaling proxy.
func (t *Table) Consume(id wire.ObjectID, ticket uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.byID[id]
	if s == nil {
		return t.missing(id, ticket)
	}
	if _, ok := s.tickets[ticket]; !ok {
		if t.issued(ticket) {
			return errors.AlreadyConsumed(errors.PhaseUnmarshal, uint64(id), ticket)
		}
		return errors.MalformedReference(errors.PhaseUnmarshal, fmt.Sprintf("ticket %d was never issued", ticket), nil)
	}
	delete(s.tickets, ticket)
	Logger().Debug("ticket consumed",
		zap.Uint64("apartment", uint64(t.apartment)),
		zap.Uint64("object", uint64(id)),
		zap.Uint64("ticket", ticket))
	return nil
}

// AddRef takes one more lock on a live stub.
func (t *Table) AddRef(id wire.ObjectID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byID[id]
	if s == nil {
		return errors.UnknownObject(errors.PhaseUnmarshal, uint64(t.apartment), uint64(id))
	}
	s.locks++
	return nil
}

// Release drops n locks. The stub is destroyed when its count reaches zero.
func (t *Table) Release(id wire.ObjectID, n uint32) error {
	t.mu.Lock()
	s := t.byID[id]
	if s == nil {
		t.mu.Unlock()
		return errors.UnknownObject(errors.PhaseCall, uint64(t.apartment), uint64(id))
	}
	if n > s.locks {
		locks := s.locks
		t.mu.Unlock()
		return errors.InvalidInput(errors.PhaseCall,
			fmt.Sprintf("release of %d locks on object %d holding %d", n, id, locks))
	}
	s.locks -= n
	drop := false
	if s.locks == 0 && n > 0 {
		drop = t.destroy(s)
	}
	t.mu.Unlock()

	if drop {
		dropObject(s)
	}
	return nil
}

// ReleaseData revokes a reference that will never be unmarshaled.
func (t *Table) ReleaseData(id wire.ObjectID, mode wire.Mode, ticket uint64) error {
	t.mu.Lock()
	s := t.byID[id]
	if s == nil {
		if mode != wire.Normal {
			ticket = 0
		}
		err := t.missing(id, ticket)
		t.mu.Unlock()
		return err
	}

	switch mode {
	case wire.Normal:
		if _, ok := s.tickets[ticket]; !ok {
			t.mu.Unlock()
			return errors.AlreadyConsumed(errors.PhaseUnmarshal, uint64(id), ticket)
		}
		delete(s.tickets, ticket)
		s.locks--
	case wire.TableStrong:
		if s.strong == 0 {
			t.mu.Unlock()
			return errors.UnknownObject(errors.PhaseUnmarshal, uint64(t.apartment), uint64(id))
		}
		s.strong--
		s.locks--
	case wire.TableWeak:
		if s.weak == 0 {
			t.mu.Unlock()
			return errors.UnknownObject(errors.PhaseUnmarshal, uint64(t.apartment), uint64(id))
		}
		s.weak--
	default:
		t.mu.Unlock()
		return errors.InvalidInput(errors.PhaseUnmarshal, fmt.Sprintf("invalid marshal mode %d", mode))
	}

	drop := false
	if s.locks == 0 && (mode != wire.TableWeak || s.weak == 0) {
		drop = t.destroy(s)
	}
	t.mu.Unlock()

	if drop {
		dropObject(s)
	}
	return nil
}

// Disconnect destroys a stub regardless of its lock count. Proxies that
// still point at it fail their next call with Disconnected.
func (t *Table) Disconnect(id wire.ObjectID) error {
	t.mu.Lock()
	s := t.byID[id]
	if s == nil {
		t.mu.Unlock()
		return errors.UnknownObject(errors.PhaseCall, uint64(t.apartment), uint64(id))
	}
	drop := t.destroy(s)
	t.mu.Unlock()

	Logger().Info("stub disconnected",
		zap.Uint64("apartment", uint64(t.apartment)),
		zap.Uint64("object", uint64(id)))
	if drop {
		dropObject(s)
	}
	return nil
}

// Lookup returns the id of obj's stub, if it has one.
func (t *Table) Lookup(obj Object) (wire.ObjectID, bool) {
	if checkObject(obj) != nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byObj[obj]
	if s == nil {
		return 0, false
	}
	return s.id, true
}

// LockExternal adds or removes a strong lock on obj's stub without
// marshaling it. Locking creates the stub if needed; removing the last lock
// destroys it. Only locks taken here can be removed here.
func (t *Table) LockExternal(obj Object, lock bool) error {
	if err := checkObject(obj); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.Closed(errors.PhaseMarshal, t.name())
	}
	s := t.byObj[obj]
	if lock {
		if s == nil {
			s = t.create(obj)
		}
		s.locks++
		s.external++
		t.mu.Unlock()
		return nil
	}
	if s == nil || s.external == 0 {
		t.mu.Unlock()
		return errors.InvalidInput(errors.PhaseMarshal, "object holds no external lock")
	}
	s.external--
	s.locks--
	drop := false
	if s.locks == 0 {
		drop = t.destroy(s)
	}
	t.mu.Unlock()

	if drop {
		dropObject(s)
	}
	return nil
}

// Acquire returns the stub for an incoming call and counts the call as in
// flight. Every successful Acquire must be paired with Done.
func (t *Table) Acquire(id wire.ObjectID) (*Stub, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.Disconnected(errors.PhaseDispatch, t.name()+" shut down")
	}
	s := t.byID[id]
	if s == nil {
		return nil, t.gone(errors.PhaseDispatch, id)
	}
	s.inflight++
	return s, nil
}

// Done ends an in-flight call. A stub destroyed during the call drops its
// object here.
func (t *Table) Done(s *Stub) {
	t.mu.Lock()
	s.inflight--
	drop := s.dead && s.inflight == 0 && !s.dropped
	if drop {
		s.dropped = true
	}
	t.mu.Unlock()

	if drop {
		dropObject(s)
	}
}

// Close destroys every stub. Calls still executing finish first; later
// calls fail with Disconnected.
func (t *Table) Close() int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	var drops []*Stub
	n := len(t.byID)
	for _, s := range t.byID {
		if t.destroy(s) {
			drops = append(drops, s)
		}
	}
	t.mu.Unlock()

	for _, s := range drops {
		dropObject(s)
	}
	return n
}

// Len returns the number of live stubs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Locks returns the lock count of a live stub.
func (t *Table) Locks(id wire.ObjectID) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byID[id]
	if s == nil {
		return 0, false
	}
	return s.locks, true
}

// Snapshot lists the live stubs ordered by id.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, Entry{
			Type:     reflect.TypeOf(s.obj).String(),
			ID:       s.id,
			Locks:    s.locks,
			Strong:   s.strong,
			Weak:     s.weak,
			Tickets:  len(s.tickets),
			InFlight: s.inflight,
		})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Table) create(obj Object) *Stub {
	t.lastID++
	s := &Stub{
		obj:     obj,
		id:      wire.ObjectID(t.lastID),
		tickets: make(map[uint64]struct{}),
	}
	t.byID[s.id] = s
	t.byObj[obj] = s
	Logger().Debug("stub created",
		zap.Uint64("apartment", uint64(t.apartment)),
		zap.Uint64("object", uint64(s.id)))
	return s
}

// grant applies mode to s. Caller holds t.mu.
func (t *Table) grant(s *Stub, mode wire.Mode) Grant {
	g := Grant{Object: s.id}
	switch mode {
	case wire.Normal:
		t.lastTicket++
		g.Ticket = t.lastTicket
		s.tickets[g.Ticket] = struct{}{}
		s.locks++
	case wire.TableStrong:
		s.strong++
		s.locks++
	case wire.TableWeak:
		s.weak++
	}
	return g
}

// destroy unregisters s and reports whether its object should be dropped
// now. Caller holds t.mu.
func (t *Table) destroy(s *Stub) bool {
	delete(t.byID, s.id)
	delete(t.byObj, s.obj)
	s.dead = true
	s.locks, s.strong, s.weak, s.external = 0, 0, 0, 0
	for ticket := range s.tickets {
		t.revoked[ticket] = struct{}{}
	}
	s.tickets = nil
	Logger().Debug("stub destroyed",
		zap.Uint64("apartment", uint64(t.apartment)),
		zap.Uint64("object", uint64(s.id)),
		zap.Int("inflight", s.inflight))
	if s.inflight > 0 || s.dropped {
		return false
	}
	s.dropped = true
	return true
}

// gone reports a missing stub. Ids this table handed out before are
// disconnected; anything else was never registered here.
func (t *Table) gone(phase errors.Phase, id wire.ObjectID) error {
	if id != 0 && uint64(id) <= t.lastID {
		return errors.Disconnected(phase, fmt.Sprintf("object %d in apartment %d is gone", id, t.apartment))
	}
	return errors.UnknownObject(phase, uint64(t.apartment), uint64(id))
}

// missing reports a Normal ticket (or 0 for table modes) presented for a
// stub that no longer exists. A ticket redeemed before the stub went away is
// already consumed; one that was still outstanding when the stub was
// destroyed names an object that is gone. Caller holds t.mu.
func (t *Table) missing(id wire.ObjectID, ticket uint64) error {
	if _, ok := t.revoked[ticket]; !ok && t.issued(ticket) {
		return errors.AlreadyConsumed(errors.PhaseUnmarshal, uint64(id), ticket)
	}
	return errors.UnknownObject(errors.PhaseUnmarshal, uint64(t.apartment), uint64(id))
}

// issued reports whether ticket was handed out by this table. Caller holds
// t.mu.
func (t *Table) issued(ticket uint64) bool {
	return ticket != 0 && ticket <= t.lastTicket
}

func (t *Table) name() string {
	return fmt.Sprintf("apartment %d", t.apartment)
}

func checkObject(obj Object) error {
	if obj == nil {
		return errors.InvalidInput(errors.PhaseMarshal, "nil object")
	}
	if !reflect.TypeOf(obj).Comparable() {
		return errors.InvalidInput(errors.PhaseMarshal,
			fmt.Sprintf("object of type %T has no identity; use a pointer", obj))
	}
	return nil
}

func dropObject(s *Stub) {
	if d, ok := s.obj.(resource.Dropper); ok {
		d.Drop()
	}
}

package resource

// Handle is an opaque reference to a value in a Table.
// Handle 0 is reserved and always invalid.
type Handle uint32

// EventType identifies a handle lifecycle transition.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
	EventBorrowed
	EventBorrowReturned
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDropped:
		return "dropped"
	case EventBorrowed:
		return "borrowed"
	case EventBorrowReturned:
		return "borrow-returned"
	default:
		return "unknown"
	}
}

// Event represents a handle lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	TypeID uint32
	Type   EventType
}

// Observer receives notifications about handle lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// Dropper is optionally implemented by values that need cleanup when their
// handle is removed.
type Dropper interface {
	Drop()
}

// Blob is the value stored for a handle that arrived from another process.
// It holds the opaque bytes the exporting side serialized for it.
type Blob struct {
	Data   []byte
	TypeID uint32
}

package touchdetect

import "sync"

type EventType int

const (
	EventErrorClosingPort EventType = iota + 1
	EventErrorOpeningPort
	EventConnected
	EventDisconnected
	EventNewData
	EventConnectionError
)

func (t EventType) String() string {
	switch t {
	case EventErrorClosingPort:
		return "ERROR_CLOSING_PORT"
	case EventErrorOpeningPort:
		return "ERROR_OPENING_PORT"
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventNewData:
		return "NEW_DATA"
	case EventConnectionError:
		return "CONNECTION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered to handlers. Data depends on the transport: a
// TaxelArray for CAN and serial, [2]TaxelArray for WSG and a Sample for BLE.
type Event struct {
	Type   EventType
	Device *Device
	Data   any
	Err    error
}

type Handler func(Event)

type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Emitter calls handlers synchronously in registration order. Handlers may
// add or remove handlers; the change applies from the next Fire.
type Emitter struct {
	mu       sync.Mutex
	next     HandlerID
	handlers []handlerEntry
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

func (e *Emitter) Add(fn Handler) HandlerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.handlers = append(e.handlers, handlerEntry{id: e.next, fn: fn})
	return e.next
}

// Remove reports whether id was registered.
func (e *Emitter) Remove(id HandlerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

func (e *Emitter) Fire(ev Event) {
	e.mu.Lock()
	handlers := make([]handlerEntry, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()
	for _, h := range handlers {
		h.fn(ev)
	}
}

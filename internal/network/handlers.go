package network

import (
	"github.com/sustenet/sustenet/internal/protocol"
)

// Handler processes one inbound packet. from is the sender's connection id;
// p is positioned just after the packet id.
type Handler func(from int, p *protocol.Packet) error

// HandlerTable maps packet ids to handlers. It is built once per role
// instance and never mutated afterwards.
type HandlerTable struct {
	handlers map[int32]Handler
}

// NewHandlerTable copies m into an immutable table.
func NewHandlerTable(m map[int32]Handler) *HandlerTable {
	t := &HandlerTable{handlers: make(map[int32]Handler, len(m))}
	for id, h := range m {
		if h != nil {
			t.handlers[id] = h
		}
	}
	return t
}

// Lookup returns the handler registered for a packet id.
func (t *HandlerTable) Lookup(id int32) (Handler, bool) {
	if t == nil {
		return nil, false
	}
	h, ok := t.handlers[id]
	return h, ok
}

// Len returns the number of registered packet ids.
func (t *HandlerTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.handlers)
}

package ldap

import (
	"fmt"
	"slices"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/authrelay/internal/eventloop"
	"github.com/isometry/authrelay/internal/failure"
)

// Response is what a single-response operation resolves with. Controls is
// only populated when the caller asked for them.
type Response struct {
	Message  *Message
	Controls []ldap.Control
}

// StreamHandler consumes each response of a multi-response operation and
// reports whether it was the final one. It runs on the connection's event loop
// and must not block.
type StreamHandler func(msg *Message, controls []ldap.Control) (final bool)

type pendingOperation struct {
	id           int64
	completion   *eventloop.Future[*Response]
	handler      StreamHandler
	wantControls bool
}

// OperationTable maps outstanding message ids to their waiting callers. It is
// not safe for concurrent use; a Conn only touches it from its event loop.
type OperationTable struct {
	entries     map[int64]*pendingOperation
	unsolicited func(*Message)
}

// NewOperationTable returns an empty table. unsolicited receives messages with
// id 0 and may be nil.
func NewOperationTable(unsolicited func(*Message)) *OperationTable {
	return &OperationTable{
		entries:     make(map[int64]*pendingOperation),
		unsolicited: unsolicited,
	}
}

// Register records id as outstanding. Registering an id that is already
// outstanding, or the reserved id 0, panics: ids must be chosen unused.
func (t *OperationTable) Register(id int64, wantControls bool, handler StreamHandler) *eventloop.Future[*Response] {
	if id == 0 {
		panic("ldap: message id 0 is reserved for unsolicited notifications")
	}
	if _, ok := t.entries[id]; ok {
		panic(fmt.Sprintf("ldap: message id %d is already outstanding", id))
	}

	op := &pendingOperation{
		id:           id,
		completion:   eventloop.NewFuture[*Response](),
		handler:      handler,
		wantControls: wantControls,
	}
	t.entries[id] = op
	return op.completion
}

// Dispatch routes msg to its caller. A response for an id that is not
// outstanding is a protocol format error.
func (t *OperationTable) Dispatch(msg *Message) error {
	if msg.ID == 0 {
		if t.unsolicited != nil {
			t.unsolicited(msg)
		}
		return nil
	}

	op, ok := t.entries[msg.ID]
	if !ok {
		return failure.ProtocolFormat("dispatch", "response for unknown message id %d", msg.ID)
	}

	var controls []ldap.Control
	if op.wantControls {
		controls = msg.Controls
	}

	if op.handler == nil {
		delete(t.entries, msg.ID)
		op.completion.Resolve(&Response{Message: msg, Controls: controls})
		return nil
	}

	if op.handler(msg, controls) {
		delete(t.entries, msg.ID)
		op.completion.Resolve(nil)
	}
	return nil
}

// Remove fails a single outstanding operation with err. It reports whether id
// was outstanding.
func (t *OperationTable) Remove(id int64, err error) bool {
	op, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	op.completion.Fail(err)
	return true
}

// FailAll empties the table, failing every outstanding operation with a
// transport-lost error caused by reason. It returns the number failed.
func (t *OperationTable) FailAll(reason error) int {
	if len(t.entries) == 0 {
		return 0
	}

	drained := t.entries
	t.entries = make(map[int64]*pendingOperation)

	ids := make([]int64, 0, len(drained))
	for id := range drained {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		drained[id].completion.Fail(failure.TransportLost(fmt.Sprintf("message %d", id), reason))
	}
	return len(ids)
}

// Has reports whether id is outstanding.
func (t *OperationTable) Has(id int64) bool {
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of outstanding operations.
func (t *OperationTable) Len() int {
	return len(t.entries)
}

// Outstanding returns the outstanding ids in ascending order.
func (t *OperationTable) Outstanding() []int64 {
	ids := make([]int64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

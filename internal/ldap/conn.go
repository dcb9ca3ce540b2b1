package ldap

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/isometry/authrelay/internal/eventloop"
	"github.com/isometry/authrelay/internal/failure"
	"github.com/isometry/authrelay/internal/logging"
	"github.com/isometry/authrelay/internal/metrics"
)

const readBufferSize = 32 << 10

// ConnOptions tunes a Conn.
type ConnOptions struct {
	// Debug logs every message sent and received.
	Debug bool
	// Redactor hides logged field values; nil uses logging.DefaultRedactor.
	Redactor logging.Redactor
	// MaxFrameSize bounds inbound messages; zero uses DefaultMaxFrameSize.
	MaxFrameSize int
	// Secure marks a transport that is already encrypted (ldaps).
	Secure bool
	// Metrics may be nil.
	Metrics *metrics.Recorder
}

// Conn is an asynchronous LDAP client connection. Requests may be issued from
// any goroutine; responses are correlated by message id on the connection's
// event loop and delivered to the waiting caller.
type Conn struct {
	id        string
	transport Transport
	loop      *eventloop.Loop
	log       *logging.TFLogger
	debug     bool
	redact    logging.Redactor
	metrics   *metrics.Recorder

	// Owned by the event loop.
	table     *OperationTable
	decoder   *FrameDecoder
	connected bool
	upgrading bool
	secure    bool
	nextID    int64
	parkAfter int64
	closeErr  error
	hooks     []func(*Message)

	// Requests sent without a response whose write has not returned.
	unanswered int
	// Ids whose pending entry was dropped by Abandon.
	abandoned map[int64]struct{}

	writeMu sync.Mutex
	resume  chan struct{}
	closed  chan struct{}
}

// NewConn takes ownership of transport and starts reading from it.
func NewConn(ctx context.Context, transport Transport, opts ConnOptions) *Conn {
	redact := opts.Redactor
	if redact == nil {
		redact = logging.DefaultRedactor
	}

	id := uuid.NewString()
	c := &Conn{
		id:        id,
		transport: transport,
		loop:      eventloop.New(),
		log:       logging.NewTFLogger(ctx, logging.SubsystemLDAP).With("connection_id", id),
		debug:     opts.Debug,
		redact:    redact,
		metrics:   opts.Metrics,
		decoder:   NewFrameDecoder(opts.MaxFrameSize),
		connected: true,
		secure:    opts.Secure,
		resume:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		abandoned: make(map[int64]struct{}),
	}
	c.table = NewOperationTable(c.handleUnsolicited)

	c.metrics.LDAPConnection("opened")
	go c.readLoop()
	return c
}

// ID identifies the connection in logs.
func (c *Conn) ID() string {
	return c.id
}

// OnUnsolicited registers fn for messages with id 0. fn runs on the event loop.
func (c *Conn) OnUnsolicited(fn func(*Message)) {
	c.loop.Post(func() {
		c.hooks = append(c.hooks, fn)
	})
}

// Connected reports whether the connection is still usable.
func (c *Conn) Connected() bool {
	var connected bool
	if err := c.loop.Do(context.Background(), func() { connected = c.connected }); err != nil {
		return false
	}
	return connected
}

// Secure reports whether the transport is encrypted.
func (c *Conn) Secure() bool {
	var secure bool
	if err := c.loop.Do(context.Background(), func() { secure = c.secure }); err != nil {
		return false
	}
	return secure
}

// Closed is closed once the connection is torn down.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Err returns the reason the connection was torn down, or nil.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// SendRequest sends op and waits for its single response. Cancelling ctx stops
// the wait; the operation stays outstanding until a response or disconnect.
func (c *Conn) SendRequest(ctx context.Context, op Operation, controls []ldap.Control, wantControls bool) (*Response, error) {
	if !expectsResponse(op) {
		return nil, failure.Precondition(OperationName(op), "operation has no response")
	}

	start := time.Now()
	completion, err := c.send(ctx, op, controls, wantControls, nil)
	if err != nil {
		return nil, err
	}

	resp, err := completion.Wait(ctx)
	c.observe(op, start, err)
	return resp, err
}

// SendStream sends op and feeds every response to handler until it reports
// the final one.
func (c *Conn) SendStream(ctx context.Context, op Operation, controls []ldap.Control, wantControls bool, handler StreamHandler) error {
	if handler == nil {
		return failure.Precondition(OperationName(op), "stream handler is required")
	}
	if !expectsResponse(op) {
		return failure.Precondition(OperationName(op), "operation has no response")
	}

	start := time.Now()
	completion, err := c.send(ctx, op, controls, wantControls, handler)
	if err != nil {
		return err
	}

	_, err = completion.Wait(ctx)
	c.observe(op, start, err)
	return err
}

// SendNoResponse sends an operation the server never answers (unbind, abandon).
func (c *Conn) SendNoResponse(ctx context.Context, op Operation, controls []ldap.Control) error {
	if expectsResponse(op) {
		return failure.Precondition(OperationName(op), "operation expects a response")
	}

	_, err := c.send(ctx, op, controls, false, nil)
	return err
}

func (c *Conn) send(_ context.Context, op Operation, controls []ldap.Control, wantControls bool, handler StreamHandler) (*eventloop.Future[*Response], error) {
	name := OperationName(op)

	packet, err := op.encode()
	if err != nil {
		return nil, failure.Precondition(name, "cannot encode request: %v", err)
	}

	var (
		id         int64
		completion *eventloop.Future[*Response]
		refused    error
	)
	err = c.loop.Do(context.Background(), func() {
		if !c.connected {
			refused = failure.Precondition(name, "not connected")
			return
		}
		if c.upgrading {
			refused = failure.Precondition(name, "STARTTLS upgrade in progress")
			return
		}
		id = c.allocateID()
		if expectsResponse(op) {
			completion = c.table.Register(id, wantControls, handler)
		} else {
			c.unanswered++
		}
	})
	if errors.Is(err, eventloop.ErrStopped) {
		return nil, failure.Precondition(name, "not connected")
	}
	if refused != nil {
		return nil, refused
	}

	err = c.write(&Message{ID: id, Op: op, Controls: controls}, packet)
	if completion == nil {
		c.loop.Post(func() { c.unanswered-- })
		if err != nil {
			return nil, failure.TransportLost(name, err)
		}
	}
	return completion, nil
}

// write sends an encoded message. A write failure tears the connection down,
// which fails the message's own pending entry along with the rest.
func (c *Conn) write(msg *Message, packet *ber.Packet) error {
	data := encodeEnvelope(msg.ID, packet, msg.Controls)

	if c.debug {
		c.log.Debug("Sending LDAP message", logging.SanitizeFields(messageFields(msg), c.redact))
	}

	c.writeMu.Lock()
	_, err := c.transport.Write(data)
	c.writeMu.Unlock()

	if err != nil {
		c.loop.Post(func() { c.teardown(err) })
	}
	return err
}

// allocateID returns the next free id. Ids wrap at 2^31-1 and skip 0 and any
// id still outstanding or abandoned.
func (c *Conn) allocateID() int64 {
	for {
		c.nextID++
		if c.nextID > maxMessageID {
			c.nextID = 1
		}
		if _, gone := c.abandoned[c.nextID]; gone {
			continue
		}
		if !c.table.Has(c.nextID) {
			return c.nextID
		}
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			var park bool
			if c.loop.Do(context.Background(), func() { park = c.deliver(chunk) }) != nil {
				return
			}

			// The bytes after a STARTTLS response belong to the TLS handshake.
			if park {
				select {
				case <-c.resume:
				case <-c.closed:
					return
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.loop.Post(func() { c.teardown(err) })
			return
		}
	}
}

// deliver decodes chunk and dispatches the complete messages. It reports
// whether the reader must pause before reading again.
func (c *Conn) deliver(chunk []byte) (park bool) {
	if !c.connected {
		return false
	}

	msgs, decodeErr := c.decoder.Feed(chunk)
	for _, msg := range msgs {
		if c.debug {
			c.log.Debug("Received LDAP message", logging.SanitizeFields(messageFields(msg), c.redact))
		}

		if c.discardAbandoned(msg) {
			continue
		}

		if err := c.table.Dispatch(msg); err != nil {
			c.teardown(err)
			return false
		}

		if c.parkAfter != 0 && msg.ID == c.parkAfter {
			c.parkAfter = 0
			park = true
		}
	}

	if decodeErr != nil {
		c.teardown(decodeErr)
		return false
	}

	return park
}

// discardAbandoned drops a response to an abandoned operation. A final
// response releases the id.
func (c *Conn) discardAbandoned(msg *Message) bool {
	if _, ok := c.abandoned[msg.ID]; !ok {
		return false
	}
	switch msg.Op.(type) {
	case *SearchResultEntry, *SearchResultReference, *IntermediateResponse:
	default:
		delete(c.abandoned, msg.ID)
	}
	c.log.Debug("Discarding response to abandoned operation", map[string]any{
		"message_id": msg.ID,
		"operation":  OperationName(msg.Op),
	})
	return true
}

func (c *Conn) handleUnsolicited(msg *Message) {
	for _, hook := range c.hooks {
		hook(msg)
	}

	ext, ok := msg.Op.(*ExtendedResponse)
	if !ok {
		c.log.Debug("Ignoring unsolicited message", map[string]any{
			"operation": OperationName(msg.Op),
		})
		return
	}

	if ext.Name == NoticeOfDisconnectionOID {
		c.log.Warn("Server sent notice of disconnection", map[string]any{
			"result_code": ext.Code,
			"diagnostic":  ext.Diagnostic,
		})
	}
}

// teardown closes the connection and fails every pending operation. It runs on
// the event loop and is a no-op after the first call.
func (c *Conn) teardown(reason error) {
	if !c.connected {
		return
	}

	c.connected = false
	c.upgrading = false
	c.closeErr = reason

	failed := c.table.FailAll(reason)

	fields := map[string]any{
		"pending_failed": failed,
	}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	LogConnectionEvent(c.log, "connection_lost", fields)
	c.metrics.LDAPConnection("lost")

	close(c.closed)
	_ = c.transport.Close()
	c.loop.Stop()
}

// Close tears the connection down without sending an unbind. Pending
// operations fail with a transport-lost error.
func (c *Conn) Close() error {
	if !c.loop.Post(func() { c.teardown(errConnClosed) }) {
		return nil
	}
	<-c.loop.Done()
	return nil
}

var errConnClosed = errors.New("connection closed by client")

func (c *Conn) observe(op Operation, start time.Time, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case failure.KindOf(err) != failure.KindUnknown:
		outcome = string(failure.KindOf(err))
	default:
		outcome = "error"
	}
	c.metrics.LDAPOperation(OperationName(op), outcome, time.Since(start))
}

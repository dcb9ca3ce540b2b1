package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/isometry/authrelay/internal/authresult"
	"github.com/isometry/authrelay/internal/eventloop"
	"github.com/isometry/authrelay/internal/failure"
	"github.com/isometry/authrelay/internal/logging"
	"github.com/isometry/authrelay/internal/metrics"
)

const maxPacketSize = 4096

// Operation names used in failures and metrics.
const (
	opAccessRequest = "access-request"
	opRelay         = "relay"
)

// Options carries the collaborators of a Client.
type Options struct {
	// Conn is the socket to send from; nil listens on an ephemeral UDP port.
	Conn    net.PacketConn
	Metrics *metrics.Recorder
}

// Client sends Access-Requests to a list of upstream servers over one UDP
// socket. Requests are correlated by identifier; each attempt that goes
// unanswered for RetryWait is resent to the next server until the retry
// budget is spent.
type Client struct {
	config  *ClientConfig
	servers *EndpointSet
	secret  []byte
	nasIP   net.IP
	policy  authresult.Policy
	conn    net.PacketConn
	log     *logging.TFLogger
	metrics *metrics.Recorder
	loop    *eventloop.Loop

	// Owned by the event loop.
	ids      *identifierPool
	requests map[byte]*request
	closeErr error

	closeOnce  sync.Once
	readerDone chan struct{}
}

// request is the state of one outstanding request.
type request struct {
	op         string
	id         byte
	packet     *radius.Packet
	raw        []byte
	schedule   *RetryScheduler
	timer      *time.Timer
	server     *net.UDPAddr
	started    time.Time
	completion *eventloop.Future[*radius.Packet]
}

// Listen opens a UDP socket for a Client on addr, e.g. ":0".
func Listen(addr string) (net.PacketConn, error) {
	return net.ListenPacket("udp", addr)
}

// NewClient validates config, resolves the servers and the NAS IP, and starts
// reading responses. ctx carries the logging subsystems.
func NewClient(ctx context.Context, config *ClientConfig, opts Options) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	servers, err := ResolveEndpoints(config.Hosts, config.EffectivePort())
	if err != nil {
		return nil, err
	}

	nasIP := config.NASIP
	if nasIP == nil {
		if nasIP, err = DetectNASIP(); err != nil {
			return nil, err
		}
	}

	conn := opts.Conn
	if conn == nil {
		if conn, err = Listen(":0"); err != nil {
			return nil, fmt.Errorf("failed to open RADIUS socket: %w", err)
		}
	}

	c := &Client{
		config:     config,
		servers:    servers,
		secret:     []byte(config.Secret),
		nasIP:      nasIP,
		policy:     config.Policy(),
		conn:       conn,
		log:        logging.NewTFLogger(ctx, logging.SubsystemRADIUS).With("local_addr", conn.LocalAddr().String()),
		metrics:    opts.Metrics,
		loop:       eventloop.New(),
		ids:        newIdentifierPool(),
		requests:   make(map[byte]*request),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()

	c.log.Debug("RADIUS client created", map[string]any{
		"servers": servers.Strings(),
		"nas_ip":  nasIP.String(),
		"retries": config.Retries,
	})
	return c, nil
}

// NASIP returns the address sent as NAS-IP-Address.
func (c *Client) NASIP() net.IP { return c.nasIP }

// Authenticate sends an Access-Request for username and returns the
// normalized result. clientAddr, when set, is sent as Calling-Station-Id.
// passThrough attributes are added to the request unless it already carries
// them. An answer other than Access-Accept or Access-Reject is a protocol
// failure.
func (c *Client) Authenticate(ctx context.Context, username, password, clientAddr string, passThrough []authresult.Attribute) (*authresult.AuthResult, error) {
	p, err := c.newAccessRequest(username, password, clientAddr, passThrough)
	if err != nil {
		return nil, err
	}

	c.log.Info("Sending request", map[string]any{
		"username": username,
		"server":   c.servers.At(0).String(),
	})

	resp, err := c.exchange(ctx, opAccessRequest, p)
	if err != nil {
		return nil, err
	}

	switch resp.Code {
	case radius.CodeAccessAccept, radius.CodeAccessReject:
	default:
		return nil, failure.ProtocolFormat(opAccessRequest, "unexpected response code %s", resp.Code)
	}

	return authresult.Builder{}.FromRadius(resp.Code == radius.CodeAccessAccept, int(resp.Code), namedAttributes(resp), c.policy), nil
}

func (c *Client) newAccessRequest(username, password, clientAddr string, passThrough []authresult.Attribute) (*radius.Packet, error) {
	p := radius.New(radius.CodeAccessRequest, c.secret)

	if err := rfc2865.UserName_SetString(p, username); err != nil {
		return nil, failure.Precondition(opAccessRequest, "invalid username: %v", err)
	}
	if password != "" {
		encoded, err := encodePassword(password, c.config.PwCodec)
		if err != nil {
			return nil, failure.Precondition(opAccessRequest, "%v", err)
		}
		if err := rfc2865.UserPassword_Set(p, encoded); err != nil {
			return nil, failure.Precondition(opAccessRequest, "invalid password: %v", err)
		}
	}
	if err := rfc2865.NASIPAddress_Set(p, c.nasIP); err != nil {
		return nil, failure.Precondition(opAccessRequest, "invalid NAS IP: %v", err)
	}
	if clientAddr != "" {
		if err := rfc2865.CallingStationID_SetString(p, clientAddr); err != nil {
			return nil, failure.Precondition(opAccessRequest, "invalid client address: %v", err)
		}
	}

	for _, a := range passThrough {
		key, ok := lookupAttribute(a.Name)
		if !ok {
			return nil, failure.Precondition(opAccessRequest, "unknown attribute %q", a.Name)
		}
		if hasAttribute(p, key) && !passThroughRepeats(passThrough, a.Name) {
			continue
		}
		if err := addAttribute(p, key, a.Value); err != nil {
			return nil, failure.Precondition(opAccessRequest, "%v", err)
		}
	}

	if c.config.MessageAuthenticator || needsMessageAuthenticator(p) {
		withMessageAuthenticator(p)
	}
	return p, nil
}

// passThroughRepeats reports whether name occurs more than once in attrs. A
// caller attribute already set by the client is skipped, but every value of a
// multi-valued caller attribute is kept.
func passThroughRepeats(attrs []authresult.Attribute, name string) bool {
	n := 0
	for _, a := range attrs {
		if strings.EqualFold(a.Name, name) {
			n++
		}
	}
	return n > 1
}

// RelayResponse is an upstream answer to a relayed request.
type RelayResponse struct {
	// Packet carries the identifier, secret and authenticator of the
	// original request, so EncodeResponse produces a reply to it.
	Packet *radius.Packet
	// Result passes every attribute through.
	Result *authresult.AuthResult
}

// Relay forwards req upstream. The request is copied, given a new identifier
// and re-signed with the upstream secret; User-Password is re-encrypted. Any
// response code is returned.
func (c *Client) Relay(ctx context.Context, req *radius.Packet) (*RelayResponse, error) {
	out := &radius.Packet{
		Code:          req.Code,
		Authenticator: req.Authenticator,
		Secret:        c.secret,
	}
	for _, avp := range req.Attributes {
		out.Attributes = append(out.Attributes, &radius.AVP{
			Type:      avp.Type,
			Attribute: append(radius.Attribute(nil), avp.Attribute...),
		})
	}

	if enc, ok := req.Lookup(rfc2865.UserPassword_Type); ok {
		plain, err := radius.UserPassword(enc, req.Secret, req.Authenticator[:])
		if err != nil {
			return nil, failure.ProtocolFormat(opRelay, "cannot decrypt User-Password: %v", err)
		}
		reenc, err := radius.NewUserPassword(plain, c.secret, out.Authenticator[:])
		if err != nil {
			return nil, failure.Precondition(opRelay, "cannot encrypt User-Password: %v", err)
		}
		out.Set(rfc2865.UserPassword_Type, reenc)
	}

	c.log.Info("Sending proxied request", map[string]any{
		"original_id": req.Identifier,
		"server":      c.servers.At(0).String(),
	})

	resp, err := c.exchange(ctx, opRelay, out)
	if err != nil {
		return nil, err
	}

	resp.Identifier = req.Identifier
	resp.Secret = req.Secret
	resp.Authenticator = req.Authenticator

	return &RelayResponse{
		Packet: resp,
		Result: authresult.Builder{}.FromRadius(resp.Code == radius.CodeAccessAccept, int(resp.Code), namedAttributes(resp), authresult.RelayPolicy()),
	}, nil
}

// exchange assigns p an identifier, sends it with retries and waits for a
// validated response.
func (c *Client) exchange(ctx context.Context, op string, p *radius.Packet) (*radius.Packet, error) {
	idFuture, err := c.acquireID(ctx, op)
	if err != nil {
		return nil, err
	}
	id, err := idFuture.Wait(ctx)
	if err != nil {
		c.loop.Post(func() { c.ids.abandon(idFuture) })
		return nil, err
	}

	req := &request{
		op:         op,
		id:         id,
		packet:     p,
		schedule:   NewRetryScheduler(c.config.Retries, c.config.RetryWait, c.servers.Len()),
		started:    time.Now(),
		completion: eventloop.NewFuture[*radius.Packet](),
	}

	var startErr error
	if err := c.loop.Do(ctx, func() { startErr = c.start(req) }); err != nil {
		if errors.Is(err, eventloop.ErrStopped) {
			return nil, failure.Shutdown(op)
		}
		// The start task may still run; it releases the id on completion.
		c.loop.Post(func() { c.cancel(req) })
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}

	resp, err := req.completion.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.loop.Post(func() { c.cancel(req) })
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) acquireID(ctx context.Context, op string) (*eventloop.Future[byte], error) {
	var f *eventloop.Future[byte]
	var acquireErr error
	err := c.loop.Do(ctx, func() {
		if c.closeErr != nil {
			acquireErr = c.closeErr
			return
		}
		f, acquireErr = c.ids.acquire()
	})
	switch {
	case errors.Is(err, eventloop.ErrStopped):
		return nil, failure.Shutdown(op)
	case err != nil:
		return nil, err
	case acquireErr != nil:
		var fe *failure.Error
		if errors.As(acquireErr, &fe) && fe.Op == "identifier" {
			fe.Op = op
		}
		return nil, acquireErr
	}
	return f, nil
}

// start registers req and sends the first attempt. Runs on the loop.
func (c *Client) start(req *request) error {
	if c.closeErr != nil {
		c.ids.release(req.id)
		return c.closeErr
	}
	if _, busy := c.requests[req.id]; busy {
		return failure.Precondition(req.op, "identifier %d is already outstanding", req.id)
	}

	req.packet.Identifier = req.id
	raw, err := req.packet.Encode()
	if err == nil {
		err = signRequest(raw, c.secret)
	}
	if err != nil {
		c.ids.release(req.id)
		return failure.Precondition(req.op, "cannot encode request: %v", err)
	}
	req.raw = raw

	c.requests[req.id] = req
	c.send(req)
	return nil
}

// send transmits the next attempt of req, or fails it when the retry budget
// is spent. Runs on the loop.
func (c *Client) send(req *request) {
	idx, ok := req.schedule.Next()
	if !ok {
		c.log.Warn("Request timeout", map[string]any{
			"identifier": req.id,
			"server":     req.server.String(),
			"attempts":   req.schedule.Attempts(),
		})
		c.finish(req)
		c.complete(req, nil, failure.RetriesExhausted(req.op, req.schedule.Attempts()))
		return
	}

	req.server = c.servers.At(idx)
	if _, err := c.conn.WriteTo(req.raw, req.server); err != nil {
		c.log.Warn("Failed to send request", map[string]any{
			"identifier": req.id,
			"server":     req.server.String(),
			"error":      err.Error(),
		})
	} else if c.config.Debug {
		dumpPacket(c.log, "sent", req.server.String(), req.raw)
	}
	c.metrics.RADIUSAttempt(req.server.String())

	req.timer = time.AfterFunc(req.schedule.Wait(), func() {
		c.loop.Post(func() {
			if c.requests[req.id] == req {
				c.send(req)
			}
		})
	})
}

// finish stops req's timer, removes it and frees its identifier. Runs on the loop.
func (c *Client) finish(req *request) {
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
	if c.requests[req.id] == req {
		delete(c.requests, req.id)
		c.ids.release(req.id)
	}
}

// cancel abandons req after its caller stopped waiting. Runs on the loop.
func (c *Client) cancel(req *request) {
	if c.requests[req.id] != req {
		return
	}
	c.finish(req)
	req.completion.Fail(context.Canceled)
}

func (c *Client) complete(req *request, resp *radius.Packet, err error) {
	outcome := ""
	switch {
	case err != nil:
		outcome = string(failure.KindOf(err))
		req.completion.Fail(err)
	default:
		outcome = codeOutcome(resp.Code)
		req.completion.Resolve(resp)
	}
	c.metrics.RADIUSResult(outcome, time.Since(req.started))
}

func codeOutcome(code radius.Code) string {
	switch code {
	case radius.CodeAccessAccept:
		return "accept"
	case radius.CodeAccessReject:
		return "reject"
	case radius.CodeAccessChallenge:
		return "challenge"
	}
	return strings.ToLower(code.String())
}

func (c *Client) readLoop() {
	defer close(c.readerDone)

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			c.loop.Post(func() { c.teardown(failure.TransportLost("read", err)) })
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		if !c.loop.Post(func() { c.handleDatagram(datagram, from) }) {
			return
		}
	}
}

// handleDatagram validates a response and completes its request. Invalid
// responses are dropped and the request keeps waiting. Runs on the loop.
func (c *Client) handleDatagram(data []byte, from net.Addr) {
	if c.config.Debug {
		dumpPacket(c.log, "received", from.String(), data)
	}

	drop := func(reason string, fields map[string]any) {
		fields["source"] = from.String()
		fields["reason"] = reason
		c.log.Warn("Dropping packet", fields)
		c.metrics.RADIUSDrop(reason)
	}

	if !c.servers.Contains(from) {
		drop("unknown_source", map[string]any{})
		return
	}
	if len(data) < headerLen {
		drop("malformed", map[string]any{"length": len(data)})
		return
	}

	req, ok := c.requests[data[1]]
	if !ok {
		drop("unknown_id", map[string]any{"identifier": data[1]})
		return
	}
	if !radius.IsAuthenticResponse(data, req.raw, c.secret) {
		drop("bad_authenticator", map[string]any{"identifier": req.id})
		return
	}

	resp, err := radius.Parse(data, c.secret)
	if err != nil {
		drop("malformed", map[string]any{"identifier": req.id, "error": err.Error()})
		return
	}
	if _, ok := resp.Lookup(rfc2869.MessageAuthenticator_Type); ok && !verifyResponse(data, req.packet.Authenticator, c.secret) {
		drop("bad_message_authenticator", map[string]any{"identifier": req.id})
		return
	}
	resp.Authenticator = req.packet.Authenticator

	c.finish(req)
	fields := packetFields(resp)
	fields["source"] = from.String()
	c.log.Info("Got response", fields)
	c.complete(req, resp, nil)
}

// teardown fails every outstanding request and queued caller with reason.
// Runs on the loop.
func (c *Client) teardown(reason error) {
	if c.closeErr != nil {
		return
	}
	c.closeErr = reason

	for _, req := range c.requests {
		c.finish(req)
		var err error = failure.Shutdown(req.op)
		if failure.KindOf(reason) != failure.KindShutdown {
			err = failure.TransportLost(req.op, reason)
		}
		c.complete(req, nil, err)
	}
	c.ids.failWaiters(reason)

	c.log.Debug("RADIUS client stopped", map[string]any{"reason": reason.Error()})
}

// Close fails every outstanding request with a shutdown failure, then
// releases the socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.loop.Do(context.Background(), func() {
			c.teardown(failure.Shutdown("close"))
		})
		err = c.conn.Close()
		<-c.readerDone
		c.loop.Stop()
		<-c.loop.Done()
	})
	return err
}

package ldap

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/authrelay/internal/eventloop"
	"github.com/isometry/authrelay/internal/failure"
)

const startTLSOp = "starttls"

// StartTLS upgrades the connection to TLS with the STARTTLS extended
// operation. No other operation may be outstanding. If the server refuses the
// upgrade the connection stays usable in plaintext and an upgrade-rejected
// failure is returned. A failed handshake closes the connection. Cancelling ctx
// while the response is pending also closes it: the reader is parked for the
// handshake and the server may already have switched to TLS.
func (c *Conn) StartTLS(ctx context.Context, config *tls.Config) error {
	// Barrier: any dispatch queued ahead of us has finished and its handler
	// has returned before the outstanding check runs.
	if err := c.loop.Do(ctx, func() {}); err != nil {
		if errors.Is(err, eventloop.ErrStopped) {
			return failure.Precondition(startTLSOp, "not connected")
		}
		return err
	}

	req := &ExtendedRequest{Name: StartTLSOID}
	packet, err := req.encode()
	if err != nil {
		return err
	}

	var (
		id         int64
		completion *eventloop.Future[*Response]
		refused    error
	)
	err = c.loop.Do(context.Background(), func() {
		switch {
		case !c.connected:
			refused = failure.Precondition(startTLSOp, "not connected")
		case c.secure:
			refused = failure.Precondition(startTLSOp, "connection is already using TLS")
		case c.upgrading:
			refused = failure.Precondition(startTLSOp, "upgrade already in progress")
		case c.table.Len() > 0:
			busy := failure.Precondition(startTLSOp, "operations are outstanding")
			busy.Outstanding = c.table.Outstanding()
			refused = busy
		case c.unanswered > 0:
			refused = failure.Precondition(startTLSOp, "a request is still being written")
		default:
			c.upgrading = true
			id = c.allocateID()
			completion = c.table.Register(id, false, nil)
			c.parkAfter = id
		}
	})
	if errors.Is(err, eventloop.ErrStopped) {
		return failure.Precondition(startTLSOp, "not connected")
	}
	if refused != nil {
		return refused
	}

	c.log.Debug("Requesting STARTTLS upgrade", map[string]any{"message_id": id})

	// A failed write tears the connection down and fails completion.
	_ = c.write(&Message{ID: id, Op: req}, packet)

	resp, err := completion.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.failUpgrade(failure.TransportLost(startTLSOp, ctxErr))
		}
		return err
	}

	ext, ok := resp.Message.Op.(*ExtendedResponse)
	if !ok {
		return c.failUpgrade(failure.ProtocolFormat(startTLSOp, "unexpected %s in reply to STARTTLS", OperationName(resp.Message.Op)))
	}

	if ext.Code != ldap.LDAPResultSuccess {
		return c.failUpgrade(failure.UpgradeRejected(startTLSOp, resultCodeMessage(ext.Code), NewResultError(startTLSOp, ext.Result)))
	}

	if ext.Name != "" && ext.Name != StartTLSOID {
		return c.failUpgrade(failure.UpgradeRejected(startTLSOp, "invalid response name "+ext.Name, nil))
	}

	var buffered int
	if err := c.loop.Do(context.Background(), func() { buffered = c.decoder.Buffered() }); err != nil {
		return failure.TransportLost(startTLSOp, c.Err())
	}
	if buffered > 0 {
		return c.failUpgrade(failure.ProtocolFormat(startTLSOp, "%d plaintext bytes received after STARTTLS response", buffered))
	}

	c.writeMu.Lock()
	err = c.transport.StartTLS(ctx, config)
	c.writeMu.Unlock()

	if err != nil {
		return c.failUpgrade(failure.TransportLost(startTLSOp, err))
	}

	if err := c.loop.Do(context.Background(), func() {
		c.secure = true
		c.upgrading = false
	}); err != nil {
		return failure.TransportLost(startTLSOp, c.Err())
	}
	c.resumeReader()

	c.log.Info("Connection upgraded to TLS", nil)
	return nil
}

// failUpgrade ends an upgrade attempt with err. Fatal failures close the
// connection; the rest return it to plaintext service.
func (c *Conn) failUpgrade(err error) error {
	if failure.IsFatal(err) {
		c.loop.Post(func() { c.teardown(err) })
		return err
	}
	c.abandonUpgrade()
	return err
}

// abandonUpgrade returns the connection to plaintext service after a refused
// upgrade.
func (c *Conn) abandonUpgrade() {
	_ = c.loop.Do(context.Background(), func() {
		c.upgrading = false
	})
	c.resumeReader()
}

func (c *Conn) resumeReader() {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

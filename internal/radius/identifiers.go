package radius

import (
	"context"
	"crypto/rand"
	"math/big"
	"slices"

	"github.com/isometry/authrelay/internal/eventloop"
	"github.com/isometry/authrelay/internal/failure"
)

// maxWaiting bounds callers queued for an identifier.
const maxWaiting = 256

// identifierPool hands out the 256 RADIUS identifiers in random order. It is
// owned by the client's event loop.
type identifierPool struct {
	unused  []byte
	waiters []*eventloop.Future[byte]
}

func newIdentifierPool() *identifierPool {
	unused := make([]byte, 256)
	for i := range unused {
		unused[i] = byte(i)
	}
	// Fisher-Yates
	for i := len(unused) - 1; i > 0; i-- {
		j := randIndex(i + 1)
		unused[i], unused[j] = unused[j], unused[i]
	}
	return &identifierPool{unused: unused}
}

// acquire returns a future for the next free identifier. When none is free
// the caller waits in FIFO order.
func (p *identifierPool) acquire() (*eventloop.Future[byte], error) {
	f := eventloop.NewFuture[byte]()
	if len(p.unused) > 0 {
		f.Resolve(p.take())
		return f, nil
	}
	if len(p.waiters) >= maxWaiting {
		return nil, failure.Precondition("identifier", "too many concurrent requests")
	}
	p.waiters = append(p.waiters, f)
	return f, nil
}

func (p *identifierPool) take() byte {
	id := p.unused[0]
	p.unused = p.unused[1:]
	return id
}

// release returns id to the pool at a random position and wakes the first
// waiter. Releasing an identifier that is already free does nothing.
func (p *identifierPool) release(id byte) {
	if slices.Contains(p.unused, id) {
		return
	}
	p.unused = slices.Insert(p.unused, randIndex(len(p.unused)+1), id)

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.Resolve(p.take())
	}
}

// abandon withdraws a waiter whose caller gave up. If the future was already
// resolved its identifier goes back to the pool.
func (p *identifierPool) abandon(f *eventloop.Future[byte]) {
	if i := slices.Index(p.waiters, f); i >= 0 {
		p.waiters = slices.Delete(p.waiters, i, i+1)
		f.Fail(failure.Shutdown("identifier"))
		return
	}
	if !f.Settled() {
		return
	}
	if id, err := f.Wait(context.Background()); err == nil {
		p.release(id)
	}
}

// failWaiters fails every queued caller with err.
func (p *identifierPool) failWaiters(err error) {
	for _, w := range p.waiters {
		w.Fail(err)
	}
	p.waiters = nil
}

// available returns the number of free identifiers.
func (p *identifierPool) available() int { return len(p.unused) }

func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("radius: crypto/rand failed: " + err.Error())
	}
	return int(v.Int64())
}

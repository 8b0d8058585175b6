package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/circleci/harness/o11y"
)

// Listener owns the readiness socket for one harness run.
type Listener struct {
	conn *net.UDPConn

	// PollInterval bounds each wait for a datagram, DefaultPollInterval if zero.
	PollInterval time.Duration
	// Deadline bounds the whole of Await. There is no bound if it is zero.
	Deadline time.Duration
}

// Listen binds the readiness socket on addr. Only one listener can be bound to a port at a time.
func Listen(ctx context.Context, addr string) (_ *Listener, err error) {
	_, span := o11y.StartSpan(ctx, "readiness: listen")
	defer o11y.End(span, &err)
	span.AddField("address", addr)

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve readiness address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind readiness socket: %w", err)
	}
	span.AddField("bound", conn.LocalAddr().String())
	return &Listener{conn: conn}, nil
}

// Addr is the bound address as a udp://host:port target for instances to ping.
func (l *Listener) Addr() string {
	return "udp://" + l.conn.LocalAddr().String()
}

func (l *Listener) Close() error {
	return l.conn.Close()
}

// Await collects one handshake from every instance in outstanding, which is keyed by instance
// id. Handshakes are returned in the order they arrived, and only once all have arrived.
//
// While no datagram is pending the outstanding instances are polled, and Await fails with
// ErrPrematureExit if any has exited. A handshake for an id not in outstanding fails with
// ErrUnexpectedInstance, and a second handshake for the same id with ErrDuplicateInstance.
func (l *Listener) Await(ctx context.Context, outstanding map[int]Liveness) (ready []Handshake, err error) {
	ctx, span := o11y.StartSpan(ctx, "readiness: await")
	defer o11y.End(span, &err)
	span.AddField("instances", len(outstanding))
	span.RecordMetric(o11y.Timing("harness.readiness.await", "result"))

	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var deadline time.Time
	if l.Deadline > 0 {
		deadline = time.Now().Add(l.Deadline)
	}

	seen := make(map[int]bool, len(outstanding))
	buf := make([]byte, maxDatagram)

	for len(ready) < len(outstanding) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %d of %d after %s", ErrDeadline, len(ready), len(outstanding), l.Deadline)
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(interval)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		n, from, err := l.conn.ReadFromUDP(buf)
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			if err := checkLiveness(outstanding, seen); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		hs, err := Decode(buf[:n])
		if err != nil {
			return nil, err
		}
		if _, ok := outstanding[hs.ID]; !ok {
			return nil, fmt.Errorf("%w: '%d'", ErrUnexpectedInstance, hs.ID)
		}
		if seen[hs.ID] {
			return nil, fmt.Errorf("%w: '%d'", ErrDuplicateInstance, hs.ID)
		}
		seen[hs.ID] = true
		ready = append(ready, hs)

		o11y.Log(ctx, "readiness: handshake",
			o11y.Field("instance", hs.ID),
			o11y.Field("port", hs.Port),
			o11y.Field("from", from.String()),
			o11y.Field("ready", len(ready)),
		)
	}
	return ready, nil
}

func checkLiveness(outstanding map[int]Liveness, seen map[int]bool) error {
	for id, p := range outstanding {
		if seen[id] {
			continue
		}
		if code, exited := p.Poll(); exited {
			return &PrematureExitError{ID: id, Code: code}
		}
	}
	return nil
}

// PrematureExitError is returned when an instance exits before sending its handshake.
type PrematureExitError struct {
	ID   int
	Code int
}

func (e *PrematureExitError) Error() string {
	return fmt.Sprintf("instance %d exited prematurely with code %d", e.ID, e.Code)
}

func (e *PrematureExitError) Is(target error) bool {
	return target == ErrPrematureExit //nolint:errorlint // sentinel comparison
}

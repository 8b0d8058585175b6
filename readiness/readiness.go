// Package readiness implements the startup handshake between a harness and the instances it
// launches.
//
// The harness binds a UDP socket on a well known port and passes its address to every
// instance. Once an instance is listening it sends exactly one datagram back, a JSON object
// naming its instance id and the port it bound:
//
//	{"id": 0, "port": 43127}
//
// No acknowledgement is sent.
package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/circleci/harness/o11y"
)

// DefaultPollInterval bounds each wait for a datagram, between which the outstanding
// instances are checked for an early exit.
const DefaultPollInterval = 100 * time.Millisecond

const maxDatagram = 1 << 16

var (
	ErrPrematureExit      = errors.New("instance exited prematurely")
	ErrUnexpectedInstance = errors.New("no such instance")
	ErrDuplicateInstance  = errors.New("instance already ready")
	ErrMalformedHandshake = errors.New("malformed handshake")
	ErrTransport          = errors.New("error in readiness socket")
	ErrDeadline           = errors.New("instances did not become ready in time")
)

// Handshake is the message an instance sends once it is listening.
type Handshake struct {
	ID   int `json:"id"`
	Port int `json:"port"`
}

// Liveness is the view of a launched instance that the listener needs to notice one exiting.
type Liveness interface {
	Poll() (code int, exited bool)
}

// Decode parses a handshake datagram. Both fields are required.
func Decode(b []byte) (Handshake, error) {
	var raw struct {
		ID   *int `json:"id"`
		Port *int `json:"port"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	if raw.ID == nil || raw.Port == nil {
		return Handshake{}, fmt.Errorf("%w: %q needs both id and port", ErrMalformedHandshake, b)
	}
	if *raw.Port <= 0 || *raw.Port > 65535 {
		return Handshake{}, fmt.Errorf("%w: port %d out of range", ErrMalformedHandshake, *raw.Port)
	}
	return Handshake{ID: *raw.ID, Port: *raw.Port}, nil
}

// Target converts a udp://host:port target into a dialable host:port.
func Target(target string) (string, error) {
	if !strings.Contains(target, "://") {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.Scheme != "udp" {
		return "", fmt.Errorf("unsupported startup ping scheme %q", u.Scheme)
	}
	return u.Host, nil
}

// Ping sends the handshake for instance id, listening on port, to target. It is the instance
// side of the protocol.
func Ping(ctx context.Context, target string, id, port int) error {
	addr, err := Target(target)
	if err != nil {
		return err
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial startup ping target: %w", err)
	}
	defer conn.Close()

	b, err := json.Marshal(Handshake{ID: id, Port: port})
	if err != nil {
		return err
	}
	_, err = conn.Write(b)
	if err != nil {
		return fmt.Errorf("failed to send startup ping: %w", err)
	}
	o11y.Log(ctx, "readiness: ping sent", o11y.Field("target", addr), o11y.Field("instance", id), o11y.Field("port", port))
	return nil
}

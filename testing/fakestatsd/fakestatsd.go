// Package fakestatsd is a statsd server for tests, recording every metric it is sent.
package fakestatsd

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
)

type FakeStatsd struct {
	connection *net.UDPConn

	mu      sync.RWMutex
	metrics []Metric
}

func New(t testing.TB) *FakeStatsd {
	t.Helper()

	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	assert.Assert(t, err)

	conn, err := net.ListenUDP("udp", addr)
	assert.Assert(t, err)

	s := &FakeStatsd{
		connection: conn,
	}
	go s.listen()
	t.Cleanup(func() {
		_ = s.connection.Close()
	})

	return s
}

func (s *FakeStatsd) Addr() string {
	return s.connection.LocalAddr().String()
}

type Metric struct {
	Name  string
	Value string
	Type  string
	Tags  []string
}

func (s *FakeStatsd) Metrics() []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := make([]Metric, len(s.metrics))
	copy(metrics, s.metrics)
	return metrics
}

// Find returns the first metric recorded with name.
func (s *FakeStatsd) Find(name string) (Metric, bool) {
	for _, m := range s.Metrics() {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

func (s *FakeStatsd) recordMetric(m Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = append(s.metrics, m)
}

func (s *FakeStatsd) listen() {
	buffer := make([]byte, 1<<16)

	for {
		n, err := s.connection.Read(buffer)
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			continue
		}

		for _, raw := range bytes.Split(buffer[:n], []byte("\n")) {
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 {
				continue
			}
			if m, ok := parse(string(raw)); ok {
				s.recordMetric(m)
			}
		}
	}
}

// parse reads the dogstatsd line format, name:value|type|@rate|#tag1,tag2
func parse(raw string) (Metric, bool) {
	name, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Metric{}, false
	}
	parts := strings.Split(rest, "|")
	m := Metric{Name: name, Value: parts[0]}
	if len(parts) > 1 {
		m.Type = parts[1]
	}
	for _, p := range parts[2:] {
		if strings.HasPrefix(p, "#") {
			m.Tags = strings.Split(p[1:], ",")
		}
	}
	return m, true
}

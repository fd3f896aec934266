// Package sender implements the Sender: a per-caller facade over lazily
// established per-destination sockets, offering Send (single destination),
// MultiSend (serialize once, fan out to many), and SendLocal (pointer-pass
// to an in-process channel, no serialization at all).
package sender

import (
	"fmt"
	"net"
	"sync"

	"github.com/Edwardzcn/SLOG/internal/broker"
	"github.com/Edwardzcn/SLOG/internal/directory"
	"github.com/Edwardzcn/SLOG/internal/logging"
	"github.com/Edwardzcn/SLOG/internal/wire"
)

// Sender is the per-caller send facade. Once the broker behind its WeakRef
// has been stopped, sends deliver nothing and return wire.ErrBrokerGone.
type Sender struct {
	localMachineID directory.MachineID
	dir            *directory.Directory
	brokerRef      *broker.WeakRef
	logger         logging.Logger

	mu      sync.Mutex
	sockets map[directory.MachineID]net.Conn
}

// New builds a Sender for a broker running on localMachineID, resolving
// remote destinations through dir.
func New(localMachineID directory.MachineID, dir *directory.Directory, brokerRef *broker.WeakRef, logger logging.Logger) *Sender {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sender{
		localMachineID: localMachineID,
		dir:            dir,
		brokerRef:      brokerRef,
		logger:         logger,
		sockets:        make(map[directory.MachineID]net.Conn),
	}
}

// Send serializes env once and delivers it to a single remote (or local,
// via loopback-over-TCP semantics if dest happens to be the local machine)
// destination's to channel.
func (s *Sender) Send(env *wire.Envelope, dest directory.MachineID, to wire.Channel) error {
	return s.sendFrame(env, []directory.MachineID{dest}, to)
}

// MultiSend serializes env exactly once and copies the resulting frame to
// every destination, in order.
func (s *Sender) MultiSend(env *wire.Envelope, dests []directory.MachineID, to wire.Channel) error {
	return s.sendFrame(env, dests, to)
}

// SendLocal hands env directly to the broker's in-process channel registry
// without ever serializing it — the pointer-pass optimization. Because this
// call reaches the broker synchronously on the caller's own goroutine, a
// rejected BrokerRedirect install (wire.ErrRedirectConflict) or a misrouted
// destination (wire.ErrUnknownChannel) comes straight back as this call's
// return value, rather than being silently dropped.
func (s *Sender) SendLocal(env *wire.Envelope, to wire.Channel) error {
	b := s.brokerRef.Get()
	if b == nil {
		return wire.ErrBrokerGone
	}
	env.From = s.localMachineID
	return b.Deliver(s.localMachineID, to, env)
}

func (s *Sender) sendFrame(env *wire.Envelope, dests []directory.MachineID, to wire.Channel) error {
	env.From = s.localMachineID
	frame, err := wire.EncodeFrame(s.localMachineID, to, env)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	var firstErr error
	for _, dest := range dests {
		if err := s.sendTo(dest, frame); err != nil {
			s.logger.Warnw("sender: send failed", "dest", dest, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Sender) sendTo(dest directory.MachineID, frame []byte) error {
	if s.brokerRef.Get() == nil {
		return wire.ErrBrokerGone
	}
	conn, err := s.socketFor(dest)
	if err != nil {
		return err
	}
	if err := broker.WriteFrame(conn, frame); err != nil {
		s.mu.Lock()
		delete(s.sockets, dest)
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: %v", wire.ErrTransportFatal, err)
	}
	return nil
}

// socketFor lazily connects to dest's endpoint, reusing the connection for
// subsequent sends to the same destination.
func (s *Sender) socketFor(dest directory.MachineID) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.sockets[dest]; ok {
		return conn, nil
	}
	addr, ok := s.dir.EndpointOf(dest)
	if !ok {
		return nil, fmt.Errorf("sender: no endpoint known for %v", dest)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrTransportFatal, err)
	}
	s.sockets[dest] = conn
	return conn, nil
}

// Close tears down every connection this sender has lazily opened.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dest, conn := range s.sockets {
		_ = conn.Close()
		delete(s.sockets, dest)
	}
}

// Package conn implements the per-server connection engine: a
// non-blocking TCP socket driven by a send state machine and a receive
// state machine, with a short outbound packet queue.
//
// Both machines suspend at socket boundaries. In cooperative mode every
// would-block boundary surfaces api.ErrIOWait and the caller is expected
// to wait for readiness (normally via the owning session's Wait) before
// retrying. In blocking mode the engine polls its own descriptor, bounded
// by the owner's timeout, and only returns terminal results.
package conn

import (
	"fmt"
	"net"
	"strconv"

	"github.com/edwingeng/deque/v2"
	"golang.org/x/sys/unix"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/protocol"
)

// SendState is the outbound machine state.
type SendState int

const (
	SendIdle SendState = iota
	SendWriting
	SendFlushData
)

// RecvState is the inbound machine state.
type RecvState int

const (
	RecvRead RecvState = iota
	RecvReadData
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Owner is the engine's view of the session that owns it. The connection
// holds no back-pointer to concrete session state; everything it needs
// flows through this interface.
type Owner interface {
	// NonBlocking reports whether the session is in cooperative mode.
	NonBlocking() bool
	// TimeoutMS is the poll timeout in milliseconds, -1 for infinite.
	TimeoutMS() int
	// Logf delivers a log line at the given verbosity.
	Logf(v api.Verbose, format string, args ...any)
	// SetError records a bounded "function:message" diagnostic.
	SetError(function, format string, args ...any)
	// EventWatch is invoked whenever the connection's desired-events mask
	// changes.
	EventWatch(c *Conn, events int16) error
	// AllocWorkload and FreeWorkload route opaque-data buffers through the
	// caller's allocation hooks.
	AllocWorkload(size int) []byte
	FreeWorkload(buf []byte)
	// ReleasePacket returns a packet to the session, freeing hook-owned
	// data buffers.
	ReleasePacket(p *protocol.Packet)
	// SendingDelta adjusts the session's pending-send counter.
	SendingDelta(d int)
}

// Conn is one connection to a job server.
type Conn struct {
	owner Owner
	host  string
	port  int

	fd    int
	state connState
	addrs []unix.Sockaddr // unconsumed resolved candidates

	sendState SendState
	recvState RecvState

	events  int16
	revents int16
	ready   bool

	externalFD           bool
	ignoreLostConnection bool
	closeAfterFlush      bool

	queue    *deque.Deque[*protocol.Packet]
	sendBuf  []byte // unwritten remainder of the head packet's header+args
	sendData []byte // unwritten remainder of the head packet's data block

	recvHeader  [protocol.HeaderSize]byte
	recvHeaderN int
	in          *protocol.Packet // current inbound packet slot
	inPayload   []byte
	inPayloadN  int
	packetInUse bool
}

// New creates a connection for host:port. No socket is opened until the
// first flush; Recv on a connection that is not yet connected fails with
// NOT_CONNECTED.
func New(owner Owner, host string, port int) *Conn {
	return &Conn{
		owner: owner,
		host:  host,
		port:  port,
		fd:    -1,
		queue: deque.NewDeque[*protocol.Packet](),
	}
}

func (c *Conn) Host() string { return c.host }
func (c *Conn) Port() int    { return c.port }

// FD returns the socket descriptor, -1 when closed.
func (c *Conn) FD() int { return c.fd }

// Events returns the desired-events mask the engine currently wants.
func (c *Conn) Events() int16 { return c.events }

// Connected reports whether the socket is established.
func (c *Conn) Connected() bool { return c.state == stateConnected }

// QueueLen returns the number of packets waiting in the outbound queue.
func (c *Conn) QueueLen() int { return c.queue.Len() }

func (c *Conn) SendMachineState() SendState { return c.sendState }
func (c *Conn) RecvMachineState() RecvState { return c.recvState }

// SetIgnoreLostConnection suppresses LOST_CONNECTION on the send path
// when the outbound queue is empty.
func (c *Conn) SetIgnoreLostConnection(v bool) { c.ignoreLostConnection = v }

// SetCloseAfterFlush closes the socket once the outbound queue drains.
func (c *Conn) SetCloseAfterFlush(v bool) { c.closeAfterFlush = v }

// SetFD adopts an externally established, already connected descriptor.
// The caller retains ownership; Close will not close it.
func (c *Conn) SetFD(fd int) {
	c.fd = fd
	c.state = stateConnected
	c.externalFD = true
}

// SetRevents hands poll results back to the engine. Satisfied events are
// removed from the desired mask; any returned event marks the connection
// ready for draining via the session's Ready.
func (c *Conn) SetRevents(revents int16) {
	if revents != 0 {
		c.ready = true
	}
	c.revents |= revents
	c.events &^= revents
}

// TakeReady consumes the ready flag.
func (c *Conn) TakeReady() bool {
	if !c.ready {
		return false
	}
	c.ready = false
	return true
}

// Close tears the connection down: the socket is closed, queued packets
// are released, and both machines reset. The connection may reconnect on
// the next flush.
func (c *Conn) Close() {
	if c.fd != -1 && !c.externalFD {
		_ = unix.Close(c.fd)
	}
	c.fd = -1
	c.externalFD = false
	c.state = stateDisconnected
	c.addrs = nil

	for c.queue.Len() > 0 {
		p := c.queue.PopFront()
		c.owner.SendingDelta(-1)
		c.owner.ReleasePacket(p)
	}
	c.sendState = SendIdle
	c.sendBuf = nil
	c.sendData = nil

	c.recvState = RecvRead
	c.recvHeaderN = 0
	c.in = nil
	c.inPayload = nil
	c.inPayloadN = 0
	c.packetInUse = false

	c.events = 0
	c.revents = 0
}

// WatchReadable arms read interest so the owning session's poll reports
// inbound traffic. No-op while disconnected.
func (c *Conn) WatchReadable() error {
	if c.state != stateConnected {
		return nil
	}
	return c.setEvents(unix.POLLIN)
}

// setEvents adds bits to the desired-events mask and notifies the event
// watcher.
func (c *Conn) setEvents(events int16) error {
	if c.events&events == events {
		return nil
	}
	c.events |= events
	return c.owner.EventWatch(c, c.events)
}

// ioWait suspends until the needed readiness bits arrive. Previously
// distributed revents satisfy the wait immediately. In cooperative mode
// the caller gets api.ErrIOWait; in blocking mode the engine polls its own
// descriptor bounded by the owner's timeout.
func (c *Conn) ioWait(need int16) error {
	// Error conditions satisfy any wait; the next socket operation (or the
	// SO_ERROR check) surfaces the real failure.
	errbits := int16(unix.POLLERR | unix.POLLHUP | unix.POLLNVAL)
	if c.revents&(need|errbits) != 0 {
		c.revents &^= need | errbits
		return nil
	}
	if err := c.setEvents(need); err != nil {
		return err
	}
	if c.owner.NonBlocking() {
		return api.ErrIOWait
	}
	return c.pollOnce()
}

// pollOnce blocks on this connection's descriptor alone.
func (c *Conn) pollOnce() error {
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: c.events}}
	for {
		n, err := unix.Poll(pfd, c.owner.TimeoutMS())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.owner.SetError("gearman_connection_wait", "poll: %v", err)
			return fmt.Errorf("%w: poll: %v", api.ErrErrno, err)
		}
		if n == 0 {
			c.owner.SetError("gearman_connection_wait", "timeout reached")
			return api.ErrTimeout
		}
		c.SetRevents(pfd[0].Revents)
		c.ready = false // internal wait, not a session distribution
		return nil
	}
}

// connect drives the socket toward the connected state. Resolution happens
// once per connect cycle; every resolved address is tried before giving
// up with COULD_NOT_CONNECT.
func (c *Conn) connect() error {
	for {
		switch c.state {
		case stateConnected:
			return nil

		case stateDisconnected:
			if c.addrs == nil {
				addrs, err := resolve(c.host, c.port)
				if err != nil {
					c.owner.SetError("gearman_connection_connect", "lookup %s: %v", c.host, err)
					return fmt.Errorf("%w: %s:%d", api.ErrCouldNotConnect, c.host, c.port)
				}
				c.addrs = addrs
			}
			if len(c.addrs) == 0 {
				c.addrs = nil
				c.owner.SetError("gearman_connection_connect", "could not connect to %s:%d", c.host, c.port)
				return fmt.Errorf("%w: %s:%d", api.ErrCouldNotConnect, c.host, c.port)
			}
			sa := c.addrs[0]
			c.addrs = c.addrs[1:]

			fd, err := socketFor(sa)
			if err != nil {
				c.owner.Logf(api.VerboseDebug, "socket for %s:%d: %v", c.host, c.port, err)
				continue
			}
			c.fd = fd
			err = unix.Connect(fd, sa)
			switch {
			case err == nil:
				c.state = stateConnected
			case err == unix.EINPROGRESS || err == unix.EINTR:
				c.state = stateConnecting
			default:
				c.owner.Logf(api.VerboseDebug, "connect %s:%d: %v", c.host, c.port, err)
				_ = unix.Close(fd)
				c.fd = -1
			}

		case stateConnecting:
			if err := c.ioWait(unix.POLLOUT); err != nil {
				return err
			}
			soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if err == nil && soerr == 0 {
				c.state = stateConnected
				c.addrs = nil
				continue
			}
			c.owner.Logf(api.VerboseDebug, "connect %s:%d: %v", c.host, c.port, unix.Errno(soerr))
			_ = unix.Close(c.fd)
			c.fd = -1
			c.state = stateDisconnected
		}
	}
}

func socketFor(sa unix.Sockaddr) (int, error) {
	family := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	// Keep small replies moving; the protocol is request/response heavy.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return fd, nil
}

func resolve(host string, port int) ([]unix.Sockaddr, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	out := make([]unix.Sockaddr, 0, len(ips))
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], v4)
			out = append(out, sa)
		} else if v6 := ip.To16(); v6 != nil {
			sa := &unix.SockaddrInet6{Port: port}
			copy(sa.Addr[:], v6)
			out = append(out, sa)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable addresses for %s", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return out, nil
}

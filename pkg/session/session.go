// Package session aggregates connections to job servers under a single
// cooperative state machine: it owns the readiness poll, the packet
// tracking list, session-wide options, and the hooks callers may install.
//
// A session is single-threaded by contract. Callers needing parallelism
// create one session per goroutine.
package session

import (
	"golang.org/x/sys/unix"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/conn"
	"github.com/zy643208/gearmand/pkg/protocol"
)

// pollFunc matches unix.Poll; tests inject failures and canned revents
// through it.
type pollFunc func(fds []unix.PollFd, timeout int) (int, error)

// Session is the process-scoped aggregator for one logical client or
// worker.
type Session struct {
	nonBlocking       bool
	storedNonBlocking bool
	dontTrackPackets  bool

	verbose   api.Verbose
	timeoutMS int

	conns   []*conn.Conn
	sending int

	packets     map[*protocol.Packet]struct{}
	packetCount int

	pfds []unix.PollFd
	poll pollFunc

	lastErrno error
	lastError []byte

	logFn   api.LogFn
	eventFn func(c *conn.Conn, events int16) error
	allocFn api.WorkloadAllocFn
	freeFn  api.WorkloadFreeFn
}

// New creates an empty session with an infinite timeout and blocking mode.
func New() *Session {
	return &Session{
		timeoutMS: -1,
		packets:   make(map[*protocol.Packet]struct{}),
		poll:      unix.Poll,
		lastError: make([]byte, 0, maxErrorSize),
	}
}

// Clone copies options, timeout, and server list into a fresh session.
// Packet and connection runtime state is deliberately not cloned.
func (s *Session) Clone() *Session {
	d := New()
	d.nonBlocking = s.nonBlocking
	d.dontTrackPackets = s.dontTrackPackets
	d.timeoutMS = s.timeoutMS
	d.verbose = s.verbose
	for _, c := range s.conns {
		d.AddServer(c.Host(), c.Port())
	}
	return d
}

// Free closes every connection and releases tracked packets.
func (s *Session) Free() {
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	for p := range s.packets {
		s.ReleasePacket(p)
	}
}

// SetOption toggles a session option. Unknown options fail with
// INVALID_COMMAND.
func (s *Session) SetOption(opt api.Option, value bool) error {
	switch opt {
	case api.OptionNonBlocking:
		s.nonBlocking = value
	case api.OptionDontTrackPackets:
		s.dontTrackPackets = value
	default:
		return api.ErrInvalidCommand
	}
	return nil
}

// SetTimeout sets the poll timeout in milliseconds, -1 for infinite.
func (s *Session) SetTimeout(ms int) { s.timeoutMS = ms }

// Timeout returns the poll timeout in milliseconds.
func (s *Session) Timeout() int { return s.timeoutMS }

// SetVerbose sets the logging threshold.
func (s *Session) SetVerbose(v api.Verbose) { s.verbose = v }

// SetLogFn installs the log sink.
func (s *Session) SetLogFn(fn api.LogFn) { s.logFn = fn }

// SetEventWatchFn installs the event watcher, invoked whenever a
// connection's desired-events mask changes.
func (s *Session) SetEventWatchFn(fn func(c *conn.Conn, events int16) error) { s.eventFn = fn }

// SetWorkloadAllocFn and SetWorkloadFreeFn override data-buffer
// allocation for opaque workload blocks.
func (s *Session) SetWorkloadAllocFn(fn api.WorkloadAllocFn) { s.allocFn = fn }
func (s *Session) SetWorkloadFreeFn(fn api.WorkloadFreeFn)   { s.freeFn = fn }

// AddServer registers a job server. The socket is not opened until the
// first send.
func (s *Session) AddServer(host string, port int) *conn.Conn {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = protocol.DefaultPort
	}
	c := conn.New(s, host, port)
	s.conns = append(s.conns, c)
	return c
}

// RemoveConnection closes c and unlinks it from the session.
func (s *Session) RemoveConnection(c *conn.Conn) {
	for i, have := range s.conns {
		if have == c {
			c.Close()
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// Conns returns the live connection list. Callers must not hold the slice
// across calls that may remove connections.
func (s *Session) Conns() []*conn.Conn { return s.conns }

// ConnCount returns the number of registered connections.
func (s *Session) ConnCount() int { return len(s.conns) }

// Sending returns the number of packets queued but not fully sent.
func (s *Session) Sending() int { return s.sending }

// FlushAll drives the send machine of every connection that is not
// already waiting for writability. The first terminal failure wins.
func (s *Session) FlushAll() error {
	for _, c := range s.conns {
		if c.Events()&unix.POLLOUT != 0 {
			continue
		}
		if err := c.Flush(); api.Failed(err) {
			return err
		}
	}
	return nil
}

// Wait blocks until at least one connection has readiness, the timeout
// expires, or the poll fails. Returned events are distributed to the
// connections, arming their ready flags for Ready.
func (s *Session) Wait() error {
	if cap(s.pfds) < len(s.conns) {
		s.pfds = make([]unix.PollFd, 0, len(s.conns))
	}
	s.pfds = s.pfds[:0]

	active := make([]*conn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.Events() == 0 {
			continue
		}
		s.pfds = append(s.pfds, unix.PollFd{Fd: int32(c.FD()), Events: c.Events()})
		active = append(active, c)
	}
	if len(active) == 0 {
		s.SetError("gearman_wait", "no active file descriptors")
		return api.ErrNoActiveFDs
	}

	var n int
	for {
		var err error
		n, err = s.poll(s.pfds, s.timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.SetError("gearman_wait", "poll: %v", err)
			s.lastErrno = err
			return api.ErrErrno
		}
		break
	}
	if n == 0 {
		s.SetError("gearman_wait", "timeout reached")
		return api.ErrTimeout
	}

	for i, c := range active {
		c.SetRevents(s.pfds[i].Revents)
	}
	return nil
}

// Ready returns a connection with pending work and clears its flag, or
// nil when none remain. The scan restarts from the head each call because
// connections may be removed while the caller drains them.
func (s *Session) Ready() *conn.Conn {
	for _, c := range s.conns {
		if c.TakeReady() {
			return c
		}
	}
	return nil
}

// NewPacket builds an outbound request packet and tracks it unless packet
// tracking is disabled.
func (s *Session) NewPacket(cmd protocol.Command, args [][]byte, data []byte) (*protocol.Packet, error) {
	p, err := protocol.NewPacket(protocol.MagicRequest, cmd, args, data)
	if err != nil {
		s.SetError("gearman_packet_create", "%v", err)
		return nil, err
	}
	if !s.dontTrackPackets {
		s.packets[p] = struct{}{}
		s.packetCount++
	}
	return p, nil
}

// ReleasePacket frees a packet: hook-owned data buffers go back through
// the workload free hook and tracking state is dropped.
func (s *Session) ReleasePacket(p *protocol.Packet) {
	if p == nil {
		return
	}
	if p.FreeData && p.Data != nil {
		s.FreeWorkload(p.Data)
		p.Data = nil
		p.FreeData = false
	}
	if _, ok := s.packets[p]; ok {
		delete(s.packets, p)
		s.packetCount--
	}
}

// PacketCount returns the number of session-tracked packets.
func (s *Session) PacketCount() int { return s.packetCount }

// pushBlocking forces blocking mode for a self-contained subroutine and
// returns the restore function. Defer the restore so every exit path pops
// back to the stored mode.
func (s *Session) pushBlocking() func() {
	s.storedNonBlocking = s.nonBlocking
	s.nonBlocking = false
	return func() { s.nonBlocking = s.storedNonBlocking }
}

// Owner implementation for conn.

// NonBlocking reports whether the session is in cooperative mode.
func (s *Session) NonBlocking() bool { return s.nonBlocking }

// TimeoutMS implements conn.Owner.
func (s *Session) TimeoutMS() int { return s.timeoutMS }

// EventWatch implements conn.Owner, forwarding to the installed watcher.
func (s *Session) EventWatch(c *conn.Conn, events int16) error {
	if s.eventFn == nil {
		return nil
	}
	return s.eventFn(c, events)
}

// AllocWorkload implements conn.Owner.
func (s *Session) AllocWorkload(size int) []byte {
	if s.allocFn != nil {
		return s.allocFn(size)
	}
	return make([]byte, size)
}

// FreeWorkload implements conn.Owner.
func (s *Session) FreeWorkload(buf []byte) {
	if s.freeFn != nil {
		s.freeFn(buf)
	}
}

// SendingDelta implements conn.Owner.
func (s *Session) SendingDelta(d int) { s.sending += d }

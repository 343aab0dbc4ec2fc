package conn

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/protocol"
)

// testOwner is a minimal session stand-in for driving the engine.
type testOwner struct {
	nonBlocking bool
	timeoutMS   int
	lastError   string
	released    int
	sending     int
	allocs      int
	frees       int
}

func (o *testOwner) NonBlocking() bool { return o.nonBlocking }
func (o *testOwner) TimeoutMS() int    { return o.timeoutMS }
func (o *testOwner) Logf(v api.Verbose, format string, args ...any) {}
func (o *testOwner) SetError(function, format string, args ...any) {
	o.lastError = function + ":" + fmt.Sprintf(format, args...)
}
func (o *testOwner) EventWatch(c *Conn, events int16) error { return nil }
func (o *testOwner) AllocWorkload(size int) []byte {
	o.allocs++
	return make([]byte, size)
}
func (o *testOwner) FreeWorkload(buf []byte) { o.frees++ }
func (o *testOwner) ReleasePacket(p *protocol.Packet) {
	o.released++
	if p.FreeData && p.Data != nil {
		o.FreeWorkload(p.Data)
	}
}
func (o *testOwner) SendingDelta(d int) { o.sending += d }

// pair returns a connected socketpair; fd 0 is adopted by the engine.
func pair(t *testing.T) (local, peer int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestConn(t *testing.T, o *testOwner) (*Conn, int) {
	t.Helper()
	local, peer := pair(t)
	c := New(o, "test", 1)
	c.SetFD(local)
	return c, peer
}

func readAll(t *testing.T, fd, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := unix.Read(fd, buf[read:])
		if err != nil {
			t.Fatalf("peer read: %v", err)
		}
		if m == 0 {
			t.Fatalf("peer saw EOF after %d of %d bytes", read, n)
		}
		read += m
	}
	return buf
}

func TestSendWritesWireAndData(t *testing.T) {
	o := &testOwner{timeoutMS: -1}
	c, peer := newTestConn(t, o)

	p, err := protocol.NewPacket(protocol.MagicRequest, protocol.CmdSubmitJob,
		[][]byte{[]byte("reverse"), []byte("u-1")}, []byte("Hello!"))
	if err != nil {
		t.Fatalf("packet: %v", err)
	}
	if err := c.Send(p, true); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.SendMachineState() != SendIdle {
		t.Fatalf("send state = %v after full flush", c.SendMachineState())
	}
	if o.sending != 0 {
		t.Fatalf("pending-send count = %d", o.sending)
	}
	if o.released != 1 {
		t.Fatalf("released = %d packets", o.released)
	}

	want := append(append([]byte{}, p.Wire()...), []byte("Hello!")...)
	got := readAll(t, peer, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("peer got % x, want % x", got, want)
	}
}

func TestRecvReassemblesSplitPacket(t *testing.T) {
	o := &testOwner{nonBlocking: true}
	c, peer := newTestConn(t, o)
	if err := unix.SetNonblock(c.FD(), true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	// Nothing to read yet: the engine must suspend and arm read interest.
	if _, err := c.Recv(); !errors.Is(err, api.ErrIOWait) {
		t.Fatalf("recv on empty socket: %v", err)
	}
	if c.Events()&unix.POLLIN == 0 {
		t.Fatalf("read interest not armed")
	}

	res, err := protocol.NewPacket(protocol.MagicResponse, protocol.CmdWorkComplete,
		[][]byte{[]byte("H:lap:1")}, []byte("result"))
	if err != nil {
		t.Fatalf("packet: %v", err)
	}
	frame := append(append([]byte{}, res.Wire()...), res.Data...)

	// Deliver the header in two pieces, then the payload.
	writeAll(t, peer, frame[:5])
	c.SetRevents(unix.POLLIN)
	if _, err := c.Recv(); !errors.Is(err, api.ErrIOWait) {
		t.Fatalf("recv after partial header: %v", err)
	}
	if c.RecvMachineState() != RecvRead {
		t.Fatalf("recv state = %v with header incomplete", c.RecvMachineState())
	}

	writeAll(t, peer, frame[5:protocol.HeaderSize+3])
	c.SetRevents(unix.POLLIN)
	if _, err := c.Recv(); !errors.Is(err, api.ErrIOWait) {
		t.Fatalf("recv after partial payload: %v", err)
	}
	if c.RecvMachineState() != RecvReadData {
		t.Fatalf("recv state = %v with payload pending", c.RecvMachineState())
	}

	writeAll(t, peer, frame[protocol.HeaderSize+3:])
	c.SetRevents(unix.POLLIN)
	p, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if p.Command != protocol.CmdWorkComplete || p.Arg(0) != "H:lap:1" || string(p.Data) != "result" {
		t.Fatalf("decoded packet = %v %q %q", p.Command, p.Arg(0), p.Data)
	}
	if !p.FreeData {
		t.Fatalf("opaque data not routed through the workload hook")
	}
	if o.allocs != 1 {
		t.Fatalf("workload allocs = %d", o.allocs)
	}
	if c.RecvMachineState() != RecvRead {
		t.Fatalf("recv state not reset after delivery")
	}
}

func TestSendSuspendsOnFullSocket(t *testing.T) {
	o := &testOwner{nonBlocking: true}
	c, peer := newTestConn(t, o)
	if err := unix.SetNonblock(c.FD(), true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	if err := unix.SetNonblock(peer, true); err != nil {
		t.Fatalf("set peer nonblock: %v", err)
	}
	_ = unix.SetsockoptInt(c.FD(), unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)

	workload := bytes.Repeat([]byte("x"), 1<<20)
	p, err := protocol.NewPacket(protocol.MagicRequest, protocol.CmdSubmitJob,
		[][]byte{[]byte("big"), []byte("u-2")}, workload)
	if err != nil {
		t.Fatalf("packet: %v", err)
	}

	err = c.Send(p, true)
	if !errors.Is(err, api.ErrIOWait) {
		t.Fatalf("send into full socket: %v", err)
	}
	if st := c.SendMachineState(); st != SendWriting && st != SendFlushData {
		t.Fatalf("send state = %v mid-packet", st)
	}
	if c.Events()&unix.POLLOUT == 0 {
		t.Fatalf("write interest not armed mid-packet")
	}

	// Drain the peer and feed readiness back until the packet completes.
	total := len(p.Wire()) + len(workload)
	var got []byte
	buf := make([]byte, 64<<10)
	for api.ShouldContinue(err) {
		for len(got) < total {
			n, rerr := unix.Read(peer, buf)
			if rerr == unix.EAGAIN || n == 0 {
				break
			}
			if rerr != nil {
				t.Fatalf("peer read: %v", rerr)
			}
			got = append(got, buf[:n]...)
			if n < len(buf) {
				break
			}
		}
		c.SetRevents(unix.POLLOUT)
		err = c.Flush()
	}
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	for len(got) < total {
		n, rerr := unix.Read(peer, buf)
		if rerr == unix.EAGAIN {
			continue
		}
		if rerr != nil {
			t.Fatalf("peer read: %v", rerr)
		}
		got = append(got, buf[:n]...)
	}
	if len(got) != total {
		t.Fatalf("peer got %d bytes, want %d", len(got), total)
	}
	if c.SendMachineState() != SendIdle || c.QueueLen() != 0 {
		t.Fatalf("machine not idle after drain")
	}
}

func TestRecvZeroBytesIsLostConnection(t *testing.T) {
	o := &testOwner{timeoutMS: -1}
	c, peer := newTestConn(t, o)
	_ = unix.Close(peer)

	_, err := c.Recv()
	if !errors.Is(err, api.ErrLostConnection) {
		t.Fatalf("recv after peer close: %v", err)
	}
	if c.FD() != -1 || c.Connected() {
		t.Fatalf("connection not torn down after loss")
	}
}

func TestRecvOnClosedConnection(t *testing.T) {
	o := &testOwner{}
	c := New(o, "test", 1)
	if _, err := c.Recv(); !errors.Is(err, api.ErrNotConnected) {
		t.Fatalf("recv while disconnected: %v", err)
	}
}

func TestCloseReleasesQueuedPackets(t *testing.T) {
	o := &testOwner{nonBlocking: true}
	c, _ := newTestConn(t, o)

	p1, _ := protocol.NewPacket(protocol.MagicRequest, protocol.CmdPreSleep, nil, nil)
	p2, _ := protocol.NewPacket(protocol.MagicRequest, protocol.CmdGrabJob, nil, nil)
	if err := c.Send(p1, false); err != nil {
		t.Fatalf("queue p1: %v", err)
	}
	if err := c.Send(p2, false); err != nil {
		t.Fatalf("queue p2: %v", err)
	}
	if o.sending != 2 || c.QueueLen() != 2 {
		t.Fatalf("queued: sending=%d len=%d", o.sending, c.QueueLen())
	}

	c.Close()
	if o.sending != 0 || o.released != 2 || c.QueueLen() != 0 {
		t.Fatalf("teardown: sending=%d released=%d len=%d", o.sending, o.released, c.QueueLen())
	}
}

func TestBadHeaderClosesConnection(t *testing.T) {
	o := &testOwner{timeoutMS: -1}
	c, peer := newTestConn(t, o)

	writeAll(t, peer, []byte("GET / HTTP/1.0\r\n"))
	_, err := c.Recv()
	if !errors.Is(err, api.ErrInvalidMagic) {
		t.Fatalf("recv with text bytes: %v", err)
	}
	if c.Connected() {
		t.Fatalf("connection survived framing error")
	}
}

func writeAll(t *testing.T, fd int, buf []byte) {
	t.Helper()
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			t.Fatalf("peer write: %v", err)
		}
		buf = buf[n:]
	}
}

package conn

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/protocol"
)

// Send queues a packet for transmission. With flushNow the send machine is
// driven immediately; otherwise the packet waits for the next Flush.
func (c *Conn) Send(p *protocol.Packet, flushNow bool) error {
	if !p.Complete {
		c.owner.SetError("gearman_connection_send", "packet not complete")
		return fmt.Errorf("%w: packet not complete", api.ErrInvalidPacket)
	}
	c.queue.PushBack(p)
	c.owner.SendingDelta(1)
	if flushNow {
		return c.Flush()
	}
	return nil
}

// Flush drives the send state machine until the outbound queue drains or
// the socket would block.
//
//	IDLE       -> pick the head packet, stage its header+args buffer
//	WRITING    -> write the staged buffer; on completion drop to
//	              FLUSH_DATA when the packet carries opaque data
//	FLUSH_DATA -> write the data cursor forward; on completion pop the
//	              queue and return to IDLE
func (c *Conn) Flush() error {
	for {
		if err := c.connect(); err != nil {
			return err
		}

		switch c.sendState {
		case SendIdle:
			if c.queue.Len() == 0 {
				if c.closeAfterFlush {
					c.Close()
				}
				return nil
			}
			p, _ := c.queue.Front()
			c.sendBuf = p.Wire()
			c.sendState = SendWriting

		case SendWriting:
			for len(c.sendBuf) > 0 {
				n, err := c.write(c.sendBuf)
				if err != nil {
					return err
				}
				c.sendBuf = c.sendBuf[n:]
			}
			p, _ := c.queue.Front()
			if len(p.Data) > 0 {
				c.sendData = p.Data
				c.sendState = SendFlushData
			} else {
				c.finishPacket()
			}

		case SendFlushData:
			for len(c.sendData) > 0 {
				n, err := c.write(c.sendData)
				if err != nil {
					return err
				}
				c.sendData = c.sendData[n:]
			}
			c.finishPacket()

		default:
			c.owner.SetError("gearman_connection_flush", "unknown send state")
			return api.ErrUnknownState
		}
	}
}

func (c *Conn) finishPacket() {
	p := c.queue.PopFront()
	c.owner.SendingDelta(-1)
	c.owner.ReleasePacket(p)
	c.sendBuf = nil
	c.sendData = nil
	c.sendState = SendIdle
}

// write performs one best-effort non-blocking write, suspending on
// would-block and retrying on interrupt.
func (c *Conn) write(buf []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, buf)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if werr := c.ioWait(unix.POLLOUT); werr != nil {
				return 0, werr
			}
		case unix.EPIPE, unix.ECONNRESET:
			return 0, c.lost("gearman_connection_flush", "write: %v", err)
		default:
			c.owner.SetError("gearman_connection_flush", "write: %v", err)
			return 0, fmt.Errorf("%w: write: %v", api.ErrErrno, err)
		}
	}
}

// lost handles a dropped peer. The failure is suppressed only when the
// connection is flagged to ignore lost connections and nothing remains
// queued.
func (c *Conn) lost(function, format string, args ...any) error {
	suppress := c.ignoreLostConnection && c.queue.Len() == 0
	c.Close()
	if suppress {
		c.owner.Logf(api.VerboseInfo, "lost connection to %s:%d (ignored)", c.host, c.port)
		return nil
	}
	c.owner.SetError(function, format, args...)
	return fmt.Errorf("%w: %s:%d", api.ErrLostConnection, c.host, c.port)
}

// Recv drives the receive state machine until one complete packet is
// available or the socket would block.
//
//	READ      -> fill the 12-byte header scratch, decode it; zero-length
//	             payloads complete immediately, otherwise stage a payload
//	             buffer and advance
//	READ_DATA -> fill the payload cursor, split it into arguments and the
//	             opaque data block, hand the packet up
func (c *Conn) Recv() (*protocol.Packet, error) {
	if c.state != stateConnected {
		c.owner.SetError("gearman_connection_recv", "not connected")
		return nil, api.ErrNotConnected
	}

	for {
		switch c.recvState {
		case RecvRead:
			for c.recvHeaderN < protocol.HeaderSize {
				n, err := c.read(c.recvHeader[c.recvHeaderN:])
				if err != nil {
					return nil, err
				}
				c.recvHeaderN += n
			}
			magic, cmd, length, err := protocol.ParseHeader(c.recvHeader[:])
			if err != nil {
				c.owner.SetError("gearman_connection_recv", "bad header: %v", err)
				c.Close()
				return nil, err
			}
			c.in = &protocol.Packet{Magic: magic, Command: cmd}
			c.packetInUse = true
			if length == 0 {
				c.in.Complete = true
				return c.deliver()
			}
			c.inPayload = make([]byte, length)
			c.inPayloadN = 0
			c.recvState = RecvReadData

		case RecvReadData:
			for c.inPayloadN < len(c.inPayload) {
				n, err := c.read(c.inPayload[c.inPayloadN:])
				if err != nil {
					return nil, err
				}
				c.inPayloadN += n
			}
			args, data, err := protocol.DecodePayload(c.in.Command, c.inPayload)
			if err != nil {
				c.owner.SetError("gearman_connection_recv", "bad payload: %v", err)
				c.Close()
				return nil, err
			}
			c.in.Args = args
			if len(data) > 0 {
				// Opaque data moves into a hook-owned buffer so the caller
				// keeps allocation control over workload bytes.
				buf := c.owner.AllocWorkload(len(data))
				copy(buf, data)
				c.in.Data = buf
				c.in.FreeData = true
			}
			c.in.Complete = true
			return c.deliver()

		default:
			c.owner.SetError("gearman_connection_recv", "unknown recv state")
			return nil, api.ErrUnknownState
		}
	}
}

func (c *Conn) deliver() (*protocol.Packet, error) {
	p := c.in
	c.in = nil
	c.packetInUse = false
	c.recvHeaderN = 0
	c.inPayload = nil
	c.inPayloadN = 0
	c.recvState = RecvRead
	return p, nil
}

// read performs one best-effort non-blocking read. A zero-byte read means
// the peer closed the connection.
func (c *Conn) read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, buf)
		switch {
		case err == nil && n == 0:
			return 0, c.lost("gearman_connection_recv", "read: connection closed")
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if werr := c.ioWait(unix.POLLIN); werr != nil {
				return 0, werr
			}
		case err == unix.ECONNRESET || err == unix.EPIPE:
			return 0, c.lost("gearman_connection_recv", "read: %v", err)
		default:
			c.owner.SetError("gearman_connection_recv", "read: %v", err)
			return 0, fmt.Errorf("%w: read: %v", api.ErrErrno, err)
		}
	}
}

// Package protocol implements the binary wire format spoken between
// clients, workers, and job servers.
//
// Every binary packet starts with a fixed 12-byte header: a 4-byte magic
// ("\0REQ" client to server, "\0RES" server to client), a big-endian u32
// command code, and a big-endian u32 payload length. The payload holds the
// command's declared arguments separated by NUL bytes. For commands with
// an opaque data block every argument is NUL-terminated and the data runs
// to the end of the payload; otherwise the final argument runs to the end
// of the payload with no terminator.
// Requests whose first byte is printable ASCII belong to the line-oriented
// administrative protocol and are not handled here.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zy643208/gearmand/pkg/api"
)

const (
	// HeaderSize is the fixed width of the binary packet header.
	HeaderSize = 12

	// MaxPayload guards against absurd allocation requests from a
	// misbehaving peer.
	MaxPayload = 64 << 20

	// DefaultPort is the well-known job server TCP port.
	DefaultPort = 4730
)

// Magic selects the packet direction.
type Magic int

const (
	MagicText Magic = iota // line-oriented admin protocol, no binary header
	MagicRequest
	MagicResponse
)

var (
	magicRequest  = [4]byte{0, 'R', 'E', 'Q'}
	magicResponse = [4]byte{0, 'R', 'E', 'S'}
)

func (m Magic) String() string {
	switch m {
	case MagicRequest:
		return "REQ"
	case MagicResponse:
		return "RES"
	default:
		return "TXT"
	}
}

// Packet is one framed message. Args holds the declared NUL-separated
// arguments; Data holds the trailing opaque block for commands that carry
// one. Once Complete is set the wire form is frozen in the internal
// buffer.
type Packet struct {
	Magic   Magic
	Command Command
	Args    [][]byte
	Data    []byte

	// Complete is set when the packet has a valid encoded header, or when
	// an inbound packet has been fully received and decoded.
	Complete bool

	// FreeData marks Data as owned by the workload allocation hooks; the
	// owner must hand it back through the free hook on packet release.
	FreeData bool

	wire []byte // header + argument block (excludes Data)
}

// NewPacket builds an outbound packet and encodes its header and argument
// block. For data-bearing commands data is the trailing block; it must be
// nil otherwise. Declared arguments must not contain NUL bytes.
func NewPacket(magic Magic, cmd Command, args [][]byte, data []byte) (*Packet, error) {
	p := &Packet{Magic: magic, Command: cmd, Args: args, Data: data}
	if err := p.encode(); err != nil {
		return nil, err
	}
	return p, nil
}

// encode freezes the wire form: 12-byte header plus each declared argument
// followed by a NUL separator. For commands without a data block the final
// argument runs to the end of the payload and carries no terminator.
func (p *Packet) encode() error {
	info, ok := commandTable[p.Command]
	if !ok {
		return fmt.Errorf("%w: %d", api.ErrInvalidCommand, p.Command)
	}
	if len(p.Args) != info.argc {
		return fmt.Errorf("%w: %s wants %d arguments, have %d",
			api.ErrInvalidCommand, info.name, info.argc, len(p.Args))
	}
	if !info.data && p.Data != nil {
		return fmt.Errorf("%w: %s carries no data block", api.ErrInvalidCommand, info.name)
	}

	payload := 0
	for i, arg := range p.Args {
		if bytes.IndexByte(arg, 0) >= 0 {
			return fmt.Errorf("%w: argument %d contains NUL", api.ErrInvalidPacket, i)
		}
		payload += len(arg) + 1
	}
	if !info.data && info.argc > 0 {
		payload-- // last argument has no terminator
	}
	payload += len(p.Data)
	if payload > MaxPayload {
		return fmt.Errorf("%w: payload %d exceeds %d", api.ErrArgumentTooLarge, payload, MaxPayload)
	}

	buf := make([]byte, HeaderSize, HeaderSize+payload-len(p.Data))
	switch p.Magic {
	case MagicRequest:
		copy(buf, magicRequest[:])
	case MagicResponse:
		copy(buf, magicResponse[:])
	default:
		return fmt.Errorf("%w: cannot encode %v", api.ErrInvalidMagic, p.Magic)
	}
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Command))
	binary.BigEndian.PutUint32(buf[8:12], uint32(payload))

	for i, arg := range p.Args {
		buf = append(buf, arg...)
		if info.data || i < len(p.Args)-1 {
			buf = append(buf, 0)
		}
	}
	p.wire = buf
	p.Complete = true
	return nil
}

// Wire returns the encoded header and argument block. The trailing data
// block, if any, is sent separately.
func (p *Packet) Wire() []byte { return p.wire }

// PayloadLen returns the declared payload length of a complete packet.
func (p *Packet) PayloadLen() int {
	if !p.Complete && p.wire == nil {
		return 0
	}
	return len(p.wire) - HeaderSize + len(p.Data)
}

// Arg returns declared argument i as a string, or "" when absent.
func (p *Packet) Arg(i int) string {
	if i < 0 || i >= len(p.Args) {
		return ""
	}
	return string(p.Args[i])
}

// ParseHeader decodes a 12-byte header into its magic, command, and
// payload length.
func ParseHeader(header []byte) (Magic, Command, int, error) {
	if len(header) < HeaderSize {
		return MagicText, 0, 0, fmt.Errorf("%w: short header", api.ErrInvalidPacket)
	}
	var magic Magic
	switch {
	case bytes.Equal(header[:4], magicRequest[:]):
		magic = MagicRequest
	case bytes.Equal(header[:4], magicResponse[:]):
		magic = MagicResponse
	default:
		return MagicText, 0, 0, fmt.Errorf("%w: % x", api.ErrInvalidMagic, header[:4])
	}
	cmd := Command(binary.BigEndian.Uint32(header[4:8]))
	if !cmd.Known() {
		return magic, cmd, 0, fmt.Errorf("%w: %d", api.ErrInvalidCommand, cmd)
	}
	length := binary.BigEndian.Uint32(header[8:12])
	if length > MaxPayload {
		return magic, cmd, 0, fmt.Errorf("%w: payload %d exceeds %d", api.ErrInvalidPacket, length, MaxPayload)
	}
	return magic, cmd, int(length), nil
}

// DecodePayload splits payload into the command's declared arguments plus
// the optional trailing data block. The returned slices alias payload.
func DecodePayload(cmd Command, payload []byte) (args [][]byte, data []byte, err error) {
	info, ok := commandTable[cmd]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", api.ErrInvalidCommand, cmd)
	}

	rest := payload
	if info.argc > 0 {
		args = make([][]byte, 0, info.argc)
	}
	for i := 0; i < info.argc; i++ {
		last := i == info.argc-1
		if !info.data && last {
			// Final argument of a data-less command runs to the end.
			args = append(args, rest)
			rest = nil
			break
		}
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, nil, fmt.Errorf("%w: %s argument %d unterminated",
				api.ErrInvalidPacket, info.name, i)
		}
		args = append(args, rest[:nul])
		rest = rest[nul+1:]
	}
	if info.data {
		data = rest
	} else if len(rest) > 0 && info.argc == 0 {
		return nil, nil, fmt.Errorf("%w: %s carries unexpected payload", api.ErrInvalidPacket, info.name)
	}
	return args, data, nil
}

// WritePacket writes a complete packet to w in one blocking call. The
// connection engine drives its own partial writes; this helper serves
// tests and simple blocking tools.
func WritePacket(w io.Writer, p *Packet) error {
	if !p.Complete {
		return fmt.Errorf("%w: packet not complete", api.ErrInvalidPacket)
	}
	if _, err := w.Write(p.wire); err != nil {
		return err
	}
	if len(p.Data) > 0 {
		if _, err := w.Write(p.Data); err != nil {
			return err
		}
	}
	return nil
}

// ReadPacket reads one complete packet from r in blocking calls.
func ReadPacket(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	magic, cmd, length, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	args, data, err := DecodePayload(cmd, payload)
	if err != nil {
		return nil, err
	}
	p := &Packet{Magic: magic, Command: cmd, Args: args, Data: data, Complete: true}
	p.wire = append(header, payload[:len(payload)-len(data)]...)
	return p, nil
}

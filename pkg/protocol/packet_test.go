package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zy643208/gearmand/pkg/api"
)

func TestSubmitJobWireFormat(t *testing.T) {
	p, err := NewPacket(MagicRequest, CmdSubmitJob,
		[][]byte{[]byte("reverse"), []byte("id-1")}, []byte("Hello!"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !p.Complete {
		t.Fatalf("packet not complete after encode")
	}

	want := []byte("\x00REQ" +
		"\x00\x00\x00\x07" + // SUBMIT_JOB
		"\x00\x00\x00\x13" + // 7+1 + 4+1 + 6 = 19
		"reverse\x00id-1\x00")
	if !bytes.Equal(p.Wire(), want) {
		t.Fatalf("wire mismatch:\n got % x\nwant % x", p.Wire(), want)
	}
	if p.PayloadLen() != 19 {
		t.Fatalf("payload len = %d, want 19", p.PayloadLen())
	}
}

func TestHeaderRoundtrip(t *testing.T) {
	p, err := NewPacket(MagicRequest, CmdGetStatus, [][]byte{[]byte("H:lap:1")}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	magic, cmd, length, err := ParseHeader(p.Wire()[:HeaderSize])
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if magic != MagicRequest || cmd != CmdGetStatus || length != 7 {
		t.Fatalf("header = (%v, %v, %d), want (REQ, GET_STATUS, 7)", magic, cmd, length)
	}
}

func TestPacketRoundtrip(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		args [][]byte
		data []byte
	}{
		{"no payload", CmdGrabJob, nil, nil},
		{"single arg", CmdJobCreated, [][]byte{[]byte("H:lap:42")}, nil},
		{"multi arg", CmdStatusRes, [][]byte{
			[]byte("H:lap:42"), []byte("1"), []byte("1"), []byte("2"), []byte("4")}, nil},
		{"data only", CmdEchoReq, nil, []byte("hello")},
		{"args and data", CmdSubmitJobEpoch, [][]byte{
			[]byte("reverse"), []byte("u-1"), []byte("1700000000")}, []byte("workload")},
		{"empty data", CmdEchoRes, nil, nil},
		{"data with embedded nul", CmdWorkComplete, [][]byte{[]byte("H:lap:42")}, []byte("a\x00b")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewPacket(MagicRequest, tc.cmd, tc.args, tc.data)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			var buf bytes.Buffer
			if err := WritePacket(&buf, p); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := ReadPacket(&buf)
			if err != nil {
				t.Fatalf("read: %v", err)
			}

			if got.Command != tc.cmd || got.Magic != MagicRequest {
				t.Fatalf("decoded (%v, %v), want (%v, REQ)", got.Command, got.Magic, tc.cmd)
			}
			if len(got.Args) != len(tc.args) {
				t.Fatalf("argc = %d, want %d", len(got.Args), len(tc.args))
			}
			for i := range tc.args {
				if !bytes.Equal(got.Args[i], tc.args[i]) {
					t.Fatalf("arg %d = %q, want %q", i, got.Args[i], tc.args[i])
				}
			}
			if !bytes.Equal(got.Data, tc.data) && !(len(got.Data) == 0 && len(tc.data) == 0) {
				t.Fatalf("data = %q, want %q", got.Data, tc.data)
			}
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	if _, err := NewPacket(MagicRequest, Command(99), nil, nil); !errors.Is(err, api.ErrInvalidCommand) {
		t.Fatalf("unknown command: %v", err)
	}
	if _, err := NewPacket(MagicRequest, CmdGrabJob, [][]byte{[]byte("x")}, nil); !errors.Is(err, api.ErrInvalidCommand) {
		t.Fatalf("arity mismatch: %v", err)
	}
	if _, err := NewPacket(MagicRequest, CmdGrabJob, nil, []byte("x")); !errors.Is(err, api.ErrInvalidCommand) {
		t.Fatalf("data on data-less command: %v", err)
	}
	if _, err := NewPacket(MagicRequest, CmdCanDo, [][]byte{[]byte("a\x00b")}, nil); !errors.Is(err, api.ErrInvalidPacket) {
		t.Fatalf("NUL in argument: %v", err)
	}
	big := make([]byte, MaxPayload+1)
	if _, err := NewPacket(MagicRequest, CmdEchoReq, nil, big); !errors.Is(err, api.ErrArgumentTooLarge) {
		t.Fatalf("oversized payload: %v", err)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	bad := []byte("\x00BAD\x00\x00\x00\x07\x00\x00\x00\x00")
	if _, _, _, err := ParseHeader(bad); !errors.Is(err, api.ErrInvalidMagic) {
		t.Fatalf("bad magic: %v", err)
	}

	unknown := []byte("\x00REQ\x00\x00\x00\x63\x00\x00\x00\x00")
	if _, _, _, err := ParseHeader(unknown); !errors.Is(err, api.ErrInvalidCommand) {
		t.Fatalf("unknown command: %v", err)
	}

	if _, _, _, err := ParseHeader([]byte("\x00REQ")); !errors.Is(err, api.ErrInvalidPacket) {
		t.Fatalf("short header: %v", err)
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	// WORK_STATUS wants three arguments; a payload with no separators
	// cannot satisfy the first two.
	if _, _, err := DecodePayload(CmdWorkStatus, []byte("only-one")); !errors.Is(err, api.ErrInvalidPacket) {
		t.Fatalf("arity mismatch: %v", err)
	}
	// GRAB_JOB declares an empty payload.
	if _, _, err := DecodePayload(CmdGrabJob, []byte("junk")); !errors.Is(err, api.ErrInvalidPacket) {
		t.Fatalf("unexpected payload: %v", err)
	}
}

func TestCommandTable(t *testing.T) {
	if Command(5).Known() {
		t.Fatalf("command 5 is a hole in the table")
	}
	if !CmdSubmitJobSched.HasData() || CmdSubmitJobSched.Argc() != 7 {
		t.Fatalf("SUBMIT_JOB_SCHED shape wrong: argc=%d data=%v",
			CmdSubmitJobSched.Argc(), CmdSubmitJobSched.HasData())
	}
	if got := CmdWorkComplete.String(); got != "WORK_COMPLETE" {
		t.Fatalf("String() = %q", got)
	}
	if got := Command(99).String(); got != "UNKNOWN" {
		t.Fatalf("String() for unknown = %q", got)
	}
}

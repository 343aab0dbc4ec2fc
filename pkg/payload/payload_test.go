package payload

import (
	"net"
	"reflect"
	"testing"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/client"
	"github.com/zy643208/gearmand/pkg/protocol"
	"github.com/zy643208/gearmand/pkg/session"
)

type resizeReq struct {
	Input string `json:"input"`
	Depth int    `json:"depth"`
}

func TestJSONRoundtrip(t *testing.T) {
	c := JSON()
	if c.ContentType() != "application/json" {
		t.Fatalf("content type = %q", c.ContentType())
	}

	in := resizeReq{Input: "Hello!", Depth: 3}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out resizeReq
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", in, out)
	}
}

func TestJSONIsDeterministicForDedup(t *testing.T) {
	c := JSON()
	in := resizeReq{Input: "<a&b>", Depth: 1}
	b1, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal again: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("encoding not stable: %q vs %q", b1, b2)
	}
	if string(b1) != `{"input":"<a&b>","depth":1}` {
		t.Fatalf("HTML escaping changed the workload bytes: %q", b1)
	}
}

func TestCBORRoundtrip(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor codec: %v", err)
	}
	if c.ContentType() != "application/cbor" {
		t.Fatalf("content type = %q", c.ContentType())
	}

	in := resizeReq{Input: "Hello!", Depth: 3}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal again: %v", err)
	}
	if string(b) != string(b2) {
		t.Fatalf("deterministic encoding not stable")
	}
	var out resizeReq
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", in, out)
	}
}

func TestRegistryNegotiatesByFunction(t *testing.T) {
	r := NewRegistry()
	if r.For("anything").ContentType() != "application/json" {
		t.Fatalf("fallback is not JSON")
	}

	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor codec: %v", err)
	}
	r.Bind("thumbnail", c)
	if r.For("thumbnail").ContentType() != "application/cbor" {
		t.Fatalf("bound codec not used")
	}
	if r.For("reverse").ContentType() != "application/json" {
		t.Fatalf("unbound function must use the fallback")
	}

	in := resizeReq{Input: "x", Depth: 2}
	data, err := r.EncodeWorkload("thumbnail", in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out resizeReq
	if err := r.DecodeWorkload("thumbnail", data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("negotiated roundtrip mismatch: %+v vs %+v", in, out)
	}
}

// TestTypedDo drives a typed submit end to end: the workload on the wire
// must be the negotiated encoding, and the result decodes with the same
// codec.
func TestTypedDo(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := protocol.ReadPacket(conn)
		if err != nil || req.Command != protocol.CmdSubmitJob {
			return
		}
		created, _ := protocol.NewPacket(protocol.MagicResponse, protocol.CmdJobCreated,
			[][]byte{[]byte("H:lap:1")}, nil)
		_ = protocol.WritePacket(conn, created)

		// Echo the workload back as the result.
		done, _ := protocol.NewPacket(protocol.MagicResponse, protocol.CmdWorkComplete,
			[][]byte{[]byte("H:lap:1")}, req.Data)
		_ = protocol.WritePacket(conn, done)
	}()

	s := session.New()
	t.Cleanup(s.Free)
	addr := l.Addr().(*net.TCPAddr)
	s.AddServer("127.0.0.1", addr.Port)
	cl := client.New(s)

	r := NewRegistry()
	in := resizeReq{Input: "Hello!", Depth: 3}
	var out resizeReq
	if err := Do(cl, r, "mirror", "u-1", in, &out, api.PriorityNormal); err != nil {
		t.Fatalf("typed do: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("typed roundtrip mismatch: %+v vs %+v", in, out)
	}
}

package session

import (
	"bytes"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/protocol"
)

// Echo sends workload to every server and verifies each reply byte for
// byte. It runs to completion regardless of the session mode: blocking is
// pushed for the duration and restored on every exit path.
func (s *Session) Echo(workload []byte) error {
	p, err := s.NewPacket(protocol.CmdEchoReq, nil, workload)
	if err != nil {
		return err
	}
	defer s.ReleasePacket(p)
	defer s.pushBlocking()()

	for _, c := range s.conns {
		if err := c.Send(p, true); err != nil {
			return err
		}
		res, err := c.Recv()
		if err != nil {
			return err
		}
		match := bytes.Equal(res.Data, workload)
		s.ReleasePacket(res)
		if !match {
			s.SetError("gearman_echo", "corruption during echo")
			return api.ErrEchoDataCorruption
		}
	}
	return nil
}

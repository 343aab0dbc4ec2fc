// Package worker implements the protocol side of a job-consuming process:
// ability registration, the grab/sleep/wake cycle, and the worker-to-server
// half of the WORK_* family. What a job actually does is the caller's
// business, supplied as a Handler.
package worker

import (
	"fmt"
	"strconv"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/conn"
	"github.com/zy643208/gearmand/pkg/protocol"
	"github.com/zy643208/gearmand/pkg/session"
)

// Handler executes one assigned job and returns its result payload.
// Returning an error fails the job.
type Handler func(j *Job) ([]byte, error)

// Function is one registered ability.
type Function struct {
	Name    string
	Timeout int // seconds the server waits before failing an assignment, 0 for none
	Handler Handler
}

// Job is one assignment grabbed from a server. Reply methods send the
// worker-to-server WORK_* packets on the originating connection.
type Job struct {
	Handle   string
	Function string
	UniqueID string
	Workload []byte

	w   *Worker
	con *conn.Conn
}

// Worker registers abilities and pulls assignments over a session.
type Worker struct {
	s         *session.Session
	functions map[string]Function
	clientID  string
	grabUniq  bool
}

// New wraps an existing session.
func New(s *session.Session) *Worker {
	return &Worker{s: s, functions: make(map[string]Function)}
}

// Session returns the underlying session.
func (w *Worker) Session() *session.Session { return w.s }

// AddServer registers a job server on the underlying session.
func (w *Worker) AddServer(host string, port int) { w.s.AddServer(host, port) }

// SetGrabUniq switches the grab loop to GRAB_JOB_UNIQ so assignments
// carry the client's unique id.
func (w *Worker) SetGrabUniq(v bool) { w.grabUniq = v }

// SetID names this worker to every server for the admin "workers" listing.
func (w *Worker) SetID(id string) error {
	w.clientID = id
	return w.broadcast(protocol.CmdSetClientID, [][]byte{[]byte(id)})
}

// Register announces an ability. With a non-zero timeout the server fails
// assignments this worker holds longer than timeout seconds.
func (w *Worker) Register(name string, timeout int, handler Handler) error {
	w.functions[name] = Function{Name: name, Timeout: timeout, Handler: handler}
	if timeout > 0 {
		return w.broadcast(protocol.CmdCanDoTimeout,
			[][]byte{[]byte(name), []byte(strconv.Itoa(timeout))})
	}
	return w.broadcast(protocol.CmdCanDo, [][]byte{[]byte(name)})
}

// Unregister withdraws an ability.
func (w *Worker) Unregister(name string) error {
	delete(w.functions, name)
	return w.broadcast(protocol.CmdCantDo, [][]byte{[]byte(name)})
}

// ResetAbilities withdraws every ability from every server.
func (w *Worker) ResetAbilities() error {
	w.functions = make(map[string]Function)
	return w.broadcast(protocol.CmdResetAbilities, nil)
}

// broadcast sends one command to every server, flushing immediately.
func (w *Worker) broadcast(cmd protocol.Command, args [][]byte) error {
	for _, c := range w.s.Conns() {
		p, err := w.s.NewPacket(cmd, args, nil)
		if err != nil {
			return err
		}
		if err := c.Send(p, true); api.Failed(err) {
			return err
		}
	}
	return nil
}

// Grab asks every server for an assignment. When all report NO_JOB the
// worker announces PRE_SLEEP and waits for a NOOP wake-up, then retries.
// Grab expects blocking mode; a cooperative caller retrying after
// api.ErrIOWait starts a fresh GRAB_JOB round-trip.
func (w *Worker) Grab() (*Job, error) {
	if len(w.s.Conns()) == 0 {
		w.s.SetError("gearman_worker_grab_job", "no servers added")
		return nil, fmt.Errorf("%w: no servers added", api.ErrCouldNotConnect)
	}
	for {
		for _, c := range w.s.Conns() {
			j, err := w.grabFrom(c)
			if err != nil {
				return nil, err
			}
			if j != nil {
				return j, nil
			}
		}

		// Everyone reported NO_JOB. Sleep and wait for a wake-up.
		if err := w.broadcast(protocol.CmdPreSleep, nil); err != nil {
			return nil, err
		}
		if err := w.waitForWake(); err != nil {
			return nil, err
		}
	}
}

// grabFrom runs one GRAB_JOB round-trip against a single server. A nil
// job with a nil error means the server had nothing for us.
func (w *Worker) grabFrom(c *conn.Conn) (*Job, error) {
	grab := protocol.CmdGrabJob
	if w.grabUniq {
		grab = protocol.CmdGrabJobUniq
	}
	p, err := w.s.NewPacket(grab, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := c.Send(p, true); api.Failed(err) {
		return nil, err
	}
	for {
		res, err := c.Recv()
		if err != nil {
			return nil, err
		}
		switch res.Command {
		case protocol.CmdJobAssign:
			j := &Job{
				Handle:   res.Arg(0),
				Function: res.Arg(1),
				Workload: takeData(res),
				w:        w,
				con:      c,
			}
			w.s.ReleasePacket(res)
			return j, nil
		case protocol.CmdJobAssignUniq:
			j := &Job{
				Handle:   res.Arg(0),
				Function: res.Arg(1),
				UniqueID: res.Arg(2),
				Workload: takeData(res),
				w:        w,
				con:      c,
			}
			w.s.ReleasePacket(res)
			return j, nil
		case protocol.CmdNoJob:
			w.s.ReleasePacket(res)
			return nil, nil
		case protocol.CmdNoop:
			// Stale wake-up from an earlier sleep; keep waiting for the
			// grab reply.
			w.s.ReleasePacket(res)
		case protocol.CmdError:
			serr := &api.ServerError{Code: res.Arg(0), Text: res.Arg(1)}
			w.s.ReleasePacket(res)
			w.s.SetError("gearman_worker_grab_job", "%s: %s", serr.Code, serr.Text)
			return nil, serr
		default:
			w.s.Logf(api.VerboseDebug, "dropping unexpected %v while grabbing", res.Command)
			w.s.ReleasePacket(res)
		}
	}
}

// waitForWake blocks on session readiness until some server sends NOOP.
func (w *Worker) waitForWake() error {
	for {
		for _, c := range w.s.Conns() {
			if err := c.WatchReadable(); err != nil {
				return err
			}
		}
		if err := w.s.Wait(); err != nil {
			return err
		}
		for {
			c := w.s.Ready()
			if c == nil {
				break
			}
			res, err := c.Recv()
			if api.ShouldContinue(err) {
				continue
			}
			if err != nil {
				return err
			}
			cmd := res.Command
			w.s.ReleasePacket(res)
			if cmd == protocol.CmdNoop {
				return nil
			}
			w.s.Logf(api.VerboseDebug, "dropping unexpected %v while sleeping", cmd)
		}
	}
}

// Work grabs one assignment, runs its registered handler, and reports the
// outcome. Unregistered functions are failed back to the server.
func (w *Worker) Work() error {
	j, err := w.Grab()
	if err != nil {
		return err
	}
	fn, ok := w.functions[j.Function]
	if !ok || fn.Handler == nil {
		w.s.Logf(api.VerboseError, "no handler for %q, failing %s", j.Function, j.Handle)
		return j.Fail()
	}
	result, herr := fn.Handler(j)
	if herr != nil {
		w.s.Logf(api.VerboseInfo, "%s failed: %v", j.Handle, herr)
		return j.Fail()
	}
	return j.Complete(result)
}

func takeData(p *protocol.Packet) []byte {
	data := p.Data
	p.Data = nil
	p.FreeData = false
	return data
}

func (j *Job) send(cmd protocol.Command, args [][]byte, data []byte) error {
	p, err := j.w.s.NewPacket(cmd, args, data)
	if err != nil {
		return err
	}
	return j.con.Send(p, true)
}

// SendData streams a partial result chunk to the client.
func (j *Job) SendData(data []byte) error {
	return j.send(protocol.CmdWorkData, [][]byte{[]byte(j.Handle)}, data)
}

// SendWarning streams a warning chunk to the client.
func (j *Job) SendWarning(data []byte) error {
	return j.send(protocol.CmdWorkWarning, [][]byte{[]byte(j.Handle)}, data)
}

// SendStatus reports progress as numerator/denominator.
func (j *Job) SendStatus(numerator, denominator uint32) error {
	return j.send(protocol.CmdWorkStatus, [][]byte{
		[]byte(j.Handle),
		[]byte(strconv.FormatUint(uint64(numerator), 10)),
		[]byte(strconv.FormatUint(uint64(denominator), 10)),
	}, nil)
}

// Complete finishes the job with its result payload.
func (j *Job) Complete(result []byte) error {
	return j.send(protocol.CmdWorkComplete, [][]byte{[]byte(j.Handle)}, result)
}

// Fail reports the job as failed.
func (j *Job) Fail() error {
	return j.send(protocol.CmdWorkFail, [][]byte{[]byte(j.Handle)}, nil)
}

// Exception reports the job as failed with an exception payload. Clients
// only see it when they opted in server-side.
func (j *Job) Exception(payload []byte) error {
	return j.send(protocol.CmdWorkException, [][]byte{[]byte(j.Handle)}, payload)
}

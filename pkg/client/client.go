// Package client implements the job-submitting side of the runtime:
// submit variants for every priority and schedule mode, the pending-job
// table keyed by server-assigned handles, status polling, and dispatch of
// out-of-band WORK_* pushes.
package client

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/conn"
	"github.com/zy643208/gearmand/pkg/protocol"
	"github.com/zy643208/gearmand/pkg/session"
)

// Job-level terminal failures. These sit above the runtime's tag set: the
// round-trip succeeded, the job itself did not.
var (
	ErrWorkFail      = errors.New("job failed")
	ErrWorkException = errors.New("job raised an exception")
)

// Client submits jobs over a session and tracks them by handle.
type Client struct {
	s *session.Session

	// pending maps handles of foreground tasks to their entries for push
	// dispatch.
	pending map[string]*Task

	// creating queues tasks awaiting JOB_CREATED, per connection, in
	// submit order. Replies on one connection arrive in FIFO order.
	creating map[*conn.Conn][]*Task

	// handleConn remembers which server assigned each handle so status
	// polls go back to the right place.
	handleConn map[string]*conn.Conn

	status map[string]*statusReply

	next int // round-robin cursor

	// Push hooks for streaming jobs. Nil hooks drop the payload after the
	// task state is updated.
	DataFn    func(t *Task, data []byte)
	WarningFn func(t *Task, data []byte)
	StatusFn  func(t *Task)
}

type statusReply struct {
	done        bool
	known       bool
	running     bool
	numerator   uint32
	denominator uint32
}

// New wraps an existing session. The session stays caller-owned.
func New(s *session.Session) *Client {
	return &Client{
		s:          s,
		pending:    make(map[string]*Task),
		creating:   make(map[*conn.Conn][]*Task),
		handleConn: make(map[string]*conn.Conn),
		status:     make(map[string]*statusReply),
	}
}

// Session returns the underlying session.
func (cl *Client) Session() *session.Session { return cl.s }

// AddServer registers a job server on the underlying session.
func (cl *Client) AddServer(host string, port int) { cl.s.AddServer(host, port) }

// Echo round-trips workload through every server.
func (cl *Client) Echo(workload []byte) error { return cl.s.Echo(workload) }

// submitCommand maps priority and schedule onto the submit command family.
func submitCommand(prio api.Priority, sched Schedule) protocol.Command {
	if sched.Epoch > 0 {
		return protocol.CmdSubmitJobEpoch
	}
	switch prio {
	case api.PriorityHigh:
		if sched.Background {
			return protocol.CmdSubmitJobHighBG
		}
		return protocol.CmdSubmitJobHigh
	case api.PriorityLow:
		if sched.Background {
			return protocol.CmdSubmitJobLowBG
		}
		return protocol.CmdSubmitJobLow
	default:
		if sched.Background {
			return protocol.CmdSubmitJobBG
		}
		return protocol.CmdSubmitJob
	}
}

// Submit sends one job. An empty unique id gets a fresh UUID. The task is
// returned as soon as it exists; in cooperative mode the error may be
// api.ErrIOWait, in which case the caller waits on the session and calls
// Run until the handle is bound.
func (cl *Client) Submit(function, unique string, workload []byte, prio api.Priority, sched Schedule) (*Task, error) {
	if len(cl.s.Conns()) == 0 {
		cl.s.SetError("gearman_client_submit", "no servers added")
		return nil, fmt.Errorf("%w: no servers added", api.ErrCouldNotConnect)
	}
	if unique == "" {
		unique = uuid.NewString()
	}
	if sched.Epoch > 0 {
		sched.Background = true
	}

	cmd := submitCommand(prio, sched)
	args := [][]byte{[]byte(function), []byte(unique)}
	if cmd == protocol.CmdSubmitJobEpoch {
		args = append(args, []byte(strconv.FormatInt(sched.Epoch, 10)))
	}
	p, err := cl.s.NewPacket(cmd, args, workload)
	if err != nil {
		return nil, err
	}

	c := cl.pickConn()
	t := &Task{
		Function: function,
		UniqueID: unique,
		Workload: workload,
		Schedule: sched,
		con:      c,
	}
	cl.creating[c] = append(cl.creating[c], t)

	if err := c.Send(p, true); api.Failed(err) {
		cl.dropCreating(c, t)
		return nil, err
	}
	return t, cl.Run(t)
}

// SubmitBackground is Submit with a detached schedule.
func (cl *Client) SubmitBackground(function, unique string, workload []byte, prio api.Priority) (*Task, error) {
	return cl.Submit(function, unique, workload, prio, Schedule{Background: true})
}

// SubmitEpoch schedules a background job for the given Unix time.
func (cl *Client) SubmitEpoch(function, unique string, workload []byte, epoch int64) (*Task, error) {
	return cl.Submit(function, unique, workload, api.PriorityNormal, Schedule{Epoch: epoch})
}

// SubmitSched schedules a background job on crontab-style calendar
// fields, decimal or "-" for any; weekday runs 0-6 from Sunday.
func (cl *Client) SubmitSched(function, unique string, workload []byte, minute, hour, day, month, weekday string) (*Task, error) {
	if len(cl.s.Conns()) == 0 {
		cl.s.SetError("gearman_client_submit", "no servers added")
		return nil, fmt.Errorf("%w: no servers added", api.ErrCouldNotConnect)
	}
	if unique == "" {
		unique = uuid.NewString()
	}
	args := [][]byte{
		[]byte(function), []byte(unique),
		[]byte(minute), []byte(hour), []byte(day), []byte(month), []byte(weekday),
	}
	p, err := cl.s.NewPacket(protocol.CmdSubmitJobSched, args, workload)
	if err != nil {
		return nil, err
	}
	c := cl.pickConn()
	t := &Task{
		Function: function,
		UniqueID: unique,
		Workload: workload,
		Schedule: Schedule{Background: true},
		con:      c,
	}
	cl.creating[c] = append(cl.creating[c], t)
	if err := c.Send(p, true); api.Failed(err) {
		cl.dropCreating(c, t)
		return nil, err
	}
	return t, cl.Run(t)
}

// EnableExceptions asks every server to forward WORK_EXCEPTION pushes to
// this client.
func (cl *Client) EnableExceptions() error {
	for _, c := range cl.s.Conns() {
		p, err := cl.s.NewPacket(protocol.CmdOptionReq, [][]byte{[]byte("exceptions")}, nil)
		if err != nil {
			return err
		}
		if err := c.Send(p, true); api.Failed(err) {
			return err
		}
		res, err := c.Recv()
		if err != nil {
			return err
		}
		cmd, opt := res.Command, res.Arg(0)
		if derr := cl.dispatch(c, res); derr != nil {
			return derr
		}
		if cmd != protocol.CmdOptionRes || opt != "exceptions" {
			cl.s.SetError("gearman_client_set_option", "unexpected %v reply", cmd)
			return api.ErrInvalidCommand
		}
	}
	return nil
}

// Run drives t's connection until the task's handle is bound. It is the
// retry point after api.ErrIOWait from Submit.
func (cl *Client) Run(t *Task) error {
	if err := t.con.Flush(); err != nil {
		return err
	}
	for !t.submitted {
		p, err := t.con.Recv()
		if err != nil {
			return err
		}
		if err := cl.dispatch(t.con, p); err != nil {
			return err
		}
	}
	return nil
}

// Finish drives t's connection until a terminal push arrives. Foreground
// tasks only; background tasks are observed via JobStatus.
func (cl *Client) Finish(t *Task) ([]byte, error) {
	if t.Schedule.Background {
		cl.s.SetError("gearman_client_finish", "background job has no terminal push")
		return nil, api.ErrInvalidCommand
	}
	if err := cl.Run(t); err != nil {
		return nil, err
	}
	for !t.Done() {
		p, err := t.con.Recv()
		if err != nil {
			return nil, err
		}
		if err := cl.dispatch(t.con, p); err != nil {
			return nil, err
		}
	}
	switch t.Outcome {
	case OutcomeFailed:
		return nil, ErrWorkFail
	case OutcomeException:
		return t.Result, ErrWorkException
	default:
		return t.Result, nil
	}
}

// Do submits a foreground job and blocks until its result.
func (cl *Client) Do(function, unique string, workload []byte, prio api.Priority) ([]byte, error) {
	t, err := cl.Submit(function, unique, workload, prio, Schedule{})
	for api.ShouldContinue(err) {
		if werr := cl.s.Wait(); api.Failed(werr) {
			return nil, werr
		}
		err = cl.Run(t)
	}
	if err != nil {
		return nil, err
	}
	return cl.Finish(t)
}

// JobStatus polls the server for handle. known=false means the server has
// forgotten the job: complete, expired, or never known.
func (cl *Client) JobStatus(handle string) (known, running bool, numerator, denominator uint32, err error) {
	c := cl.handleConn[handle]
	if c == nil {
		c = cl.pickConn()
	}
	if c == nil {
		cl.s.SetError("gearman_client_job_status", "no servers added")
		return false, false, 0, 0, fmt.Errorf("%w: no servers added", api.ErrCouldNotConnect)
	}

	p, err := cl.s.NewPacket(protocol.CmdGetStatus, [][]byte{[]byte(handle)}, nil)
	if err != nil {
		return false, false, 0, 0, err
	}
	reply := &statusReply{}
	cl.status[handle] = reply
	defer delete(cl.status, handle)

	if err := c.Send(p, true); err != nil {
		return false, false, 0, 0, err
	}
	for !reply.done {
		pkt, rerr := c.Recv()
		if rerr != nil {
			return false, false, 0, 0, rerr
		}
		if derr := cl.dispatch(c, pkt); derr != nil {
			return false, false, 0, 0, derr
		}
	}
	if !reply.known {
		// The server has forgotten the job; stop pinning its connection.
		delete(cl.handleConn, handle)
	}
	return reply.known, reply.running, reply.numerator, reply.denominator, nil
}

// pickConn selects the next connection round robin.
func (cl *Client) pickConn() *conn.Conn {
	conns := cl.s.Conns()
	if len(conns) == 0 {
		return nil
	}
	c := conns[cl.next%len(conns)]
	cl.next++
	return c
}

func (cl *Client) dropCreating(c *conn.Conn, t *Task) {
	queue := cl.creating[c]
	for i, have := range queue {
		if have == t {
			cl.creating[c] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// dispatch routes one inbound packet: creation replies bind handles in
// FIFO order, WORK_* pushes update the pending table, status replies fill
// their waiters, and server errors surface to the caller.
func (cl *Client) dispatch(c *conn.Conn, p *protocol.Packet) error {
	defer cl.s.ReleasePacket(p)

	switch p.Command {
	case protocol.CmdJobCreated:
		queue := cl.creating[c]
		if len(queue) == 0 {
			cl.s.Logf(api.VerboseDebug, "JOB_CREATED with no submit outstanding on %s:%d", c.Host(), c.Port())
			return nil
		}
		t := queue[0]
		cl.creating[c] = queue[1:]
		t.Handle = p.Arg(0)
		t.submitted = true
		cl.handleConn[t.Handle] = c
		if !t.Schedule.Background {
			cl.pending[t.Handle] = t
		}

	case protocol.CmdWorkData:
		if t := cl.lookup(p.Arg(0)); t != nil {
			payload := cl.takeData(p)
			if cl.DataFn != nil {
				cl.DataFn(t, payload)
			}
		}

	case protocol.CmdWorkWarning:
		if t := cl.lookup(p.Arg(0)); t != nil {
			payload := cl.takeData(p)
			if cl.WarningFn != nil {
				cl.WarningFn(t, payload)
			}
		}

	case protocol.CmdWorkStatus:
		if t := cl.lookup(p.Arg(0)); t != nil {
			t.Numerator = parseU32(p.Arg(1))
			t.Denominator = parseU32(p.Arg(2))
			t.Running = true
			if cl.StatusFn != nil {
				cl.StatusFn(t)
			}
		}

	case protocol.CmdWorkComplete:
		if t := cl.lookup(p.Arg(0)); t != nil {
			t.Result = cl.takeData(p)
			t.Outcome = OutcomeComplete
			cl.forget(t)
		}

	case protocol.CmdWorkFail:
		if t := cl.lookup(p.Arg(0)); t != nil {
			t.Outcome = OutcomeFailed
			cl.forget(t)
		}

	case protocol.CmdWorkException:
		if t := cl.lookup(p.Arg(0)); t != nil {
			t.Result = cl.takeData(p)
			t.Outcome = OutcomeException
			cl.forget(t)
		}

	case protocol.CmdStatusRes:
		handle := p.Arg(0)
		if t := cl.pending[handle]; t != nil {
			t.Known = p.Arg(1) == "1"
			t.Running = p.Arg(2) == "1"
			t.Numerator = parseU32(p.Arg(3))
			t.Denominator = parseU32(p.Arg(4))
		}
		if reply, ok := cl.status[handle]; ok {
			reply.done = true
			reply.known = p.Arg(1) == "1"
			reply.running = p.Arg(2) == "1"
			reply.numerator = parseU32(p.Arg(3))
			reply.denominator = parseU32(p.Arg(4))
		}

	case protocol.CmdOptionRes:
		// Consumed by EnableExceptions; nothing to track here.

	case protocol.CmdError:
		serr := &api.ServerError{Code: p.Arg(0), Text: p.Arg(1)}
		cl.s.SetError("gearman_client", "%s: %s", serr.Code, serr.Text)
		return serr

	default:
		cl.s.Logf(api.VerboseDebug, "dropping unexpected %v from %s:%d", p.Command, c.Host(), c.Port())
	}
	return nil
}

// takeData transfers data-buffer ownership from the packet to the caller
// before the packet is released back through the workload hooks.
func (cl *Client) takeData(p *protocol.Packet) []byte {
	data := p.Data
	p.Data = nil
	p.FreeData = false
	return data
}

// lookup finds the pending foreground task for a handle. Unknown handles
// are dropped with a debug line.
func (cl *Client) lookup(handle string) *Task {
	t := cl.pending[handle]
	if t == nil {
		cl.s.Logf(api.VerboseDebug, "dropping push for unknown handle %q", handle)
	}
	return t
}

func (cl *Client) forget(t *Task) {
	delete(cl.pending, t.Handle)
	delete(cl.handleConn, t.Handle)
}

func parseU32(s string) uint32 {
	n, _ := strconv.ParseUint(s, 10, 32)
	return uint32(n)
}

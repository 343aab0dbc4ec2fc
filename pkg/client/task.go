package client

import "github.com/zy643208/gearmand/pkg/conn"

// Outcome is the terminal result of a task.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeComplete
	OutcomeFailed
	OutcomeException
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeFailed:
		return "failed"
	case OutcomeException:
		return "exception"
	default:
		return "none"
	}
}

// Schedule selects when a submitted job becomes runnable. The zero value
// is an immediate foreground job.
type Schedule struct {
	// Background jobs detach from this client: no WORK_* pushes arrive
	// and completion is observed through status polls alone.
	Background bool

	// Epoch, when non-zero, is the future Unix time at which the server
	// may dispatch the job. Epoch submits are implicitly background.
	Epoch int64
}

// Task is one submitted job tracked by the client. The caller owns the
// task; the client only ever holds it by handle lookup, so dropping a
// task cannot dangle inside the runtime.
type Task struct {
	Function string
	UniqueID string
	Workload []byte

	// Handle is the server-assigned job identifier, bound once
	// JOB_CREATED arrives. A task with an empty handle is not yet
	// submitted.
	Handle string

	Schedule Schedule

	// Last observed status, updated by WORK_STATUS pushes and status
	// polls.
	Known       bool
	Running     bool
	Numerator   uint32
	Denominator uint32

	Outcome Outcome

	// Result holds the WORK_COMPLETE payload (or the WORK_EXCEPTION
	// payload for exception outcomes). The task owns the buffer.
	Result []byte

	con       *conn.Conn
	submitted bool
}

// Submitted reports whether JOB_CREATED has bound a handle.
func (t *Task) Submitted() bool { return t.submitted }

// Done reports whether the task reached a terminal outcome.
func (t *Task) Done() bool { return t.Outcome != OutcomeNone }

package payload

import (
	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/client"
	"github.com/zy643208/gearmand/pkg/worker"
)

// Do submits a typed foreground job and decodes its result with the codec
// negotiated for function. The job's result is expected to use the same
// codec as its workload.
func Do(cl *client.Client, r *Registry, function, unique string, in, out any, prio api.Priority) error {
	workload, err := r.EncodeWorkload(function, in)
	if err != nil {
		return err
	}
	result, err := cl.Do(function, unique, workload, prio)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return r.DecodeWorkload(function, result, out)
}

// SubmitBackground submits a typed background job.
func SubmitBackground(cl *client.Client, r *Registry, function, unique string, in any, prio api.Priority) (*client.Task, error) {
	workload, err := r.EncodeWorkload(function, in)
	if err != nil {
		return nil, err
	}
	return cl.SubmitBackground(function, unique, workload, prio)
}

// DecodeJob unmarshals an assignment's workload by its function name.
func DecodeJob(r *Registry, j *worker.Job, v any) error {
	return r.DecodeWorkload(j.Function, j.Workload, v)
}

// CompleteWith encodes a typed result and finishes the job with it.
func CompleteWith(r *Registry, j *worker.Job, v any) error {
	result, err := r.EncodeWorkload(j.Function, v)
	if err != nil {
		return err
	}
	return j.Complete(result)
}

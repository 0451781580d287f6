package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/edfpipe/jobqueue"
)

// Status is the client-visible job state.
type Status string

const (
	StatusProcessing Status = "Processing"
	StatusFailed     Status = "Failed"
	StatusFinished   Status = "Finished"
	StatusMissing    Status = "Missing"
)

// JobStatus pairs a filename with its reconciled status.
type JobStatus struct {
	Filename string `json:"filename"`
	JobID    string `json:"job_id"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Fetcher looks up job records. *jobqueue.Queue satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*jobqueue.Job, error)
}

// PollSession classifies every entry against the queue. All entries are
// kept in updated, whatever their status. allTerminal is true only for a
// non-empty list whose jobs are all Finished or Failed; a Missing job keeps
// the client polling. Lookup errors other than jobqueue.ErrJobNotFound abort
// the poll.
func PollSession(ctx context.Context, q Fetcher, entries []Entry) (statuses []JobStatus, updated []Entry, allTerminal bool, err error) {
	allTerminal = len(entries) > 0
	statuses = make([]JobStatus, 0, len(entries))
	updated = make([]Entry, 0, len(entries))

	for _, e := range entries {
		st := JobStatus{Filename: e.Filename, JobID: e.JobID}
		job, ferr := q.Fetch(ctx, e.JobID)
		switch {
		case errors.Is(ferr, jobqueue.ErrJobNotFound):
			st.Status = StatusMissing
			allTerminal = false
		case ferr != nil:
			return nil, nil, false, fmt.Errorf("session: poll %s: %w", e.JobID, ferr)
		case job.State == jobqueue.StateFinished:
			st.Status = StatusFinished
		case job.State == jobqueue.StateFailed:
			st.Status = StatusFailed
			st.Error = job.Error
		default:
			st.Status = StatusProcessing
			allTerminal = false
		}
		statuses = append(statuses, st)
		updated = append(updated, e)
	}
	return statuses, updated, allTerminal, nil
}

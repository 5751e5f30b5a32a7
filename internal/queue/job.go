package queue

import (
	"encoding/json"
	"strconv"
	"time"
)

// Job states.
const (
	StateWaiting         = "waiting"
	StateActive          = "active"
	StateDelayed         = "delayed"
	StateWaitingChildren = "waiting-children"
	StateCompleted       = "completed"
	StateFailed          = "failed"
)

// Job is one unit of work on a queue. The Data payload is the only durable
// state a handler may rely on between invocations.
type Job struct {
	ID    string
	Queue string
	Name  string
	Data  json.RawMessage

	ParentID            string
	ParentQueue         string
	FailParentOnFailure bool

	Attempts     int
	AttemptsMade int
	BackoffBase  time.Duration
	Delay        time.Duration
	Priority     int

	State        string
	FailedReason string
	ReturnValue  json.RawMessage
	Timestamp    int64
	FinishedOn   int64
}

// ChildID derives the idempotent child job id for a document on a queue.
func ChildID(documentID, queueName string) string {
	return documentID + "-" + queueName
}

// backoffDelay computes the exponential delay before retry attempt n
// (1-based).
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	d := base
	for i := 1; i < attemptsMade; i++ {
		d *= 2
	}
	return d
}

// toFields flattens a job into a Redis hash.
func (j *Job) toFields() map[string]any {
	return map[string]any{
		"name":         j.Name,
		"data":         string(j.Data),
		"parentId":     j.ParentID,
		"parentQueue":  j.ParentQueue,
		"failParent":   strconv.FormatBool(j.FailParentOnFailure),
		"attempts":     j.Attempts,
		"attemptsMade": j.AttemptsMade,
		"backoffMs":    j.BackoffBase.Milliseconds(),
		"priority":     j.Priority,
		"state":        j.State,
		"timestamp":    j.Timestamp,
	}
}

// jobFromFields rebuilds a job from its Redis hash.
func jobFromFields(queueName, id string, fields map[string]string) *Job {
	j := &Job{
		ID:           id,
		Queue:        queueName,
		Name:         fields["name"],
		Data:         json.RawMessage(fields["data"]),
		ParentID:     fields["parentId"],
		ParentQueue:  fields["parentQueue"],
		State:        fields["state"],
		FailedReason: fields["failedReason"],
	}
	j.FailParentOnFailure = fields["failParent"] == "true"
	j.Attempts, _ = strconv.Atoi(fields["attempts"])
	j.AttemptsMade, _ = strconv.Atoi(fields["attemptsMade"])
	j.Priority, _ = strconv.Atoi(fields["priority"])
	j.Timestamp, _ = strconv.ParseInt(fields["timestamp"], 10, 64)
	j.FinishedOn, _ = strconv.ParseInt(fields["finishedOn"], 10, 64)
	if ms, err := strconv.ParseInt(fields["backoffMs"], 10, 64); err == nil {
		j.BackoffBase = time.Duration(ms) * time.Millisecond
	}
	if rv := fields["returnValue"]; rv != "" {
		j.ReturnValue = json.RawMessage(rv)
	}
	return j
}

package model

import "fmt"

// TaskStatus defines the lifecycle state of a task
type TaskStatus int

// Task lifecycle states. A finished task never transitions back.
const (
	TaskQueued TaskStatus = iota
	TaskRunning
	TaskFinished
)

var taskStatusToString = []string{
	"Queued",
	"Running",
	"Finished",
}

func (s TaskStatus) String() string {
	si := int(s)
	if si < 0 || si >= len(taskStatusToString) {
		return taskStatusToString[0]
	}
	return taskStatusToString[si]
}

// ResultTag classifies the outcome of one sandboxed invocation
type ResultTag int

// Result tags for build and per-test invocations
const (
	// not initialized (as error)
	ResultInvalid ResultTag = iota

	// exit 0 within the time limit
	ResultSuccess

	// non-zero exit or output mismatch
	ResultError

	// wall clock limit exceeded, process tree killed
	ResultTimeout

	// externally interrupted (host shutdown, operator abort); retried, never
	// counted against the team
	ResultAborted
)

var resultTagToString = []string{
	"Invalid",
	"Success",
	"Error",
	"Timeout",
	"Aborted",
}

// stringToResultTag maps quoted status strings back to tags
var stringToResultTag = make(map[string]ResultTag)

func (r ResultTag) String() string {
	ri := int(r)
	if ri < 0 || ri >= len(resultTagToString) {
		return resultTagToString[0]
	}
	return resultTagToString[ri]
}

// MarshalJSON encodes the tag as its status string
func (r ResultTag) MarshalJSON() ([]byte, error) {
	return []byte("\"" + r.String() + "\""), nil
}

// UnmarshalJSON decodes the tag from its status string
func (r *ResultTag) UnmarshalJSON(b []byte) error {
	v, ok := stringToResultTag[string(b)]
	if !ok {
		return fmt.Errorf("invalid result tag: %s", b)
	}
	*r = v
	return nil
}

func init() {
	for i, v := range resultTagToString {
		stringToResultTag["\""+v+"\""] = ResultTag(i)
	}
}

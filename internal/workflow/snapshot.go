// Package workflow runs the chat-survey variant on a suspend/resume workflow
// engine and adapts engine snapshots into client-facing responses.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the state of a run or of one step.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step names of the chat-survey process.
const (
	StepDiscoveryChat  = "discovery-chat"
	StepGenerateStream = "generate-stream"
)

// Layouts of Snapshot.Suspended.
const (
	// SuspendedFormatPaths is an array of path arrays: [["discovery-chat"]].
	SuspendedFormatPaths = 1
	// SuspendedFormatObjects is an array of {step, path} objects. Engines write this one.
	SuspendedFormatObjects = 2
)

var (
	ErrUnknownSuspendedFormat = errors.New("unknown suspended format")
	ErrMalformedSnapshot      = errors.New("malformed run snapshot")
)

// StepState is one step's entry in a snapshot.
type StepState struct {
	Status         Status          `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	SuspendPayload json.RawMessage `json:"suspendPayload,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Snapshot is the engine-level view of a run.
type Snapshot struct {
	RunID           string               `json:"runId"`
	Status          Status               `json:"status"`
	Steps           map[string]StepState `json:"steps"`
	Suspended       json.RawMessage      `json:"suspended,omitempty"`
	SuspendedFormat int                  `json:"suspendedFormat,omitempty"`
	Result          json.RawMessage      `json:"result,omitempty"`
	Error           string               `json:"error,omitempty"`
}

type suspendedEntry struct {
	Step string   `json:"step"`
	Path []string `json:"path"`
}

// EncodeSuspended writes the suspended list in the current format.
func EncodeSuspended(steps ...string) (json.RawMessage, int) {
	entries := make([]suspendedEntry, 0, len(steps))
	for _, s := range steps {
		entries = append(entries, suspendedEntry{Step: s, Path: []string{s}})
	}
	raw, _ := json.Marshal(entries)
	return raw, SuspendedFormatObjects
}

// RunResult is the decoded outcome of a snapshot: one of Running,
// Suspended, Completed or Failed.
type RunResult interface {
	RunStatus() Status
}

type Running struct{}

type Suspended struct {
	Step    string
	Path    []string
	Payload json.RawMessage
}

type Completed struct {
	Output json.RawMessage
}

type Failed struct {
	Error string
}

func (Running) RunStatus() Status   { return StatusRunning }
func (Suspended) RunStatus() Status { return StatusSuspended }
func (Completed) RunStatus() Status { return StatusCompleted }
func (Failed) RunStatus() Status    { return StatusFailed }

// DecodeSnapshot maps a snapshot to its RunResult. The suspended list is read
// according to SuspendedFormat; a missing format means the path layout.
func DecodeSnapshot(s Snapshot) (RunResult, error) {
	switch s.Status {
	case StatusRunning:
		return Running{}, nil
	case StatusCompleted:
		return Completed{Output: s.Result}, nil
	case StatusFailed:
		msg := s.Error
		if msg == "" {
			msg = "run failed"
		}
		return Failed{Error: msg}, nil
	case StatusSuspended:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedSnapshot, s.Status)
	}

	paths, err := suspendedPaths(s.Suspended, s.SuspendedFormat)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 || (len(paths[0].Path) == 0 && paths[0].Step == "") {
		return nil, fmt.Errorf("%w: suspended run without a suspended step", ErrMalformedSnapshot)
	}
	first := paths[0]
	step := first.Step
	if step == "" {
		step = first.Path[0]
	}
	return Suspended{Step: step, Path: first.Path, Payload: s.Steps[step].SuspendPayload}, nil
}

func suspendedPaths(raw json.RawMessage, format int) ([]suspendedEntry, error) {
	switch format {
	case 0, SuspendedFormatPaths:
		var paths [][]string
		if err := json.Unmarshal(raw, &paths); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		out := make([]suspendedEntry, 0, len(paths))
		for _, p := range paths {
			out = append(out, suspendedEntry{Path: p})
		}
		return out, nil
	case SuspendedFormatObjects:
		var entries []suspendedEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSuspendedFormat, format)
	}
}

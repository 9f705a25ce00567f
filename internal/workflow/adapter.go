package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/BTreeMap/AffirmFlow/internal/workflow")

// traced runs fn inside a span named op and marks failed responses.
func traced(ctx context.Context, op, runID string, fn func(context.Context) SurveyResponse) SurveyResponse {
	ctx, span := tracer.Start(ctx, "workflow."+op, trace.WithAttributes(attribute.String("workflow.run_id", runID)))
	defer span.End()
	resp := fn(ctx)
	span.SetAttributes(attribute.String("workflow.status", string(resp.Status)))
	if resp.Status == StatusFailed {
		span.SetStatus(codes.Error, resp.Error)
	}
	return resp
}

// Client-facing phases.
const (
	PhaseChat  = "chat"
	PhaseSwipe = "swipe"
	PhaseDone  = "done"
)

// StartRequest starts a chat survey.
type StartRequest struct {
	SkipDiscovery bool          `json:"skipDiscovery"`
	Name          string        `json:"name"`
	History       []ChatMessage `json:"history,omitempty"`
}

// SurveyResponse is what Start and Resume return. Engine failures never
// escape as errors; they come back with Status failed.
type SurveyResponse struct {
	RunID         string          `json:"runId"`
	Status        Status          `json:"status"`
	Step          string          `json:"step,omitempty"`
	SuspendedData map[string]any  `json:"suspendedData,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// StateResponse is what GetState returns.
type StateResponse struct {
	Exists bool   `json:"exists"`
	Phase  string `json:"phase,omitempty"`
	SurveyResponse
}

// Adapter is the boundary between clients and the workflow engine.
type Adapter struct {
	engine Engine
	newID  func() string
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithRunIDGenerator overrides run id generation. The default is a UUID.
func WithRunIDGenerator(fn func() string) AdapterOption {
	return func(a *Adapter) { a.newID = fn }
}

// NewAdapter creates an adapter over engine.
func NewAdapter(engine Engine, opts ...AdapterOption) *Adapter {
	a := &Adapter{engine: engine, newID: uuid.NewString}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start creates a run and runs it to its first suspension.
func (a *Adapter) Start(ctx context.Context, req StartRequest) SurveyResponse {
	runID := a.newID()
	return traced(ctx, "start", runID, func(ctx context.Context) SurveyResponse {
		return a.start(ctx, runID, req)
	})
}

func (a *Adapter) start(ctx context.Context, runID string, req StartRequest) SurveyResponse {
	run, err := a.engine.CreateRun(ctx, runID)
	if err != nil {
		return failed(runID, err)
	}
	snap, err := run.Start(ctx, StartInput{SkipDiscovery: req.SkipDiscovery, Name: req.Name, History: req.History})
	if err != nil {
		slog.Warn("Workflow.Adapter.Start: engine error", "runID", runID, "error", err)
		return failed(runID, err)
	}
	return toResponse(runID, snap)
}

// Resume advances runID past step.
func (a *Adapter) Resume(ctx context.Context, runID, step string, data json.RawMessage) SurveyResponse {
	return traced(ctx, "resume", runID, func(ctx context.Context) SurveyResponse {
		return a.resume(ctx, runID, step, data)
	})
}

func (a *Adapter) resume(ctx context.Context, runID, step string, data json.RawMessage) SurveyResponse {
	run, err := a.engine.CreateRun(ctx, runID)
	if err != nil {
		return failed(runID, err)
	}
	snap, err := run.Resume(ctx, step, data)
	if err != nil {
		slog.Warn("Workflow.Adapter.Resume: engine error", "runID", runID, "step", step, "error", err)
		return failed(runID, err)
	}
	return toResponse(runID, snap)
}

// GetState reports the run's client phase. Unknown runs yield Exists=false.
func (a *Adapter) GetState(ctx context.Context, runID string) StateResponse {
	run, err := a.engine.CreateRun(ctx, runID)
	if err != nil {
		return StateResponse{SurveyResponse: failed(runID, err)}
	}
	snap, err := run.GetState(ctx)
	if errors.Is(err, ErrRunNotFound) {
		return StateResponse{Exists: false, SurveyResponse: SurveyResponse{RunID: runID}}
	}
	if err != nil {
		slog.Warn("Workflow.Adapter.GetState: engine error", "runID", runID, "error", err)
		return StateResponse{Exists: true, SurveyResponse: failed(runID, err)}
	}
	resp := toResponse(runID, snap)
	return StateResponse{Exists: true, Phase: PhaseOf(snap, resp.Step), SurveyResponse: resp}
}

// PhaseOf maps engine steps to a client phase: the suspended step wins,
// otherwise the last completed known step decides.
func PhaseOf(s Snapshot, suspendedStep string) string {
	switch suspendedStep {
	case StepDiscoveryChat:
		return PhaseChat
	case StepGenerateStream:
		return PhaseSwipe
	}
	if s.Status == StatusCompleted {
		return PhaseDone
	}
	if s.Steps[StepGenerateStream].Status == StatusCompleted {
		return PhaseDone
	}
	if s.Steps[StepDiscoveryChat].Status == StatusCompleted {
		return PhaseSwipe
	}
	return PhaseChat
}

func failed(runID string, err error) SurveyResponse {
	return SurveyResponse{RunID: runID, Status: StatusFailed, Error: err.Error()}
}

func toResponse(runID string, snap Snapshot) SurveyResponse {
	res, err := DecodeSnapshot(snap)
	if err != nil {
		return failed(runID, err)
	}
	out := SurveyResponse{RunID: runID, Status: res.RunStatus()}
	switch r := res.(type) {
	case Suspended:
		data := map[string]any{}
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &data); err != nil {
				return failed(runID, err)
			}
		}
		if data == nil {
			data = map[string]any{}
		}
		data["step"] = r.Step
		out.Step = r.Step
		out.SuspendedData = data
	case Completed:
		out.Result = r.Output
	case Failed:
		out.Error = r.Error
	}
	return out
}

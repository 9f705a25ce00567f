package temporalx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	survey "github.com/BTreeMap/AffirmFlow/internal/workflow"
)

// Update, query and activity names.
const (
	UpdateStart           = "start"
	UpdateResume          = "resume"
	QueryState            = "state"
	ActivityChatTurn      = "chat_survey.chat_turn"
	ActivityGenerateBatch = "chat_survey.generate_batch"
)

// runTimeout bounds abandoned surveys.
const runTimeout = 24 * time.Hour

var activityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 2 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval: time.Second,
		MaximumAttempts: 2,
	},
}

// ResumeArgs is the argument of the resume update.
type ResumeArgs struct {
	Step string          `json:"step"`
	Data json.RawMessage `json:"data"`
}

// ChatSurveyWorkflow holds one chat-survey run. Start and resume arrive as
// updates and the snapshot is served by the state query. Model calls run as
// activities.
func ChatSurveyWorkflow(ctx workflow.Context, settings survey.Settings) (survey.Snapshot, error) {
	runID := workflow.GetInfo(ctx).WorkflowExecution.ID
	process := survey.NewProcess(settings)
	pr := &survey.Progress{}
	pr.Snapshot.RunID = runID
	busy := false

	if err := workflow.SetQueryHandler(ctx, QueryState, func() (survey.Snapshot, error) {
		return pr.Snapshot, nil
	}); err != nil {
		return survey.Snapshot{}, err
	}

	if err := workflow.SetUpdateHandlerWithOptions(ctx, UpdateStart,
		func(ctx workflow.Context, in survey.StartInput) (survey.Snapshot, error) {
			busy = true
			defer func() { busy = false }()
			if err := process.Start(activitySteps{ctx: ctx}, pr, in); err != nil {
				return survey.Snapshot{}, err
			}
			pr.Snapshot.RunID = runID
			return pr.Snapshot, nil
		},
		workflow.UpdateHandlerOptions{Validator: func(in survey.StartInput) error {
			if busy {
				return survey.ErrRunBusy
			}
			if pr.Snapshot.Status != "" {
				return survey.ErrAlreadyStarted
			}
			return nil
		}},
	); err != nil {
		return survey.Snapshot{}, err
	}

	if err := workflow.SetUpdateHandlerWithOptions(ctx, UpdateResume,
		func(ctx workflow.Context, args ResumeArgs) (survey.Snapshot, error) {
			busy = true
			defer func() { busy = false }()
			if err := process.Resume(activitySteps{ctx: ctx}, pr, args.Step, args.Data); err != nil {
				return survey.Snapshot{}, err
			}
			pr.Snapshot.RunID = runID
			return pr.Snapshot, nil
		},
		workflow.UpdateHandlerOptions{Validator: func(args ResumeArgs) error {
			if busy {
				return survey.ErrRunBusy
			}
			if pr.Snapshot.Status != survey.StatusSuspended {
				return survey.ErrNotSuspended
			}
			return nil
		}},
	); err != nil {
		return survey.Snapshot{}, err
	}

	if err := workflow.Await(ctx, func() bool {
		return pr.Finished() && workflow.AllHandlersFinished(ctx)
	}); err != nil {
		return survey.Snapshot{}, err
	}
	return pr.Snapshot, nil
}

// activitySteps runs the process's model calls as activities.
type activitySteps struct {
	ctx workflow.Context
}

func (s activitySteps) ChatTurn(in survey.ChatTurnInput) (survey.ChatTurnOutput, error) {
	var out survey.ChatTurnOutput
	actx := workflow.WithActivityOptions(s.ctx, activityOptions)
	err := workflow.ExecuteActivity(actx, ActivityChatTurn, in).Get(actx, &out)
	return out, err
}

func (s activitySteps) Batch(in survey.BatchInput) (survey.BatchOutput, error) {
	var out survey.BatchOutput
	actx := workflow.WithActivityOptions(s.ctx, activityOptions)
	err := workflow.ExecuteActivity(actx, ActivityGenerateBatch, in).Get(actx, &out)
	return out, err
}

type registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the workflow and its activities to a worker or test environment.
func Register(r registry, acts *survey.Activities) {
	r.RegisterWorkflowWithOptions(ChatSurveyWorkflow, workflow.RegisterOptions{Name: survey.WorkflowName})
	r.RegisterActivityWithOptions(acts.ChatTurn, activity.RegisterOptions{Name: ActivityChatTurn})
	r.RegisterActivityWithOptions(acts.GenerateBatch, activity.RegisterOptions{Name: ActivityGenerateBatch})
}

// NewWorker creates a worker polling taskQueue.
func NewWorker(c temporalsdkclient.Client, taskQueue string, acts *survey.Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, acts)
	return w
}

// Engine drives chat-survey runs on Temporal.
type Engine struct {
	client    temporalsdkclient.Client
	taskQueue string
	settings  survey.Settings
}

// NewEngine creates an engine starting workflows on taskQueue.
func NewEngine(c temporalsdkclient.Client, taskQueue string, settings survey.Settings) *Engine {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Engine{client: c, taskQueue: taskQueue, settings: settings}
}

// CreateRun returns a handle for the workflow with id runID.
func (e *Engine) CreateRun(ctx context.Context, runID string) (survey.Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	return &run{engine: e, id: runID}, nil
}

type run struct {
	engine *Engine
	id     string
}

func (r *run) ID() string { return r.id }

func (r *run) Start(ctx context.Context, in survey.StartInput) (survey.Snapshot, error) {
	_, err := r.engine.client.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:                                       r.id,
		TaskQueue:                                r.engine.taskQueue,
		WorkflowExecutionTimeout:                 runTimeout,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, survey.WorkflowName, r.engine.settings)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return survey.Snapshot{}, survey.ErrAlreadyStarted
		}
		return survey.Snapshot{}, fmt.Errorf("start temporal workflow: %w", err)
	}
	slog.Info("Temporalx.Start: workflow started", "runID", r.id, "taskQueue", r.engine.taskQueue)
	return r.update(ctx, UpdateStart, in)
}

func (r *run) Resume(ctx context.Context, step string, data json.RawMessage) (survey.Snapshot, error) {
	return r.update(ctx, UpdateResume, ResumeArgs{Step: step, Data: data})
}

func (r *run) GetState(ctx context.Context) (survey.Snapshot, error) {
	v, err := r.engine.client.QueryWorkflow(ctx, r.id, "", QueryState)
	if err != nil {
		return survey.Snapshot{}, mapNotFound(err)
	}
	var snap survey.Snapshot
	if err := v.Get(&snap); err != nil {
		return survey.Snapshot{}, fmt.Errorf("decode run state: %w", err)
	}
	return snap, nil
}

func (r *run) update(ctx context.Context, name string, arg interface{}) (survey.Snapshot, error) {
	handle, err := r.engine.client.UpdateWorkflow(ctx, temporalsdkclient.UpdateWorkflowOptions{
		WorkflowID:   r.id,
		UpdateName:   name,
		Args:         []interface{}{arg},
		WaitForStage: temporalsdkclient.WorkflowUpdateStageCompleted,
	})
	if err != nil {
		return survey.Snapshot{}, mapNotFound(err)
	}
	var snap survey.Snapshot
	if err := handle.Get(ctx, &snap); err != nil {
		return survey.Snapshot{}, err
	}
	return snap, nil
}

func mapNotFound(err error) error {
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %v", survey.ErrRunNotFound, err)
	}
	return err
}

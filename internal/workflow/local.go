package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/store"
)

// WorkflowName identifies the chat-survey workflow in every engine.
const WorkflowName = "chat_survey"

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunBusy is returned when a run is already handling a call.
	ErrRunBusy = errors.New("run is busy")
)

// Engine creates or re-attaches to runs.
type Engine interface {
	CreateRun(ctx context.Context, runID string) (Run, error)
}

// Run is one workflow run.
type Run interface {
	ID() string
	Start(ctx context.Context, in StartInput) (Snapshot, error)
	Resume(ctx context.Context, step string, data json.RawMessage) (Snapshot, error)
	GetState(ctx context.Context) (Snapshot, error)
}

// LocalEngine executes runs in-process and keeps their progress in the store.
type LocalEngine struct {
	store   store.Store
	process *Process
	acts    *Activities
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalEngine creates an in-process engine.
func NewLocalEngine(st store.Store, process *Process, acts *Activities) *LocalEngine {
	return &LocalEngine{
		store:   st,
		process: process,
		acts:    acts,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CreateRun returns a handle for runID. Nothing is stored until Start.
func (e *LocalEngine) CreateRun(ctx context.Context, runID string) (Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	return &localRun{engine: e, id: runID}, nil
}

func (e *LocalEngine) lock(runID string) (func(), error) {
	e.mu.Lock()
	l, ok := e.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[runID] = l
	}
	e.mu.Unlock()
	if !l.TryLock() {
		return nil, ErrRunBusy
	}
	return l.Unlock, nil
}

func (e *LocalEngine) load(runID string) (*Progress, *models.WorkflowRunRecord, error) {
	rec, err := e.store.GetWorkflowRun(runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var pr Progress
	if err := json.Unmarshal([]byte(rec.SnapshotJSON), &pr); err != nil {
		return nil, nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &pr, rec, nil
}

func (e *LocalEngine) save(runID string, pr *Progress, created time.Time) error {
	pr.Snapshot.RunID = runID
	data, err := json.Marshal(pr)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", runID, err)
	}
	now := e.now()
	if created.IsZero() {
		created = now
	}
	return e.store.SaveWorkflowRun(models.WorkflowRunRecord{
		RunID:        runID,
		WorkflowName: WorkflowName,
		Status:       string(pr.Snapshot.Status),
		SnapshotJSON: string(data),
		CreatedAt:    created,
		UpdatedAt:    now,
	})
}

type localRun struct {
	engine *LocalEngine
	id     string
}

func (r *localRun) ID() string { return r.id }

func (r *localRun) Start(ctx context.Context, in StartInput) (Snapshot, error) {
	unlock, err := r.engine.lock(r.id)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	if _, _, err := r.engine.load(r.id); err == nil {
		return Snapshot{}, ErrAlreadyStarted
	} else if !errors.Is(err, ErrRunNotFound) {
		return Snapshot{}, err
	}

	pr := &Progress{}
	if err := r.engine.process.Start(r.engine.acts.Bind(ctx), pr, in); err != nil {
		return Snapshot{}, err
	}
	if err := r.engine.save(r.id, pr, time.Time{}); err != nil {
		return Snapshot{}, err
	}
	slog.Info("Workflow.Start: run started", "runID", r.id, "status", pr.Snapshot.Status)
	return pr.Snapshot, nil
}

func (r *localRun) Resume(ctx context.Context, step string, data json.RawMessage) (Snapshot, error) {
	unlock, err := r.engine.lock(r.id)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	pr, rec, err := r.engine.load(r.id)
	if err != nil {
		return Snapshot{}, err
	}
	if err := r.engine.process.Resume(r.engine.acts.Bind(ctx), pr, step, data); err != nil {
		return Snapshot{}, err
	}
	if err := r.engine.save(r.id, pr, rec.CreatedAt); err != nil {
		return Snapshot{}, err
	}
	slog.Debug("Workflow.Resume: run advanced", "runID", r.id, "step", step, "status", pr.Snapshot.Status)
	return pr.Snapshot, nil
}

func (r *localRun) GetState(ctx context.Context) (Snapshot, error) {
	pr, _, err := r.engine.load(r.id)
	if err != nil {
		return Snapshot{}, err
	}
	return pr.Snapshot, nil
}

package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/AffirmFlow/internal/discovery"
	"github.com/BTreeMap/AffirmFlow/internal/models"
)

// Chat roles.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

var (
	ErrAlreadyStarted = errors.New("run already started")
	ErrNotSuspended   = errors.New("run is not suspended")
	ErrStepMismatch   = errors.New("run is suspended at a different step")
	ErrEmptyMessage   = errors.New("message is required")
)

// ChatMessage is one line of the chat-survey conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StartInput starts a run.
type StartInput struct {
	SkipDiscovery bool          `json:"skipDiscovery"`
	Name          string        `json:"name"`
	History       []ChatMessage `json:"history,omitempty"`
}

// ChatPayload is the suspend payload of the discovery-chat step.
type ChatPayload struct {
	AssistantMessage   string   `json:"assistantMessage"`
	TurnNumber         int      `json:"turnNumber"`
	SuggestedResponses []string `json:"suggestedResponses"`
}

// ChatResume is the resume data for the discovery-chat step. The client
// echoes the full history on every call.
type ChatResume struct {
	Message string        `json:"message"`
	History []ChatMessage `json:"history"`
	Done    bool          `json:"done,omitempty"`
}

// SwipePayload is the suspend payload of the generate-stream step.
type SwipePayload struct {
	Affirmations  []string `json:"affirmations"`
	BatchNumber   int      `json:"batchNumber"`
	ApprovedCount int      `json:"approvedCount"`
	Target        int      `json:"target"`
}

// SwipeResume is the resume data for the generate-stream step. Approved and
// Skipped are cumulative.
type SwipeResume struct {
	Approved []string `json:"approved"`
	Skipped  []string `json:"skipped"`
	Finish   bool     `json:"finish,omitempty"`
}

// Completion is the result of a finished run.
type Completion struct {
	Approved []string `json:"approved"`
	Skipped  []string `json:"skipped"`
}

// ChatTurnInput asks the model for the next chat message.
type ChatTurnInput struct {
	Name       string        `json:"name"`
	History    []ChatMessage `json:"history"`
	TurnNumber int           `json:"turnNumber"`
	MinTurns   int           `json:"minTurns"`
	MaxTurns   int           `json:"maxTurns"`
}

// ChatTurnOutput is the model's chat reply.
type ChatTurnOutput struct {
	Message              string   `json:"message"`
	SuggestedResponses   []string `json:"suggestedResponses"`
	ReadyForAffirmations bool     `json:"readyForAffirmations"`
}

// BatchInput asks for one batch of affirmations.
type BatchInput struct {
	Name        string        `json:"name"`
	History     []ChatMessage `json:"history"`
	BatchNumber int           `json:"batchNumber"`
	Approved    []string      `json:"approved"`
	Skipped     []string      `json:"skipped"`
	Shown       []string      `json:"shown"`
	Count       int           `json:"count"`
}

// BatchOutput is one generated batch.
type BatchOutput struct {
	Affirmations []string `json:"affirmations"`
}

// Steps performs the model calls of the process. Engines bind it to their
// own execution context.
type Steps interface {
	ChatTurn(in ChatTurnInput) (ChatTurnOutput, error)
	Batch(in BatchInput) (BatchOutput, error)
}

// Settings configures the chat-survey process.
type Settings struct {
	MinTurns  int `json:"minTurns"`
	MaxTurns  int `json:"maxTurns"`
	BatchSize int `json:"batchSize"`
	Target    int `json:"target"`
}

// DefaultSettings mirrors the CS-01 variant.
func DefaultSettings() Settings {
	return Settings{MinTurns: 2, MaxTurns: 6, BatchSize: 10, Target: 15}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MinTurns <= 0 {
		s.MinTurns = d.MinTurns
	}
	if s.MaxTurns < s.MinTurns {
		s.MaxTurns = max(d.MaxTurns, s.MinTurns)
	}
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.Target <= 0 {
		s.Target = d.Target
	}
	return s
}

// Progress is the full persisted state of a run.
type Progress struct {
	Snapshot    Snapshot      `json:"snapshot"`
	Name        string        `json:"name"`
	History     []ChatMessage `json:"history,omitempty"`
	BatchNumber int           `json:"batchNumber"`
	Shown       []string      `json:"shown,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (p *Progress) Finished() bool {
	return p.Snapshot.Status == StatusCompleted || p.Snapshot.Status == StatusFailed
}

// Process is the chat-survey state machine. It holds no run state itself.
type Process struct {
	settings Settings
}

// NewProcess creates a process.
func NewProcess(settings Settings) *Process {
	return &Process{settings: settings.withDefaults()}
}

// Settings returns the effective settings.
func (p *Process) Settings() Settings {
	return p.settings
}

// Start runs the first step. Model failures fail the run instead of
// returning an error.
func (p *Process) Start(steps Steps, pr *Progress, in StartInput) error {
	if pr.Snapshot.Status != "" {
		return ErrAlreadyStarted
	}
	name := strings.TrimSpace(in.Name)
	if err := (models.GatheringContext{Name: name}).ValidateName(); err != nil {
		return err
	}
	pr.Name = name
	pr.History = append([]ChatMessage(nil), in.History...)
	pr.Snapshot.Status = StatusRunning
	pr.Snapshot.Steps = map[string]StepState{}

	if in.SkipDiscovery {
		p.completeStep(pr, StepDiscoveryChat, map[string]any{"history": pr.History, "skipped": true})
		p.generate(steps, pr, nil, nil)
		return nil
	}
	p.chat(steps, pr)
	return nil
}

// Resume advances a run suspended at step.
func (p *Process) Resume(steps Steps, pr *Progress, step string, data json.RawMessage) error {
	if pr.Snapshot.Status != StatusSuspended {
		return ErrNotSuspended
	}
	res, err := DecodeSnapshot(pr.Snapshot)
	if err != nil {
		return err
	}
	if s, ok := res.(Suspended); !ok || s.Step != step {
		return fmt.Errorf("%w: want %s", ErrStepMismatch, step)
	}

	switch step {
	case StepDiscoveryChat:
		var in ChatResume
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("invalid resume data: %w", err)
		}
		msg := strings.TrimSpace(in.Message)
		if msg == "" && !in.Done {
			return ErrEmptyMessage
		}
		history := append([]ChatMessage(nil), in.History...)
		if msg != "" {
			history = append(history, ChatMessage{Role: RoleUser, Content: msg})
		}
		p.running(pr, step)
		pr.History = history
		if in.Done && userTurns(history) >= p.settings.MinTurns {
			p.completeStep(pr, StepDiscoveryChat, map[string]any{"history": history})
			p.generate(steps, pr, nil, nil)
			return nil
		}
		p.chat(steps, pr)
		return nil

	case StepGenerateStream:
		var in SwipeResume
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("invalid resume data: %w", err)
		}
		p.running(pr, step)
		if in.Finish || len(in.Approved) >= p.settings.Target {
			done := Completion{Approved: nonNil(in.Approved), Skipped: nonNil(in.Skipped)}
			p.completeStep(pr, StepGenerateStream, done)
			p.complete(pr, done)
			return nil
		}
		p.generate(steps, pr, in.Approved, in.Skipped)
		return nil
	}
	return fmt.Errorf("%w: unknown step %s", ErrStepMismatch, step)
}

func (p *Process) chat(steps Steps, pr *Progress) {
	turns := userTurns(pr.History)
	if discovery.Clamp(false, turns, p.settings.MinTurns, p.settings.MaxTurns) {
		p.completeStep(pr, StepDiscoveryChat, map[string]any{"history": pr.History})
		p.generate(steps, pr, nil, nil)
		return
	}
	out, err := steps.ChatTurn(ChatTurnInput{
		Name:       pr.Name,
		History:    pr.History,
		TurnNumber: turns + 1,
		MinTurns:   p.settings.MinTurns,
		MaxTurns:   p.settings.MaxTurns,
	})
	if err != nil {
		p.fail(pr, StepDiscoveryChat, err)
		return
	}
	if discovery.Clamp(out.ReadyForAffirmations, turns, p.settings.MinTurns, p.settings.MaxTurns) {
		p.completeStep(pr, StepDiscoveryChat, map[string]any{"history": pr.History})
		p.generate(steps, pr, nil, nil)
		return
	}
	pr.History = append(pr.History, ChatMessage{Role: RoleAssistant, Content: out.Message})
	p.suspend(pr, StepDiscoveryChat, ChatPayload{
		AssistantMessage:   out.Message,
		TurnNumber:         turns + 1,
		SuggestedResponses: nonNil(out.SuggestedResponses),
	})
}

func (p *Process) generate(steps Steps, pr *Progress, approved, skipped []string) {
	out, err := steps.Batch(BatchInput{
		Name:        pr.Name,
		History:     pr.History,
		BatchNumber: pr.BatchNumber + 1,
		Approved:    nonNil(approved),
		Skipped:     nonNil(skipped),
		Shown:       nonNil(pr.Shown),
		Count:       p.settings.BatchSize,
	})
	if err != nil {
		p.fail(pr, StepGenerateStream, err)
		return
	}
	pr.BatchNumber++
	pr.Shown = append(pr.Shown, out.Affirmations...)
	p.suspend(pr, StepGenerateStream, SwipePayload{
		Affirmations:  nonNil(out.Affirmations),
		BatchNumber:   pr.BatchNumber,
		ApprovedCount: len(approved),
		Target:        p.settings.Target,
	})
}

func (p *Process) running(pr *Progress, step string) {
	pr.Snapshot.Status = StatusRunning
	pr.Snapshot.Suspended = nil
	pr.Snapshot.SuspendedFormat = 0
	pr.Snapshot.Steps[step] = StepState{Status: StatusRunning}
}

func (p *Process) suspend(pr *Progress, step string, payload any) {
	raw, _ := json.Marshal(payload)
	pr.Snapshot.Steps[step] = StepState{Status: StatusSuspended, SuspendPayload: raw}
	pr.Snapshot.Status = StatusSuspended
	pr.Snapshot.Suspended, pr.Snapshot.SuspendedFormat = EncodeSuspended(step)
}

func (p *Process) completeStep(pr *Progress, step string, output any) {
	raw, _ := json.Marshal(output)
	pr.Snapshot.Steps[step] = StepState{Status: StatusCompleted, Output: raw}
}

func (p *Process) complete(pr *Progress, result any) {
	raw, _ := json.Marshal(result)
	pr.Snapshot.Status = StatusCompleted
	pr.Snapshot.Result = raw
	pr.Snapshot.Suspended = nil
	pr.Snapshot.SuspendedFormat = 0
}

func (p *Process) fail(pr *Progress, step string, err error) {
	pr.Snapshot.Steps[step] = StepState{Status: StatusFailed, Error: err.Error()}
	pr.Snapshot.Status = StatusFailed
	pr.Snapshot.Error = err.Error()
	pr.Snapshot.Suspended = nil
	pr.Snapshot.SuspendedFormat = 0
}

func userTurns(history []ChatMessage) int {
	n := 0
	for _, m := range history {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Exchanges pairs each user message with the assistant message before it.
func Exchanges(history []ChatMessage) []models.Exchange {
	var out []models.Exchange
	question := ""
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			question = m.Content
		case RoleUser:
			out = append(out, models.Exchange{Question: question, Answer: models.Answer{Text: m.Content}})
			question = ""
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

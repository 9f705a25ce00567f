// Package models defines the core data structures for AffirmFlow.
//
// It includes the discovery conversation types, affirmation batches and the
// API response envelope shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxNameLength defines the maximum allowed length for a user name
	MaxNameLength = 80
	// MaxAnswerLength defines the maximum allowed length for a free-text answer
	MaxAnswerLength = 2000
)

// Error variables for better error handling and testability
var (
	ErrEmptyName        = errors.New("name is required")
	ErrNameTooLong      = errors.New("name exceeds maximum length")
	ErrNoExchanges      = errors.New("at least one exchange is required")
	ErrEmptyAnswer      = errors.New("answer cannot be empty")
	ErrAnswerTooLong    = errors.New("answer exceeds maximum length")
	ErrEmptyAffirmation = errors.New("affirmation cannot be empty")
)

// Answer is the user's reply to one discovery question. Chips holds any
// suggestion snippets the user tapped; Text holds what they typed.
type Answer struct {
	Text  string   `json:"text"`
	Chips []string `json:"chips,omitempty"`
}

// String flattens the answer for prompt assembly.
func (a Answer) String() string {
	parts := make([]string, 0, len(a.Chips)+1)
	for _, c := range a.Chips {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	if t := strings.TrimSpace(a.Text); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, " ")
}

// IsEmpty reports whether neither chips nor text were supplied.
func (a Answer) IsEmpty() bool {
	return a.String() == ""
}

// Validate validates an Answer.
func (a Answer) Validate() error {
	s := a.String()
	if s == "" {
		return ErrEmptyAnswer
	}
	if len(s) > MaxAnswerLength {
		return ErrAnswerTooLong
	}
	return nil
}

// Exchange is one recorded question/answer pair. Exchanges are appended and
// never edited afterwards.
type Exchange struct {
	Question string `json:"question"`
	Answer   Answer `json:"answer"`
}

// GatheringContext aggregates everything learned during discovery.
type GatheringContext struct {
	Name             string     `json:"name"`
	FamiliarityLevel string     `json:"familiarityLevel,omitempty"`
	Exchanges        []Exchange `json:"exchanges"`
	ScreenNumber     int        `json:"screenNumber"`
}

// WithExchange returns a copy of the context with e appended and the screen
// counter advanced. The receiver is left untouched.
func (g GatheringContext) WithExchange(e Exchange) GatheringContext {
	out := g
	out.Exchanges = make([]Exchange, len(g.Exchanges), len(g.Exchanges)+1)
	copy(out.Exchanges, g.Exchanges)
	out.Exchanges = append(out.Exchanges, e)
	out.ScreenNumber = g.ScreenNumber + 1
	return out
}

// ValidateName checks the name constraint shared by every LLM-facing component.
func (g GatheringContext) ValidateName() error {
	name := strings.TrimSpace(g.Name)
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// ValidateForGeneration checks that enough context exists to request affirmations.
func (g GatheringContext) ValidateForGeneration() error {
	if err := g.ValidateName(); err != nil {
		return err
	}
	if len(g.Exchanges) == 0 {
		return ErrNoExchanges
	}
	return nil
}

// DiscoveryStepResponse is the structured value derived from one discovery
// LLM call. Chip variants fill the *Chips fields, fragment variants the
// *Fragments fields.
type DiscoveryStepResponse struct {
	Question             string   `json:"question"`
	InitialChips         []string `json:"initialChips,omitempty"`
	ExpandedChips        []string `json:"expandedChips,omitempty"`
	InitialFragments     []string `json:"initialFragments"`
	ExpandedFragments    []string `json:"expandedFragments"`
	ReadyForAffirmations bool     `json:"readyForAffirmations"`
	Skip                 bool     `json:"skip,omitempty"`
	Error                string   `json:"error,omitempty"`
}

// EmptyDiscoveryStep returns the zero-data response carrying errMsg.
func EmptyDiscoveryStep(errMsg string) DiscoveryStepResponse {
	return DiscoveryStepResponse{
		Question:          "",
		InitialFragments:  []string{},
		ExpandedFragments: []string{},
		Error:             errMsg,
	}
}

// Suggestions returns the initial and expanded suggestion lists regardless of
// whether the variant uses chips or fragments.
func (d DiscoveryStepResponse) Suggestions() (initial, expanded []string) {
	if len(d.InitialChips) > 0 || len(d.ExpandedChips) > 0 {
		return d.InitialChips, d.ExpandedChips
	}
	return d.InitialFragments, d.ExpandedFragments
}

// AffirmationBatch is one generated group of candidate affirmations.
type AffirmationBatch struct {
	BatchNumber  int      `json:"batchNumber"`
	Affirmations []string `json:"affirmations"`
}

// Contains reports whether the batch holds the given affirmation.
func (b *AffirmationBatch) Contains(a string) bool {
	if b == nil {
		return false
	}
	for _, x := range b.Affirmations {
		if x == a {
			return true
		}
	}
	return false
}

// SessionRef is the small record a browser keeps to find its chat-survey
// run again after a reload.
type SessionRef struct {
	RunID     string `json:"runId"`
	CreatedAt int64  `json:"createdAt"`
	Phase     string `json:"phase"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

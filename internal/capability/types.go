// Package capability defines the capability contract (the single extension
// point of the voice core) and the Registry that discovers capabilities,
// routes intents to them and contains their failures.
package capability

import (
	"context"
	"errors"

	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/entity"
)

// Info describes a capability.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Intents     []string `json:"intents"`
}

// Capability handles one or more intents.
type Capability interface {
	// Info returns static metadata. Name must be unique within a registry.
	Info() Info

	// CanHandle reports whether the capability currently claims intent.
	CanHandle(intent string) bool

	// SupportedIntents lists the intent tags the capability declares.
	SupportedIntents() []string

	// Execute handles a request. Returning an error (or panicking) yields a
	// structured failure; a handled "can't do that" should be a Response
	// with Success=false instead.
	Execute(ctx context.Context, intent string, entities []entity.Entity, snap conversation.Snapshot) (Response, error)
}

// Validator is implemented by capabilities that check required entities
// before Execute. A non-nil error is shown to the user.
type Validator interface {
	ValidateEntities(intent string, entities []entity.Entity) error
}

// Initializer is implemented by capabilities that need setup. A failed
// Initialize keeps the capability out of the registry.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by capabilities holding resources.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Configurable is implemented by capabilities that accept the shared
// configuration at discovery.
type Configurable interface {
	Configure(settings map[string]any) error
}

// ErrorCategory classifies a failed Response.
type ErrorCategory string

const (
	CategoryNone         ErrorCategory = ""
	CategoryValidation   ErrorCategory = "validation"
	CategoryExecution    ErrorCategory = "execution"
	CategoryPanic        ErrorCategory = "panic"
	CategoryNoCapability ErrorCategory = "no_capability"
)

// Response is the outcome of dispatching one request.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	Data map[string]any `json:"data,omitempty"`

	// ContextDelta is merged into the session context (see
	// conversation.Manager.ApplyDelta).
	ContextDelta map[string]any `json:"context_delta,omitempty"`

	// Continue asks the caller to keep listening for a follow-up.
	Continue bool `json:"continue,omitempty"`

	// Capability is the name of the capability that produced the response,
	// set by the registry.
	Capability string `json:"capability,omitempty"`

	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Succeed builds a successful response.
func Succeed(message string) Response {
	return Response{Success: true, Message: message}
}

// Fail builds a structured failure.
func Fail(category ErrorCategory, message string) Response {
	return Response{Success: false, Message: message, ErrorCategory: category}
}

// Factory constructs one capability. Discovery calls New once.
type Factory struct {
	Name string
	New  func() (Capability, error)
}

var (
	// ErrNotFound is returned for unknown capability names.
	ErrNotFound = errors.New("capability not found")
	// ErrAlreadyRegistered is returned when a name is registered twice.
	ErrAlreadyRegistered = errors.New("capability already registered")
	// ErrInitFailed is returned when Initialize fails or panics.
	ErrInitFailed = errors.New("capability initialization failed")
	// ErrInvalidCapability is returned for a nil capability or empty name.
	ErrInvalidCapability = errors.New("invalid capability")
)

// Base provides Info, SupportedIntents and CanHandle from a static Info.
// Capabilities embed it and implement Execute.
type Base struct {
	Meta Info
}

// Info implements Capability.
func (b Base) Info() Info {
	return b.Meta
}

// SupportedIntents implements Capability.
func (b Base) SupportedIntents() []string {
	return append([]string(nil), b.Meta.Intents...)
}

// CanHandle implements Capability.
func (b Base) CanHandle(intent string) bool {
	for _, in := range b.Meta.Intents {
		if in == intent {
			return true
		}
	}
	return false
}

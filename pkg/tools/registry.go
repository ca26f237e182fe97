package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexma233/Memoh/pkg/conversation"
)

// ToolID names a registered action.
type ToolID string

const (
	SendMessage   ToolID = "send_message"
	SearchMemory  ToolID = "search_memory"
	ContactSearch ToolID = "contact_search"
	ContactCreate ToolID = "contact_create"
	ContactUpdate ToolID = "contact_update"
	ContactBind   ToolID = "contact_bind"
)

// Handler executes one decoded, schema-valid invocation.
type Handler interface {
	Execute(ctx context.Context, identity conversation.Identity, input json.RawMessage) (any, error)
}

// Terminator is implemented by outputs that end the turn after the current
// tool round.
type Terminator interface {
	TerminatesTurn() bool
}

// Tool binds an identifier to its schemas and handler.
type Tool struct {
	ID           ToolID
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Handler      Handler
}

// Definition is what the model sees.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Result of one invocation. Failures are carried in Output with IsError set.
type Result struct {
	Output    json.RawMessage
	IsError   bool
	Terminate bool
}

// InputError is reported back to the model; the turn continues.
type InputError struct {
	Tool       ToolID
	Violations []string
}

func (e *InputError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("invalid input for %s: %s", e.Tool, strings.Join(e.Violations, "; "))
}

type typedHandler[In any, Out any] struct {
	fn func(ctx context.Context, identity conversation.Identity, in In) (Out, error)
}

func (h typedHandler[In, Out]) Execute(ctx context.Context, identity conversation.Identity, input json.RawMessage) (any, error) {
	var in In
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.Wrap(err, "decode input")
	}
	return h.fn(ctx, identity, in)
}

// NewTool builds a Tool with schemas reflected from In and Out.
func NewTool[In any, Out any](id ToolID, description string, fn func(ctx context.Context, identity conversation.Identity, in In) (Out, error)) (Tool, error) {
	if fn == nil {
		return Tool{}, errors.Errorf("tool %s: handler is nil", id)
	}
	in, err := SchemaFor[In]()
	if err != nil {
		return Tool{}, errors.Wrapf(err, "tool %s: input schema", id)
	}
	out, err := SchemaFor[Out]()
	if err != nil {
		return Tool{}, errors.Wrapf(err, "tool %s: output schema", id)
	}
	return Tool{
		ID:           id,
		Description:  description,
		InputSchema:  in,
		OutputSchema: out,
		Handler:      typedHandler[In, Out]{fn: fn},
	}, nil
}

type registered struct {
	tool   Tool
	input  *validator
	output *validator
}

// Registry dispatches invocations by ToolID. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[ToolID]*registered
	order  []ToolID
	tracer trace.Tracer
}

func NewRegistry() *Registry {
	return &Registry{
		tools:  map[ToolID]*registered{},
		tracer: otel.Tracer("memoh/tools"),
	}
}

func (r *Registry) Register(t Tool) error {
	if r == nil {
		return errors.New("tool registry is nil")
	}
	if strings.TrimSpace(string(t.ID)) == "" {
		return errors.New("tool id is empty")
	}
	if t.Handler == nil {
		return errors.Errorf("tool %s: handler is nil", t.ID)
	}
	in, err := newValidator(t.InputSchema)
	if err != nil {
		return errors.Wrapf(err, "tool %s: input schema", t.ID)
	}
	out, err := newValidator(t.OutputSchema)
	if err != nil {
		return errors.Wrapf(err, "tool %s: output schema", t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.ID]; ok {
		return errors.Errorf("tool %s already registered", t.ID)
	}
	r.tools[t.ID] = &registered{tool: t, input: in, output: out}
	r.order = append(r.order, t.ID)
	return nil
}

func (r *Registry) Has(id ToolID) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// Definitions lists tools in registration order.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		t := r.tools[id].tool
		out = append(out, Definition{Name: string(t.ID), Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// Invoke validates input, runs the handler and validates its output. It
// never returns an error: every failure becomes an error Result for the model.
func (r *Registry) Invoke(ctx context.Context, identity conversation.Identity, name string, input json.RawMessage) Result {
	if r == nil {
		return ErrorResult("tool registry not available")
	}
	id := ToolID(strings.TrimSpace(name))
	r.mu.RLock()
	reg, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	ctx, span := r.tracer.Start(ctx, "tools.invoke", trace.WithAttributes(
		attribute.String("tool.name", string(id)),
		attribute.String("bot.id", identity.BotID),
	))
	defer span.End()

	if len(strings.TrimSpace(string(input))) == 0 {
		input = json.RawMessage(`{}`)
	}
	violations, err := reg.input.validate(input)
	if err != nil {
		violations = []string{err.Error()}
	}
	if len(violations) > 0 {
		ierr := &InputError{Tool: id, Violations: violations}
		span.SetStatus(codes.Error, "invalid input")
		log.Debug().Str("component", "tools").Str("tool", string(id)).Strs("violations", violations).Msg("tool input rejected")
		return ErrorResult(ierr.Error())
	}

	out, err := r.execute(ctx, reg, identity, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Str("component", "tools").Str("tool", string(id)).Str("bot_id", identity.BotID).Msg("tool call failed")
		return ErrorResult(err.Error())
	}

	b, err := json.Marshal(out)
	if err != nil {
		return ErrorResult(fmt.Sprintf("tool %s produced unencodable output: %v", id, err))
	}
	if violations, err := reg.output.validate(b); err != nil || len(violations) > 0 {
		if err != nil {
			violations = []string{err.Error()}
		}
		return ErrorResult(fmt.Sprintf("tool %s produced invalid output: %s", id, strings.Join(violations, "; ")))
	}
	res := Result{Output: b}
	if t, ok := out.(Terminator); ok && t.TerminatesTurn() {
		res.Terminate = true
	}
	return res
}

func (r *Registry) execute(ctx context.Context, reg *registered, identity conversation.Identity, input json.RawMessage) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("tool %s panicked: %v", reg.tool.ID, p)
		}
	}()
	return reg.tool.Handler.Execute(ctx, identity, input)
}

// ErrorResult wraps a failure message as {"error": msg}.
func ErrorResult(msg string) Result {
	b, _ := json.Marshal(map[string]any{"error": msg})
	return Result{Output: b, IsError: true}
}

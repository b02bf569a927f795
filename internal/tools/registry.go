// internal/tools/registry.go
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Mode declares how a capability executes.
type Mode string

const (
	ModeSync  Mode = "sync"  // Invoke returns the result directly.
	ModeAsync Mode = "async" // Start returns immediately; the outcome arrives on a channel.
)

// Schema declares the input contract of a capability.
type Schema struct {
	Required   []string          `json:"required,omitempty"`
	Properties map[string]string `json:"properties,omitempty"` // name -> human description
}

// Descriptor describes a registered capability.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mode        Mode   `json:"mode"`
	Schema      Schema `json:"schema"`
}

// Capability is a callable unit of work. Implementations must be safe for
// concurrent use and should tolerate being retried.
type Capability interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Outcome is the eventual result of an asynchronous invocation.
type Outcome struct {
	Output json.RawMessage
	Err    error
}

// Starter is implemented by ModeAsync capabilities.
// The returned channel receives exactly one Outcome and is then closed.
type Starter interface {
	Start(ctx context.Context, input json.RawMessage) (<-chan Outcome, error)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Registry maps tool names to capabilities. Reads are concurrent; writes
// normally happen once at startup.
type Registry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	caps   map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("tool_registry"),
		caps:   make(map[string]Capability),
	}
}

// Register adds a capability under its descriptor name.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return errors.New("capability cannot be nil")
	}
	d := c.Descriptor()
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return errors.New("capability name cannot be empty")
	}
	if d.Mode == ModeAsync {
		if _, ok := c.(Starter); !ok {
			return fmt.Errorf("capability %q declares async mode but does not implement Start", name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("capability %q is already registered", name)
	}
	r.caps[name] = c
	r.logger.Debug("Registered tool.", zap.String("tool", name), zap.String("mode", string(d.Mode)))
	return nil
}

// Resolve returns the capability registered under name, or a TOOL_NOT_FOUND error.
func (r *Registry) Resolve(name string) (Capability, error) {
	r.mu.RLock()
	c, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return nil, mission.Errorf(mission.CodeToolNotFound, "tools.Resolve", "no tool registered under %q", name)
	}
	return c, nil
}

// List returns every descriptor, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c.Descriptor())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateInput checks that input is a JSON object carrying every required key.
// Failures are permanent INVALID_INPUT errors.
func ValidateInput(d Descriptor, input json.RawMessage) error {
	const op = "tools.ValidateInput"
	obj := map[string]json.RawMessage{}
	if len(input) > 0 {
		if err := codec.Unmarshal(input, &obj); err != nil {
			return Permanent(mission.Errorf(mission.CodeInvalidInput, op, "input for %q is not a JSON object: %v", d.Name, err))
		}
	}
	var missing []string
	for _, k := range d.Schema.Required {
		v, ok := obj[k]
		if !ok || string(v) == "null" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Permanent(mission.Errorf(mission.CodeInvalidInput, op, "input for %q is missing required keys: %s", d.Name, strings.Join(missing, ", ")))
	}
	return nil
}

// Func adapts a plain function into a synchronous Capability.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (f *Func) Descriptor() Descriptor {
	d := f.Desc
	if d.Mode == "" {
		d.Mode = ModeSync
	}
	return d
}

func (f *Func) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f.Fn(ctx, input)
}

// Async adapts a blocking function into a ModeAsync capability that runs it
// on its own goroutine.
type Async struct {
	Desc Descriptor
	Fn   func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

var (
	_ Capability = (*Async)(nil)
	_ Starter    = (*Async)(nil)
)

func (a *Async) Descriptor() Descriptor {
	d := a.Desc
	d.Mode = ModeAsync
	return d
}

// Start launches the invocation. The goroutine exits once Fn returns; Fn is
// expected to honour ctx.
func (a *Async) Start(ctx context.Context, input json.RawMessage) (<-chan Outcome, error) {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				ch <- Outcome{Err: Permanent(mission.Errorf(mission.CodeToolExecution, "tools.Async", "panic in %s: %v", a.Desc.Name, r))}
			}
		}()
		out, err := a.Fn(ctx, input)
		ch <- Outcome{Output: out, Err: err}
	}()
	return ch, nil
}

// Invoke starts the call and waits for its outcome or ctx.
func (a *Async) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	ch, err := a.Start(ctx, input)
	if err != nil {
		return nil, err
	}
	select {
	case o := <-ch:
		return o.Output, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decodeInput unmarshals a tool input into v, marking malformed input permanent.
func decodeInput(tool string, input json.RawMessage, v interface{}) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := codec.Unmarshal(input, v); err != nil {
		return Permanent(mission.Errorf(mission.CodeInvalidInput, tool, "malformed input: %v", err))
	}
	return nil
}

func encodeOutput(tool string, v interface{}) (json.RawMessage, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return nil, Permanent(mission.Errorf(mission.CodeToolExecution, tool, "failed to encode output: %v", err))
	}
	return b, nil
}

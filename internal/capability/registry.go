package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Handler is the invocation form every capability reduces to: named arguments
// in, observation text out. A returned error is reported to the caller but is
// not fatal to an agent run.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Descriptor holds registry metadata for a capability.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

var (
	// ErrDuplicateCapability indicates a name collision at registration time.
	// Duplicate registration is rejected, never overwritten: the registry is
	// populated once at startup and a silent overwrite would hide a wiring bug.
	ErrDuplicateCapability = errors.New("capability already registered")

	// ErrCapabilityNotFound indicates a lookup for an unregistered name.
	ErrCapabilityNotFound = errors.New("capability not found")
)

// Registry maps capability names to handlers and their parameter schemas.
// Registration happens before any dispatch begins; afterwards the registry is
// read-only and safe for concurrent lookups.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	descriptors map[string]Descriptor
	order       []string
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:    make(map[string]Handler),
		descriptors: make(map[string]Descriptor),
	}
}

// Option configures a registration.
type Option func(*registration)

type registration struct {
	description string
	parameters  map[string]interface{}
}

// WithDescription sets a human-readable capability description.
func WithDescription(desc string) Option {
	return func(r *registration) { r.description = desc }
}

// WithSchema supplies an explicit parameter schema instead of deriving one
// from the handler signature. Property keys must match the handler's accepted
// argument names.
func WithSchema(parameters map[string]interface{}) Option {
	return func(r *registration) { r.parameters = parameters }
}

// Register adds a capability under a unique name. fn must be either a Handler
// (map arguments, explicit schema required) or a typed function
// func(ctx context.Context, args T) (string, error) where T is a struct; in
// the typed case the parameter schema is derived from T's fields when not
// supplied explicitly.
func (r *Registry) Register(name string, fn interface{}, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("capability name is empty")
	}

	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}

	handler, derived, argNames, err := adaptHandler(fn)
	if err != nil {
		return fmt.Errorf("capability %s: %w", name, err)
	}

	params := reg.parameters
	if params == nil {
		params = derived
	}
	if params == nil {
		return fmt.Errorf("capability %s: map-form handlers require an explicit schema", name)
	}
	if reg.parameters != nil && argNames != nil {
		if err := checkSchemaKeys(reg.parameters, argNames); err != nil {
			return fmt.Errorf("capability %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, name)
	}
	r.handlers[name] = handler
	r.descriptors[name] = Descriptor{Name: name, Description: reg.description, Parameters: params}
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the handler for a capability name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Describe returns the descriptor for a capability name.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// List returns all descriptors in registration order. Order matters only for
// presentation, never for semantics.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.descriptors[name])
	}
	return out
}

// Len reports the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Invoke looks up a capability and calls it with the given arguments.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
	}
	return h(ctx, args)
}

var (
	ctxType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType     = reflect.TypeOf((*error)(nil)).Elem()
	mapArgsType = reflect.TypeOf(map[string]interface{}{})
)

// adaptHandler normalizes fn into the map-argument Handler form. For typed
// handlers it also returns the derived schema and the set of accepted
// argument names for registration-time schema checking.
func adaptHandler(fn interface{}) (Handler, map[string]interface{}, map[string]bool, error) {
	if h, ok := fn.(Handler); ok {
		return h, nil, nil, nil
	}
	if h, ok := fn.(func(context.Context, map[string]interface{}) (string, error)); ok {
		return Handler(h), nil, nil, nil
	}

	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, nil, nil, fmt.Errorf("handler must be a function, got %T", fn)
	}
	if t.NumIn() != 2 || t.In(0) != ctxType {
		return nil, nil, nil, fmt.Errorf("handler must take (context.Context, args)")
	}
	if t.NumOut() != 2 || t.Out(0).Kind() != reflect.String || t.Out(1) != errType {
		return nil, nil, nil, fmt.Errorf("handler must return (string, error)")
	}
	argT := t.In(1)
	if argT == mapArgsType {
		return func(ctx context.Context, args map[string]interface{}) (string, error) {
			out := v.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(args)})
			return callResult(out)
		}, nil, nil, nil
	}
	if argT.Kind() != reflect.Struct {
		return nil, nil, nil, fmt.Errorf("handler arguments must be a struct or map[string]interface{}, got %s", argT)
	}

	schema, argNames := deriveSchema(argT)
	handler := func(ctx context.Context, args map[string]interface{}) (string, error) {
		data, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode arguments: %w", err)
		}
		argv := reflect.New(argT)
		if err := json.Unmarshal(data, argv.Interface()); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		out := v.Call([]reflect.Value{reflect.ValueOf(ctx), argv.Elem()})
		return callResult(out)
	}
	return handler, schema, argNames, nil
}

func callResult(out []reflect.Value) (string, error) {
	s := out[0].String()
	if e := out[1].Interface(); e != nil {
		return s, e.(error)
	}
	return s, nil
}

// deriveSchema builds a JSON-Schema-like parameter object from a struct type.
// Fields are typed by best-effort inference and marked required unless they
// are pointers or carry an omitempty json tag.
func deriveSchema(t reflect.Type) (map[string]interface{}, map[string]bool) {
	properties := make(map[string]interface{})
	required := make([]string, 0, t.NumField())
	names := make(map[string]bool, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name, omitempty, skip := jsonFieldName(f)
		if skip {
			continue
		}
		names[name] = true
		properties[name] = map[string]interface{}{"type": schemaType(f.Type)}
		if f.Type.Kind() != reflect.Ptr && !omitempty {
			required = append(required, name)
		}
	}

	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}, names
}

func jsonFieldName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

func schemaType(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

// checkSchemaKeys verifies an explicit schema's property keys against the
// handler's accepted argument names.
func checkSchemaKeys(schema map[string]interface{}, argNames map[string]bool) error {
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	for key := range props {
		if !argNames[key] {
			return fmt.Errorf("schema property %q does not match any handler argument", key)
		}
	}
	return nil
}

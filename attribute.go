package dataflow

import (
	"fmt"
	"reflect"
	"sync"

	"pipelined.dev/dataflow/mutable"
)

// AttributeValue is an attribute of any type. It's used by hosts that
// edit attributes without knowing their types.
type AttributeValue interface {
	Name() string
	Value() any
	SetValue(any) error
	// Mutation validates value and returns mutation that sets it.
	Mutation(any) (mutable.Mutation, error)
}

// Attribute is a named node parameter. Changes of running node are
// delivered as mutations, so they are applied by the worker that
// executes the node.
type Attribute[T any] struct {
	name     string
	context  mutable.Context
	mu       sync.RWMutex
	value    T
	onChange []func(T)
}

// NewAttribute registers attribute in the node.
func NewAttribute[T any](n *BaseNode, name string, value T) (*Attribute[T], error) {
	if n.Attribute(name) != nil {
		return nil, fmt.Errorf("%w: %s of %s", ErrDuplicateAttribute, name, n.name)
	}
	a := Attribute[T]{
		name:    name,
		context: n.mutability,
		value:   value,
	}
	n.attributes = append(n.attributes, &a)
	return &a, nil
}

// Name returns attribute name.
func (a *Attribute[T]) Name() string {
	return a.name
}

// Get returns current value.
func (a *Attribute[T]) Get() T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

// Set returns mutation that changes the value. Push it to the graph.
func (a *Attribute[T]) Set(v T) mutable.Mutation {
	return a.context.Mutate(func() error {
		a.set(v)
		return nil
	})
}

// OnChange registers handler called after every change.
func (a *Attribute[T]) OnChange(fn func(T)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = append(a.onChange, fn)
}

// Value returns current value.
func (a *Attribute[T]) Value() any {
	return a.Get()
}

// SetValue converts and sets the value immediately. Numeric values are
// converted between numeric types.
func (a *Attribute[T]) SetValue(v any) error {
	converted, err := convert[T](v)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", a.name, err)
	}
	a.set(converted)
	return nil
}

// Mutation converts the value and returns mutation that sets it.
func (a *Attribute[T]) Mutation(v any) (mutable.Mutation, error) {
	converted, err := convert[T](v)
	if err != nil {
		return mutable.Mutation{}, fmt.Errorf("attribute %s: %w", a.name, err)
	}
	return a.Set(converted), nil
}

func (a *Attribute[T]) set(v T) {
	a.mu.Lock()
	a.value = v
	handlers := a.onChange
	a.mu.Unlock()
	for _, fn := range handlers {
		fn(v)
	}
}

func convert[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var zero T
	rv := reflect.ValueOf(v)
	target := reflect.TypeOf(zero)
	if !rv.IsValid() || target == nil {
		return zero, fmt.Errorf("can't use %T as %T", v, zero)
	}
	if numeric(rv.Kind()) && numeric(target.Kind()) {
		return rv.Convert(target).Interface().(T), nil
	}
	return zero, fmt.Errorf("can't use %T as %T", v, zero)
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

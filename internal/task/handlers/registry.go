// Package handlers maps a schedule's "task" name to the code that runs it.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrUnknownTask = errors.New("unknown task")

// Args is the schedule's "args" object.
type Args map[string]any

// Func runs one dispatched occurrence.
type Func func(ctx context.Context, args Args) error

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register adds or replaces a handler.
func (r *Registry) Register(name string, fn Func) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTask, name)
	}
	return fn, nil
}

// Names returns registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// String returns args[key] when it is a string.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

func (a Args) StringOr(key, def string) string {
	if v, ok := a.String(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// Strings accepts a list of strings (as decoded from JSON/YAML).
func (a Args) Strings(key string) ([]string, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("args.%s[%d]: expected string, got %T", key, i, item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("args.%s: expected a list of strings, got %T", key, raw)
}

// StringMap accepts an object of string values.
func (a Args) StringMap(key string) (map[string]string, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("args.%s.%s: expected string, got %T", key, k, item)
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("args.%s: expected an object, got %T", key, raw)
}

// Duration accepts a Go duration string.
func (a Args) Duration(key string) (time.Duration, error) {
	s, ok := a.String(key)
	if !ok || strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("args.%s: %w", key, err)
	}
	return d, nil
}

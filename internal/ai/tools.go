package ai

import (
	"context"
	"fmt"
	"sync"
)

// ToolFunc executes one tool call. arguments is the raw JSON string the model
// produced; implementations do their own decoding.
type ToolFunc func(ctx context.Context, arguments string) (string, error)

// FuncRunner is a name-keyed ToolRunner backed by plain functions.
type FuncRunner struct {
	mu    sync.RWMutex
	funcs map[string]ToolFunc
}

func NewFuncRunner() *FuncRunner {
	return &FuncRunner{funcs: make(map[string]ToolFunc)}
}

func (r *FuncRunner) Register(name string, f ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = f
}

func (r *FuncRunner) RunTool(ctx context.Context, name, arguments string) (string, error) {
	r.mu.RLock()
	f, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("ai: unknown tool %q", name)
	}
	return f(ctx, arguments)
}

package testhelpers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nexatrade/chain-rpc-router/internal/registry"
)

// Handler resolves one fake RPC call for a provider.
type Handler func(method string, params []any) (json.RawMessage, error)

// FakeCaller implements transport.Caller with per-provider handlers and
// an ordered call log.
type FakeCaller struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []string
}

func NewFakeCaller() *FakeCaller {
	return &FakeCaller{handlers: make(map[string]Handler)}
}

// Handle installs the handler for a provider id.
func (f *FakeCaller) Handle(providerID string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[providerID] = h
}

// Respond installs a handler that always returns the given result.
func (f *FakeCaller) Respond(providerID string, result string) {
	f.Handle(providerID, func(string, []any) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	})
}

// Fail installs a handler that always returns the given error.
func (f *FakeCaller) Fail(providerID string, err error) {
	f.Handle(providerID, func(string, []any) (json.RawMessage, error) {
		return nil, err
	})
}

func (f *FakeCaller) Call(_ context.Context, p registry.Provider, method string, params []any, _ time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p.ID)
	h := f.handlers[p.ID]
	f.mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("no handler for provider %s", p.ID)
	}
	return h(method, params)
}

// Calls returns the provider ids called so far, in order.
func (f *FakeCaller) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of calls made so far.
func (f *FakeCaller) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

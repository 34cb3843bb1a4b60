package model

import (
	"context"
	"fmt"
	"sync"
)

// MockModel is a lightweight in-memory Model useful for tests & examples. It
// replays a scripted queue of outcomes and records every request it sees.
type MockModel struct {
	info Info

	mu       sync.Mutex
	outcomes []*Outcome
	requests []Request
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info: Info{Name: name, Provider: "mock", SupportsTools: true},
	}
}

// Enqueue appends outcomes to the replay queue in order.
func (m *MockModel) Enqueue(outcomes ...*Outcome) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcomes...)
	return m
}

// Requests returns a copy of every request seen so far, in order.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Complete implements Model by popping the next scripted outcome.
func (m *MockModel) Complete(ctx context.Context, req Request) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.outcomes) == 0 {
		return nil, fmt.Errorf("mock model %q: no scripted outcome for request %d", m.info.Name, len(m.requests))
	}
	next := m.outcomes[0]
	m.outcomes = m.outcomes[1:]
	return next, nil
}

// Info returns metadata describing this mock implementation.
func (m *MockModel) Info() Info { return m.info }

package main

import (
	"context"
	"sync"

	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

// memorySession is the in-process hostiface.SessionHandle used in
// standalone mode. A host application embedding the runtime supplies
// its real conversation store instead; this one exists so session
// host-calls still behave (atomic writes, stable reads) without one.
type memorySession struct {
	mu    sync.Mutex
	state hostiface.SessionSnapshot
}

func newMemorySession() *memorySession {
	return &memorySession{state: hostiface.SessionSnapshot{
		Name:          "standalone",
		Model:         "none",
		ThinkingLevel: hostiface.ThinkingMedium,
		Labels:        map[string]string{},
	}}
}

var _ hostiface.SessionHandle = (*memorySession)(nil)

func (s *memorySession) GetState(context.Context) (hostiface.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state
	snap.Labels = make(map[string]string, len(s.state.Labels))
	for k, v := range s.state.Labels {
		snap.Labels[k] = v
	}
	snap.Messages = append([]hostiface.Message(nil), s.state.Messages...)
	return snap, nil
}

func (s *memorySession) GetMessages(context.Context) ([]hostiface.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hostiface.Message(nil), s.state.Messages...), nil
}

func (s *memorySession) GetName(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Name, nil
}

func (s *memorySession) SetName(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Name = name
	return nil
}

func (s *memorySession) GetModel(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Model, nil
}

func (s *memorySession) SetModel(_ context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Model = model
	return nil
}

func (s *memorySession) SetLabel(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Labels[key] = value
	return nil
}

func (s *memorySession) GetThinkingLevel(context.Context) (hostiface.ThinkingLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ThinkingLevel, nil
}

func (s *memorySession) SetThinkingLevel(_ context.Context, level hostiface.ThinkingLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ThinkingLevel = level
	return nil
}

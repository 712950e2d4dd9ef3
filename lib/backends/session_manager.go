// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"fmt"
	"sync"
)

// SessionManager hands out session factories across backends.
//
// Usage:
//
//	manager := backends.NewSessionManager()
//	defer manager.Close()
//
//	manager.SetPriority([]BackendSpec{
//	    {Backend: BackendONNX, Device: DeviceCUDA},
//	    {Backend: BackendGo, Device: DeviceAuto},
//	})
//
//	factory, backend, err := manager.GetSessionFactoryForModel(nil)
type SessionManager struct {
	priority []BackendSpec
	mu       sync.RWMutex
	closed   bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// SetPriority configures the backend priority order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = make([]BackendSpec, len(priority))
	copy(sm.priority, priority)
}

// getPriority returns the configured priority or the global default.
// Callers must hold sm.mu.
func (sm *SessionManager) getPriority() []BackendSpec {
	if len(sm.priority) > 0 {
		result := make([]BackendSpec, len(sm.priority))
		copy(result, sm.priority)
		return result
	}

	globalPriority := GetPriority()
	result := make([]BackendSpec, len(globalPriority))
	for i, bt := range globalPriority {
		result[i] = BackendSpec{Backend: bt, Device: DeviceAuto}
	}
	return result
}

// Priority returns the backend order used to pick a session factory.
func (sm *SessionManager) Priority() []BackendSpec {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.getPriority()
}

// GetSessionFactory returns a SessionFactory for the specified backend.
func (sm *SessionManager) GetSessionFactory(backend BackendType) (SessionFactory, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, fmt.Errorf("session manager is closed")
	}

	b, ok := GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", backend)
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", backend)
	}

	return b.SessionFactory(), nil
}

// GetSessionFactoryForModel returns a SessionFactory for loading a model,
// respecting backend restrictions. Tries backends in priority order.
// If modelBackends is empty, every backend is acceptable.
func (sm *SessionManager) GetSessionFactoryForModel(modelBackends []string) (SessionFactory, BackendType, error) {
	sm.mu.RLock()
	priority := sm.getPriority()
	sm.mu.RUnlock()

	modelBackendSet := make(map[BackendType]bool)
	for _, b := range modelBackends {
		modelBackendSet[BackendType(b)] = true
	}

	var lastErr error
	for _, spec := range priority {
		if len(modelBackends) > 0 && !modelBackendSet[spec.Backend] {
			continue
		}

		factory, err := sm.GetSessionFactory(spec.Backend)
		if err == nil {
			return factory, spec.Backend, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		if len(modelBackends) > 0 {
			return nil, "", fmt.Errorf("no session factory for backends %v: %w", modelBackends, lastErr)
		}
		return nil, "", fmt.Errorf("no session factory available: %w", lastErr)
	}
	if len(modelBackends) > 0 {
		return nil, "", fmt.Errorf("no session factory for backends %v", modelBackends)
	}
	return nil, "", fmt.Errorf("no session factory available")
}

// DeviceFor returns the configured device for a backend, or DeviceAuto.
func (sm *SessionManager) DeviceFor(backend BackendType) DeviceType {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, spec := range sm.priority {
		if spec.Backend == backend && spec.Device != "" {
			return spec.Device
		}
	}
	return DeviceAuto
}

// Close marks the manager closed. Sessions must be closed by their owners.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closed = true
	return nil
}

package system

import (
	"context"
	"fmt"
	"sync"

	core "github.com/synthmon/platform/internal/app/core/service"
)

// Manager owns the lifecycle of every registered Service: it starts them in
// registration order and stops them in reverse order, so a later service
// never outlives one of its dependencies.
type Manager struct {
	mu        sync.Mutex
	services  []Service
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager returns an empty, unstarted Manager.
func NewManager() *Manager {
	return &Manager{services: make([]Service, 0)}
}

// Register adds svc to the managed set. Registration after Start has been
// called is rejected, since the new service would never be started.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("system: cannot register a nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("system: cannot register %q after Start", svc.Name())
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service in registration order. If one fails,
// the services already started are stopped in reverse order before Start
// returns the error.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		services := make([]Service, len(m.services))
		copy(services, m.services)
		m.mu.Unlock()

		started := make([]Service, 0, len(services))
		for _, svc := range services {
			if startErr := svc.Start(ctx); startErr != nil {
				err = fmt.Errorf("system: start %q: %w", svc.Name(), startErr)
				for i := len(started) - 1; i >= 0; i-- {
					_ = started[i].Stop(ctx)
				}
				return
			}
			started = append(started, svc)
		}
	})
	return err
}

// Stop stops every registered service in reverse registration order,
// returning the first error encountered but still attempting every service.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		services := make([]Service, len(m.services))
		copy(services, m.services)
		m.mu.Unlock()

		for i := len(services) - 1; i >= 0; i-- {
			if stopErr := services[i].Stop(ctx); stopErr != nil && err == nil {
				err = fmt.Errorf("system: stop %q: %w", services[i].Name(), stopErr)
			}
		}
	})
	return err
}

// DescriptorProviders returns the registered services that also implement
// DescriptorProvider.
func (m *Manager) DescriptorProviders() []DescriptorProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DescriptorProvider, 0, len(m.services))
	for _, svc := range m.services {
		if dp, ok := svc.(DescriptorProvider); ok {
			out = append(out, dp)
		}
	}
	return out
}

// Descriptors collects descriptors from every registered DescriptorProvider.
func (m *Manager) Descriptors() []core.Descriptor {
	return CollectDescriptors(m.DescriptorProviders())
}

package system

import "context"

// NoopService is a placeholder Service used when a component is disabled by
// configuration but the application still wants a stable name in
// descriptors and startup logs.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string { return n.ServiceName }

func (NoopService) Start(context.Context) error { return nil }

func (NoopService) Stop(context.Context) error { return nil }

package service

import (
	"sync"

	"go.uber.org/zap"

	"clocktrust-service/internal/pipeline"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps Dependencies
	opts Options

	once              sync.Once
	clockEventService *ClockEventService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(p *pipeline.Pipeline, schedules ScheduleStore, opts Options, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		deps: Dependencies{Pipeline: p, Schedules: schedules, Logger: logger},
		opts: opts,
	}
}

// WithLimiter, WithPublisher, WithAudit and WithAnalytics attach optional
// collaborators. They must be called before the first ClockEventService call.
func (f *ServiceFactory) WithLimiter(l RateLimiter) *ServiceFactory {
	f.deps.Limiter = l
	return f
}

func (f *ServiceFactory) WithPublisher(p VerdictPublisher) *ServiceFactory {
	f.deps.Publisher = p
	return f
}

func (f *ServiceFactory) WithAudit(a AuditIndexer) *ServiceFactory {
	f.deps.Audit = a
	return f
}

func (f *ServiceFactory) WithAnalytics(a AnalyticsRecorder) *ServiceFactory {
	f.deps.Analytics = a
	return f
}

// ClockEventService returns the clock event service instance (singleton)
func (f *ServiceFactory) ClockEventService() *ClockEventService {
	f.once.Do(func() {
		f.clockEventService = NewClockEventService(f.deps, f.opts)
	})
	return f.clockEventService
}

package backend

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/agentfleet/host/internal/errors"
)

// Constructor builds a fresh backend instance.
type Constructor func() (Backend, error)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// Constructors registers one constructor per supported type.
	Constructors map[Type]Constructor

	// Preferred is the type Get builds when nothing is active yet.
	Preferred Type

	// Disabled, if set, is refused with backend.disabled.
	Disabled Type

	Logger *zap.Logger
}

// Factory owns the single active backend for the process.
//
// Concurrent Create calls for the same type while construction is running
// share one in-flight build (singleflight), so they all receive the same
// instance. Asking for a different type destroys the active backend before
// the new one is built. The factory is created by the DI root and passed
// down; Reset exists for test isolation and shutdown.
type Factory struct {
	constructors map[Type]Constructor
	preferred    Type
	disabled     Type
	logger       *zap.Logger

	// mu guards active. buildMu serializes builds of different types.
	mu      sync.Mutex
	buildMu sync.Mutex
	active  Backend

	group singleflight.Group
}

// NewFactory creates a Factory. Nothing is constructed until Create or Get.
func NewFactory(opts FactoryOptions) *Factory {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctors := make(map[Type]Constructor, len(opts.Constructors))
	for t, c := range opts.Constructors {
		ctors[ParseType(string(t))] = c
	}
	return &Factory{
		constructors: ctors,
		preferred:    ParseType(string(opts.Preferred)),
		disabled:     ParseType(string(opts.Disabled)),
		logger:       logger.With(zap.String("component", "backend-factory")),
	}
}

// Create returns the backend of type t, building it if needed.
func (f *Factory) Create(t Type) (Backend, error) {
	t = ParseType(string(t))
	if f.disabled != "" && t == f.disabled {
		return nil, apperrors.BackendDisabled(string(t))
	}
	ctor, ok := f.constructors[t]
	if !ok {
		return nil, apperrors.UnsupportedBackendType(string(t))
	}

	if b := f.activeOfType(t); b != nil {
		return b, nil
	}

	v, err, _ := f.group.Do(string(t), func() (any, error) {
		f.buildMu.Lock()
		defer f.buildMu.Unlock()

		// Another type's build may have finished while we waited.
		if b := f.activeOfType(t); b != nil {
			return b, nil
		}

		f.mu.Lock()
		old := f.active
		f.active = nil
		f.mu.Unlock()

		if old != nil {
			f.logger.Info("switching backend",
				zap.String("from", string(old.Type())),
				zap.String("to", string(t)))
			if err := old.Destroy(); err != nil {
				f.logger.Warn("destroy previous backend", zap.Error(err))
			}
		}

		b, err := ctor()
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.active = b
		f.mu.Unlock()

		f.logger.Info("backend ready", zap.String("type", string(t)))
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Backend), nil
}

// Get returns the active backend, building the preferred type if none
// exists yet.
func (f *Factory) Get() (Backend, error) {
	f.mu.Lock()
	b := f.active
	f.mu.Unlock()
	if b != nil {
		return b, nil
	}
	return f.Create(f.preferred)
}

// Active returns the active backend or nil. It never constructs.
func (f *Factory) Active() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Reset destroys the active backend and forgets it.
func (f *Factory) Reset() error {
	f.buildMu.Lock()
	defer f.buildMu.Unlock()

	f.mu.Lock()
	b := f.active
	f.active = nil
	f.mu.Unlock()

	if b == nil {
		return nil
	}
	return b.Destroy()
}

func (f *Factory) activeOfType(t Type) Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil && f.active.Type() == t {
		return f.active
	}
	return nil
}

// Package shutdown provides graceful shutdown coordination for blockd.
//
// The coordinator runs an ordered teardown sequence:
//
//  1. Draining - Stop accepting requests and wait for in-flight block
//     operations to complete
//  2. HTTP - Shutdown the metrics/health listener
//  3. Device - Close the block device and its worker pool
//
// Hooks registered for a phase run in registration order within that
// phase's timeout. A hook error is recorded and logged but does not
// stop the sequence; later phases still run so resources are released.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone     Phase = "none"
	PhaseDraining Phase = "draining"
	PhaseHTTP     Phase = "http"
	PhaseDevice   Phase = "device"
	PhaseComplete Phase = "complete"
	PhaseForced   Phase = "forced"
)

var phaseOrder = []Phase{PhaseDraining, PhaseHTTP, PhaseDevice}

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout bounds the entire shutdown sequence.
	TotalTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight operations.
	DrainTimeout time.Duration

	// HTTPTimeout bounds the HTTP listener shutdown.
	HTTPTimeout time.Duration

	// DeviceTimeout bounds the device close.
	DeviceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:  30 * time.Second,
		DrainTimeout:  15 * time.Second,
		HTTPTimeout:   5 * time.Second,
		DeviceTimeout: 5 * time.Second,
	}
}

// Hook is a function called during its registered phase.
type Hook func(ctx context.Context) error

// Coordinator manages graceful shutdown of the daemon's components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]Hook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = def.TotalTimeout
	}

	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}

	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = def.DeviceTimeout
	}

	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]Hook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

// Shutdown runs the phased teardown. It is safe to call more than once;
// later calls return immediately.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	setShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	for _, phase := range phaseOrder {
		c.setPhase(phase)
		c.runHooks(shutdownCtx, phase)
	}

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	setShutdownDuration(duration)

	errs := c.Errors()
	if len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")

		return errs[0]
	}

	log.Info().
		Dur("duration", duration).
		Msg("Shutdown completed successfully")

	return nil
}

// watchForceTimeout flags the sequence as forced when the overall
// timeout expires before completion.
func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	<-ctx.Done()

	select {
	case <-c.doneCh:
	default:
		log.Error().Msg("Shutdown timed out, forcing exit of remaining phases")
		c.setPhase(PhaseForced)
	}
}

func (c *Coordinator) phaseTimeout(phase Phase) time.Duration {
	switch phase {
	case PhaseDraining:
		return c.config.DrainTimeout
	case PhaseHTTP:
		return c.config.HTTPTimeout
	case PhaseDevice:
		return c.config.DeviceTimeout
	default:
		return c.config.TotalTimeout
	}
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	started := c.started
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(started)).
		Msg("Shutdown phase transition")

	setShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	incrementShutdownErrors()
}

// runHooks executes all hooks registered for the given phase, each
// bounded by the phase timeout.
func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		pctx, cancel := context.WithTimeout(ctx, c.phaseTimeout(phase))

		if err := hook(pctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}

		cancel()
	}
}

package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"tabletop/session/internal/telemetry"
)

const (
	// DefaultTickRate is the fixed simulation rate in Hz.
	DefaultTickRate = 60

	// CommandRejectQueueFull indicates the command buffer is saturated.
	CommandRejectQueueFull = "queue_full"

	ticksMetricKey        = "sim_ticks_total"
	clampedTicksMetricKey = "sim_clamped_ticks_total"
	overBudgetMetricKey   = "sim_over_budget_ticks_total"
)

// LoopConfig tunes the tick loop and the command buffer its stepper drains.
type LoopConfig struct {
	TickRate        int `toml:"tick_rate" env:"TICK_RATE"`
	CatchupMaxTicks int `toml:"catchup_max_ticks" env:"CATCHUP_MAX_TICKS"`
	CommandCapacity int `toml:"command_capacity" env:"COMMAND_CAPACITY"`
	WarningStep     int `toml:"warning_step" env:"COMMAND_WARNING_STEP"`
}

// DefaultLoopConfig runs at 60 Hz with room for bursts of UI commands.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		TickRate:        DefaultTickRate,
		CatchupMaxTicks: 4,
		CommandCapacity: 256,
		WarningStep:     64,
	}
}

// TickContext is what a stepper sees each tick.
type TickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// Stepper advances the session by one tick.
type Stepper interface {
	Step(TickContext)
}

// StepperFunc adapts a function into a Stepper.
type StepperFunc func(TickContext)

func (f StepperFunc) Step(ctx TickContext) {
	f(ctx)
}

// StepResult reports how a tick went.
type StepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        float64
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
	MaxDelta     float64
}

// LoopHooks observe the loop without participating in it.
type LoopHooks struct {
	AfterStep func(StepResult)
}

// Loop runs a stepper at a fixed rate. Commands are staged by the stepper's
// owner in a CommandBuffer and drained inside Step.
type Loop struct {
	stepper Stepper
	hooks   LoopHooks
	config  LoopConfig
	clock   clock.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics

	stepMu sync.Mutex
	tick   atomic.Uint64
	last   time.Time
}

// NewLoop wraps the stepper in a fixed-rate ticker.
func NewLoop(stepper Stepper, cfg LoopConfig, deps Deps, hooks LoopHooks) *Loop {
	if stepper == nil {
		return nil
	}
	defaults := DefaultLoopConfig()
	if cfg.TickRate <= 0 {
		cfg.TickRate = defaults.TickRate
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.Nop()
	}
	return &Loop{
		stepper: stepper,
		hooks:   hooks,
		config:  cfg,
		clock:   deps.Clock,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
}

// Tick returns the last completed tick.
func (l *Loop) Tick() uint64 {
	if l == nil {
		return 0
	}
	return l.tick.Load()
}

// TickRate reports the configured rate in Hz.
func (l *Loop) TickRate() int {
	if l == nil {
		return 0
	}
	return l.config.TickRate
}

func (l *Loop) budget() time.Duration {
	return time.Second / time.Duration(l.config.TickRate)
}

// Advance runs exactly one tick at the clock's current time. Run calls it
// on every ticker fire; tests call it directly.
func (l *Loop) Advance() StepResult {
	if l == nil {
		return StepResult{}
	}
	l.stepMu.Lock()
	defer l.stepMu.Unlock()

	budget := l.budget()
	budgetSeconds := budget.Seconds()
	maxDt := budgetSeconds
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budgetSeconds * float64(l.config.CatchupMaxTicks)
	}

	now := l.clock.Now()
	dt := budgetSeconds
	clamped := false
	if !l.last.IsZero() {
		dt = now.Sub(l.last).Seconds()
		if dt <= 0 {
			dt = budgetSeconds
		} else if dt > maxDt {
			dt = maxDt
			clamped = true
		}
	}
	l.last = now

	tick := l.tick.Load() + 1
	start := l.clock.Now()
	l.stepper.Step(TickContext{Tick: tick, Now: now, Delta: dt})
	l.tick.Store(tick)

	result := StepResult{
		Tick:         tick,
		Now:          now,
		Delta:        dt,
		Duration:     l.clock.Now().Sub(start),
		Budget:       budget,
		ClampedDelta: clamped,
		MaxDelta:     maxDt,
	}
	l.metrics.Add(ticksMetricKey, 1)
	if clamped {
		l.metrics.Add(clampedTicksMetricKey, 1)
	}
	if result.Duration > budget {
		l.metrics.Add(overBudgetMetricKey, 1)
		if l.logger != nil {
			l.logger.Printf("[tick] %d took %s, budget %s", tick, result.Duration, budget)
		}
	}
	if l.hooks.AfterStep != nil {
		l.hooks.AfterStep(result)
	}
	return result
}

// Run drives the fixed-timestep loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	ticker := l.clock.Ticker(l.budget())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Advance()
		}
	}
}

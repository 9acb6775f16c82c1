package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/memory"
	"github.com/agentd/internal/store"
)

// RunnerFactory builds the runner and memory for one thread. The factory
// owns tool activation and hook wiring; the executor only runs and
// finalizes.
type RunnerFactory interface {
	ForThread(ctx context.Context, threadID string) (*Runner, *memory.Memory, error)
}

// ExecutorConfig holds the executor's timing knobs.
type ExecutorConfig struct {
	// StopCheckInterval is how often the cross-process stop signal is
	// polled.
	StopCheckInterval time.Duration
	// StopCheckerWait bounds how long finalization waits for the stop
	// checker goroutine to exit.
	StopCheckerWait time.Duration
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		StopCheckInterval: 2 * time.Second,
		StopCheckerWait:   500 * time.Millisecond,
	}
}

// Executor starts, supervises, and finalizes agent runs. Cancellation has
// two paths that converge: an in-process cancel for local stops, and a
// persisted stop signal any process can set.
type Executor struct {
	st      store.Store
	factory RunnerFactory
	emitter *StreamEmitter
	config  ExecutorConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewExecutor(st store.Store, factory RunnerFactory, config ExecutorConfig) *Executor {
	if config.StopCheckInterval <= 0 {
		config.StopCheckInterval = 2 * time.Second
	}
	if config.StopCheckerWait <= 0 {
		config.StopCheckerWait = 500 * time.Millisecond
	}
	return &Executor{
		st:      st,
		factory: factory,
		emitter: NewStreamEmitter(st.Events()),
		config:  config,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Emitter returns the stream emitter bound to this executor's store.
func (e *Executor) Emitter() *StreamEmitter { return e.emitter }

// StartRun records a new run and executes it in the background. The
// returned run id can be used to poll the stream or stop the run.
func (e *Executor) StartRun(ctx context.Context, threadID, accountID string) (string, error) {
	runID := uuid.NewString()
	run := &store.AgentRun{
		ID:        runID,
		ThreadID:  threadID,
		Status:    store.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := e.st.Runs().Create(ctx, run); err != nil {
		return "", fmt.Errorf("create run record: %w", err)
	}

	e.emitter.emitStatus(ctx, runID, StatusProcessing, "", "")

	// The run outlives the request that started it.
	go e.execute(context.Background(), runID, threadID, accountID)

	return runID, nil
}

// StopRun requests cancellation of a run. The persisted stop signal covers
// runs owned by other processes; the local cancel covers our own.
func (e *Executor) StopRun(ctx context.Context, runID string) error {
	if err := e.st.StopSignals().Set(ctx, runID); err != nil {
		return fmt.Errorf("set stop signal: %w", err)
	}

	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, runID, threadID, accountID string) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()

	checkerDone := make(chan struct{})
	go e.watchStopSignal(runCtx, runID, cancel, checkerDone)

	status := store.RunStatusFailed
	var runErr error

	runner, mem, err := e.factory.ForThread(runCtx, threadID)
	if err != nil {
		runErr = fmt.Errorf("prepare run: %w", err)
	} else {
		status, runErr = runner.Run(runCtx, runID, accountID, mem)
	}

	e.finalize(runID, status, runErr, cancel, checkerDone)
}

// watchStopSignal polls the persisted stop signal and converges it onto the
// in-process cancel.
func (e *Executor) watchStopSignal(ctx context.Context, runID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.config.StopCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			set, err := e.st.StopSignals().IsSet(ctx, runID)
			if err != nil {
				log.Warn().Str("run_id", runID).Err(err).Msg("Stop signal check failed")
				continue
			}
			if set {
				log.Info().Str("run_id", runID).Msg("Stop signal received")
				cancel()
				return
			}
		}
	}
}

// finalize always runs, whatever the loop did: record the outcome, emit the
// final stream event, reap the stop checker, and clear the stop signal.
func (e *Executor) finalize(runID, status string, runErr error, cancel context.CancelFunc, checkerDone <-chan struct{}) {
	cancel()
	select {
	case <-checkerDone:
	case <-time.After(e.config.StopCheckerWait):
		log.Warn().Str("run_id", runID).Msg("Stop checker did not exit in time")
	}

	e.mu.Lock()
	delete(e.cancels, runID)
	e.mu.Unlock()

	// Finalization gets its own context; the run's is already cancelled.
	ctx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinal()

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := e.st.Runs().SetStatus(ctx, runID, status, errMsg); err != nil {
		log.Error().Str("run_id", runID).Err(err).Msg("Failed to record run status")
	}

	switch status {
	case store.RunStatusFailed:
		e.emitter.emitStatus(ctx, runID, StatusError, status, errMsg)
	default:
		e.emitter.emitStatus(ctx, runID, StatusFinish, status, "")
	}

	if err := e.st.StopSignals().Clear(ctx, runID); err != nil {
		log.Warn().Str("run_id", runID).Err(err).Msg("Failed to clear stop signal")
	}

	log.Info().
		Str("run_id", runID).
		Str("status", status).
		Msg("Run finalized")
}

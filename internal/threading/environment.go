package threading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/roach88/cloudbridge/internal/store"
)

var (
	// ErrClosed is returned when work is posted after Close.
	ErrClosed = errors.New("threading: environment closed")
	// ErrNotTransferable is returned by Move for values that cannot cross
	// execution contexts.
	ErrNotTransferable = errors.New("threading: value is not transferable")
)

// ContextID names an execution context.
type ContextID int

const (
	// Main is the foreground context where observers and completions run.
	Main ContextID = iota + 1
	// Background is where store merges and other heavy work run.
	Background
)

func (c ContextID) String() string {
	switch c {
	case Main:
		return "main"
	case Background:
		return "background"
	}
	return fmt.Sprintf("ContextID(%d)", int(c))
}

type contextKey struct{}

// WithContextID returns ctx tagged as running on id.
func WithContextID(ctx context.Context, id ContextID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the execution context ctx is running on. Contexts
// passed to posted tasks always carry one.
func FromContext(ctx context.Context) (ContextID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(contextKey{}).(ContextID)
	return id, ok
}

// Detach returns ctx with its execution context cleared, keeping its
// deadline and values. Goroutines outside both executors use it so Run
// never mistakes them for the context they were spawned from.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, nil)
}

// Resolver re-fetches committed objects by id. store.Store satisfies it.
type Resolver interface {
	Get(ctx context.Context, id store.ObjectID) (*store.Object, error)
}

// Option configures an Environment.
type Option func(*Environment)

// WithLogger sets the logger used for task panics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Environment) { e.logger = l }
}

// Environment runs the Main and Background executors.
type Environment struct {
	resolver Resolver
	logger   *slog.Logger

	executors map[ContextID]*executor
	closeOnce sync.Once
}

// New starts both executors. resolver is used by Move to re-fetch store
// objects on the destination context.
func New(resolver Resolver, opts ...Option) *Environment {
	e := &Environment{
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.executors = map[ContextID]*executor{
		Main:       newExecutor(Main, e.logger),
		Background: newExecutor(Background, e.logger),
	}
	for _, ex := range e.executors {
		go ex.run()
	}
	return e
}

// Post schedules fn on context id. Tasks on one context run one at a
// time in posting order.
func (e *Environment) Post(id ContextID, fn func(ctx context.Context)) error {
	ex, ok := e.executors[id]
	if !ok {
		return fmt.Errorf("threading: unknown context %s", id)
	}
	if !ex.queue.Enqueue(fn) {
		return ErrClosed
	}
	return nil
}

// Run executes fn on context id and waits for it. When ctx already runs
// on id, fn is called inline, since waiting on the own queue would
// deadlock. If ctx is canceled while waiting, Run returns ctx.Err() and fn
// may still run later.
func (e *Environment) Run(ctx context.Context, id ContextID, fn func(ctx context.Context) error) error {
	if cur, ok := FromContext(ctx); ok && cur == id {
		return fn(ctx)
	}
	done := make(chan error, 1)
	if err := e.Post(id, func(taskCtx context.Context) {
		done <- fn(taskCtx)
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Move transfers value to context to and calls completion there with the
// transferred value. Store objects are re-fetched on the destination
// context. A transfer failure is delivered to completion as err.
func (e *Environment) Move(value any, to ContextID, completion func(ctx context.Context, value any, err error)) error {
	return e.Post(to, func(ctx context.Context) {
		moved, err := e.transfer(ctx, value)
		completion(ctx, moved, err)
	})
}

// Close stops accepting work, runs everything already queued and waits for
// both executors to exit. Tasks that post follow-up work during the drain
// get ErrClosed.
func (e *Environment) Close() {
	e.closeOnce.Do(func() {
		for _, ex := range e.executors {
			ex.queue.Close()
		}
		for _, ex := range e.executors {
			<-ex.done
		}
	})
}

// executor drains one queue on one goroutine.
type executor struct {
	id     ContextID
	queue  *taskQueue
	done   chan struct{}
	logger *slog.Logger
}

func newExecutor(id ContextID, logger *slog.Logger) *executor {
	return &executor{
		id:     id,
		queue:  newTaskQueue(),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (ex *executor) run() {
	defer close(ex.done)
	ctx := WithContextID(context.Background(), ex.id)
	for {
		if t, ok := ex.queue.TryDequeue(); ok {
			ex.exec(ctx, t)
			continue
		}
		if ex.queue.Drained() {
			return
		}
		<-ex.queue.Wait()
	}
}

func (ex *executor) exec(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("task panicked",
				"context", ex.id.String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	t(ctx)
}

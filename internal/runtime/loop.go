package runtime

import (
	"context"
	"errors"
	"log/slog"
	goruntime "runtime"
	"sync"
	"sync/atomic"

	"github.com/aretw0/patchbay/internal/logging"
)

// ErrLoopRunning is returned by Run when the loop is already running.
var ErrLoopRunning = errors.New("loop already running")

// Loop is a single goroutine executing submitted functions in order. The
// control context and every data context is a Loop.
//
// While the loop is not running, Invoke executes inline on the caller. Inline
// calls from different goroutines are serialized; nested calls from the same
// goroutine run directly. Calls made from the loop goroutine itself also
// execute inline, so a function running on the loop can invoke onto it without
// deadlocking.
type Loop struct {
	name   string
	lock   bool
	logger *slog.Logger

	tasks   chan func()
	running atomic.Bool
	gid     atomic.Uint64
	ready   chan struct{}
	once    sync.Once

	inline      sync.Mutex
	inlineOwner atomic.Uint64
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLockedThread pins the loop goroutine to its OS thread.
func WithLockedThread() LoopOption {
	return func(l *Loop) {
		l.lock = true
	}
}

// WithLoopLogger configures a logger for the Loop.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithQueueSize sets how many functions may wait before Invoke blocks.
func WithQueueSize(n int) LoopOption {
	return func(l *Loop) {
		l.tasks = make(chan func(), n)
	}
}

// NewLoop creates a stopped loop.
func NewLoop(name string, opts ...LoopOption) *Loop {
	l := &Loop{
		name:   name,
		logger: logging.NewNop(),
		tasks:  make(chan func(), 256),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Ready is closed once the loop first started running.
func (l *Loop) Ready() <-chan struct{} { return l.ready }

// Running reports whether Run is executing.
func (l *Loop) Running() bool { return l.running.Load() }

// Run executes submitted functions until ctx is canceled. Functions still
// queued at that point are executed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.inline.Lock()
	started := l.running.CompareAndSwap(false, true)
	l.inline.Unlock()
	if !started {
		return ErrLoopRunning
	}
	if l.lock {
		goruntime.LockOSThread()
		defer goruntime.UnlockOSThread()
	}
	l.gid.Store(goroutineID())
	l.once.Do(func() { close(l.ready) })
	l.logger.Debug("loop started", "loop", l.name)

	defer func() {
		l.drain()
		l.gid.Store(0)
		l.running.Store(false)
		l.logger.Debug("loop stopped", "loop", l.name)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}

// Invoke executes fn on the loop. With wait the call returns after fn ran.
func (l *Loop) Invoke(fn func(), wait bool) {
	if !l.running.Load() {
		l.runInline(fn)
		return
	}
	if l.onLoop() {
		fn()
		return
	}
	if !wait {
		l.tasks <- fn
		return
	}
	done := make(chan struct{})
	l.tasks <- func() {
		defer close(done)
		fn()
	}
	<-done
}

func (l *Loop) runInline(fn func()) {
	id := goroutineID()
	if l.inlineOwner.Load() == id {
		fn()
		return
	}
	l.inline.Lock()
	l.inlineOwner.Store(id)
	defer func() {
		l.inlineOwner.Store(0)
		l.inline.Unlock()
	}()
	fn()
}

func (l *Loop) onLoop() bool {
	id := l.gid.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the id of the calling goroutine out of its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := goruntime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

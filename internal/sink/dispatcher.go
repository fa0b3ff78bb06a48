package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/reasoning"
)

// Dispatcher delivers one reasoning stream to a set of sinks.
type Dispatcher struct {
	// WriteTimeout bounds each Write and Flush call.
	WriteTimeout time.Duration
	now          func() time.Time
}

// NewDispatcher returns a Dispatcher with the given per-write timeout
// (10s when zero).
func NewDispatcher(writeTimeout time.Duration) *Dispatcher {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Dispatcher{WriteTimeout: writeTimeout, now: time.Now}
}

// Deliver pulls every event of s and writes it to every sink, then writes
// the terminal frame and flushes each sink once. Each sink has its own
// ordered queue, so a slow sink never delays the others. Critical events
// are awaited on CriticalAwait sinks before the next event is pulled; if
// such a write fails the run is cancelled and ends with SINK_FAILURE.
//
// Sink writes run detached from ctx cancellation so an audit record is not
// lost when a live client disconnects. The returned error reports
// CriticalAwait sinks that failed to record the terminal frame or flush.
func (d *Dispatcher) Deliver(ctx context.Context, s *reasoning.Stream, sinks ...Sink) (model.Terminal, error) {
	log := zap.L().With(zap.String("component", "sink"), zap.String("request_id", s.RequestID))
	wctx := context.WithoutCancel(ctx)

	workers := make([]*worker, len(sinks))
	for i, sk := range sinks {
		workers[i] = newWorker(sk, d.WriteTimeout, log.With(zap.String("sink", sk.Name())))
		go workers[i].run(wctx)
	}

	var failure *model.ErrorPayload
	for ev := range s.Events() {
		if failure != nil {
			continue
		}
		if err := dispatch(workers, EventFrame(ev)); err != nil {
			log.Error("sink: critical write failed, cancelling run", zap.Error(err), zap.Int("seq", ev.Seq))
			failure = model.NewErrorPayload(model.ErrSinkFailure, err.Error())
			s.Cancel()
		}
	}

	term := s.Result()
	if failure != nil {
		term = failure
	}

	var errs []error
	if err := dispatch(workers, TerminalFrame(s.RequestID, term, d.now().UTC())); err != nil {
		errs = append(errs, err)
	}
	for _, w := range workers {
		w.close()
	}
	for _, w := range workers {
		if err := <-w.done; err != nil {
			if w.sink.Mode() == CriticalAwait {
				errs = append(errs, err)
			} else {
				w.log.Warn("sink: flush failed", zap.Error(err))
			}
		}
	}
	return term, errors.Join(errs...)
}

// dispatch enqueues f on every worker and waits for the acks of
// CriticalAwait sinks when f is critical.
func dispatch(workers []*worker, f Frame) error {
	var acks []*worker
	var waits []chan error
	for _, w := range workers {
		if f.Critical() && w.sink.Mode() == CriticalAwait {
			ack := make(chan error, 1)
			w.push(job{frame: f, ack: ack})
			acks = append(acks, w)
			waits = append(waits, ack)
			continue
		}
		w.push(job{frame: f})
	}

	var first error
	for i, ack := range waits {
		if err := <-ack; err != nil && first == nil {
			first = eris.Wrapf(err, "sink %s failed to record %s frame", acks[i].sink.Name(), f.Kind)
		}
	}
	return first
}

type job struct {
	frame Frame
	ack   chan error
}

// worker owns one sink. Its queue is unbounded so pushing never blocks.
type worker struct {
	sink    Sink
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	pending []job
	closed  bool
	wake    chan struct{}
	done    chan error
}

func newWorker(sk Sink, timeout time.Duration, log *zap.Logger) *worker {
	return &worker{
		sink:    sk,
		timeout: timeout,
		log:     log,
		wake:    make(chan struct{}, 1),
		done:    make(chan error, 1),
	}
}

func (w *worker) push(j job) {
	w.mu.Lock()
	w.pending = append(w.pending, j)
	w.mu.Unlock()
	w.signal()
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) next() (job, bool) {
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			j := w.pending[0]
			w.pending[0] = job{}
			w.pending = w.pending[1:]
			w.mu.Unlock()
			return j, true
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return job{}, false
		}
		<-w.wake
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		j, ok := w.next()
		if !ok {
			break
		}
		err := w.guard(ctx, func(ctx context.Context) error { return w.sink.Write(ctx, j.frame) })
		switch {
		case j.ack != nil:
			j.ack <- err
		case err != nil:
			w.log.Warn("sink: write failed", zap.String("kind", string(j.frame.Kind)), zap.Error(err))
		}
	}
	w.done <- w.guard(ctx, w.sink.Flush)
}

// guard bounds fn by the write timeout and turns a panic into an error.
func (w *worker) guard(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("sink %s panicked: %v", w.sink.Name(), v)
		}
	}()
	return fn(ctx)
}

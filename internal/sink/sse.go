package sink

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// SSESink streams frames to a live client as Server-Sent Events and sends
// heartbeat frames while the run is quiet.
type SSESink struct {
	requestID string
	now       func() time.Time

	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSSESink writes to w, flushing after every frame when w is an
// http.Flusher. A positive heartbeat starts a ticker that runs until Flush.
func NewSSESink(w io.Writer, requestID string, heartbeat time.Duration) *SSESink {
	s := &SSESink{
		requestID: requestID,
		now:       time.Now,
		w:         w,
		stop:      make(chan struct{}),
	}
	s.flusher, _ = w.(http.Flusher)
	if heartbeat > 0 {
		s.wg.Add(1)
		go s.heartbeat(heartbeat)
	}
	return s
}

func (s *SSESink) Name() string { return "sse" }

func (s *SSESink) Mode() Mode { return NonBlocking }

func (s *SSESink) Write(_ context.Context, f Frame) error {
	return s.write(f)
}

// Flush stops the heartbeat and flushes the writer.
func (s *SSESink) Flush(context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *SSESink) write(f Frame) error {
	data, err := FormatFrame(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return eris.Wrap(err, "sink: write sse frame")
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *SSESink) heartbeat(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// A failed heartbeat means the client is gone; the next frame
			// write reports it.
			_ = s.write(Frame{Kind: FrameHeartbeat, RequestID: s.requestID, At: s.now()})
		}
	}
}

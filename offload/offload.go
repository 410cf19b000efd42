package offload

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/timearcs/timearcs/flowkey"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/visibility"
)

var (
	ErrNotReady  = errors.New("offload worker not ready")
	ErrClosed    = errors.New("offload worker closed")
	ErrMaskShape = errors.New("visibility mask does not match aggregate count")
)

// Request asks for the flow filter verdict of every aggregate. Samples
// holds the sampled member indices of each aggregate, in order.
type Request struct {
	Seq      uint64
	Version  uint64 // data version the aggregates belong to
	Tag      int    // opaque to the worker, returned in the response
	Selected map[string]struct{}
	Samples  [][]int
}

// Response carries one verdict per aggregate of the request.
type Response struct {
	Seq     uint64
	Version uint64
	Tag     int
	Mask    []bool
}

// CheckShape returns ErrMaskShape when the mask does not have want entries.
func (r Response) CheckShape(want int) error {
	if len(r.Mask) != want {
		return fmt.Errorf("%w: got %d entries, want %d", ErrMaskShape, len(r.Mask), want)
	}
	return nil
}

// Dispatcher is the background side of flow visibility evaluation.
type Dispatcher interface {
	// Init hands over a new immutable event set. Readiness is lost until
	// the worker has indexed it.
	Init(events []ingestor.Event)
	Ready() bool
	// Submit replaces any pending request. It does not block.
	Submit(req Request) error
	Results() <-chan Response
	Close() error
}

// Worker computes flow masks on one background goroutine. It holds at most
// one pending request; a newer request replaces an older one that has not
// started yet.
type Worker struct {
	mu         sync.Mutex
	keys       []string
	ready      bool
	generation uint64
	pending    *Request
	closed     bool

	wake    chan struct{}
	results chan Response
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWorker starts the worker goroutine.
func NewWorker() *Worker {
	w := &Worker{
		wake:    make(chan struct{}, 1),
		results: make(chan Response, 16),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Init indexes the connection key of every event in the background and
// marks the worker ready when done. A newer Init supersedes an older one
// still in progress.
func (w *Worker) Init(events []ingestor.Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.generation++
	gen := w.generation
	w.ready = false
	w.keys = nil
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		keys := make([]string, len(events))
		for i := range events {
			e := &events[i]
			keys[i] = flowkey.ConnectionKey(e.Src, e.SrcPort, e.Dst, e.DstPort)
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || gen != w.generation {
			return
		}
		w.keys = keys
		w.ready = true
		log.Printf("offload: worker ready, %d events indexed", len(keys))
		if w.pending != nil {
			w.signal()
		}
	}()
}

func (w *Worker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Keys returns the indexed connection keys once the worker is ready.
func (w *Worker) Keys() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if !w.ready {
		return nil, ErrNotReady
	}
	return w.keys, nil
}

func (w *Worker) Submit(req Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.pending = &req
	if w.ready {
		w.signal()
	}
	return nil
}

func (w *Worker) Results() <-chan Response {
	return w.results
}

// Close stops the worker. Pending requests are dropped.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	w.pending = nil
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

// signal wakes the loop; callers hold mu
func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		w.mu.Lock()
		if !w.ready || w.pending == nil {
			w.mu.Unlock()
			continue
		}
		req := *w.pending
		w.pending = nil
		keys := w.keys
		w.mu.Unlock()

		resp := Response{
			Seq:     req.Seq,
			Version: req.Version,
			Tag:     req.Tag,
			Mask:    ComputeMask(keys, req),
		}
		select {
		case w.results <- resp:
		case <-w.done:
			return
		}
	}
}

// ComputeMask evaluates the flow filter for every sample of req.
func ComputeMask(keys []string, req Request) []bool {
	mask := make([]bool, len(req.Samples))
	if len(req.Selected) == 0 {
		for i := range mask {
			mask[i] = true
		}
		return mask
	}
	key := func(i int) string {
		if i < 0 || i >= len(keys) {
			return ""
		}
		return keys[i]
	}
	for i, sample := range req.Samples {
		mask[i] = visibility.AnySelected(sample, req.Selected, key)
	}
	return mask
}

// Sequencer hands out increasing sequence numbers and rejects responses
// older than the newest one already accepted.
type Sequencer struct {
	mu      sync.Mutex
	next    uint64
	highest uint64
}

// Next returns a sequence number greater than all previous ones.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// Accept records seq as observed unless a newer one was already seen.
func (s *Sequencer) Accept(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.highest {
		return false
	}
	s.highest = seq
	return true
}

// Highest returns the newest accepted sequence number.
func (s *Sequencer) Highest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest
}

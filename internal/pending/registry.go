package pending

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const DefaultTimeout = 30 * time.Second

const (
	MessageProcessed = "Received and processed by frontend"
	MessageFailed    = "Frontend failed to process request"
	MessageTimeout   = "Timeout waiting for frontend response"
)

// ErrClosed is returned by Register after DrainAll and before Reopen.
var ErrClosed = errors.New("pending registry is closed")

// Reply is the terminal response handed to a waiting caller.
type Reply struct {
	Status  int
	Message string
}

// Sink receives exactly one Reply per registered request.
type Sink interface {
	Deliver(Reply)
}

// ChanSink delivers into a channel. The channel must have room for one value.
type ChanSink chan Reply

func (c ChanSink) Deliver(reply Reply) {
	select {
	case c <- reply:
	default:
	}
}

// Info describes an outstanding request.
type Info struct {
	ID        string
	CreatedAt time.Time
}

type entry struct {
	createdAt time.Time
	sink      Sink
	timer     *clock.Timer
}

type Registry struct {
	clock   clock.Clock
	timeout time.Duration
	newID   func() string

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		clock:   clock.New(),
		timeout: DefaultTimeout,
		newID:   func() string { return uuid.NewString() },
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores sink under a fresh id and arms its expiry timer.
func (r *Registry) Register(sink Sink) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}
	id := r.newID()
	for {
		if _, taken := r.entries[id]; !taken {
			break
		}
		id = r.newID()
	}
	e := &entry{createdAt: r.clock.Now(), sink: sink}
	e.timer = r.clock.AfterFunc(r.timeout, func() { r.Expire(id) })
	r.entries[id] = e
	return id, nil
}

// Resolve answers the caller registered under id. It returns false when id is
// unknown, which covers duplicate and late callbacks.
func (r *Registry) Resolve(id string, success bool) bool {
	e := r.take(id)
	if e == nil {
		return false
	}
	if success {
		e.sink.Deliver(Reply{Status: http.StatusOK, Message: MessageProcessed})
	} else {
		e.sink.Deliver(Reply{Status: http.StatusInternalServerError, Message: MessageFailed})
	}
	return true
}

// Expire answers the caller with a gateway timeout if it is still waiting.
func (r *Registry) Expire(id string) bool {
	e := r.take(id)
	if e == nil {
		return false
	}
	e.sink.Deliver(Reply{Status: http.StatusGatewayTimeout, Message: MessageTimeout})
	return true
}

// Cancel drops id without answering its caller.
func (r *Registry) Cancel(id string) bool {
	return r.take(id) != nil
}

// DrainAll answers every outstanding caller with status and message and seals
// the registry until Reopen. It returns the number of callers answered.
func (r *Registry) DrainAll(status int, message string) int {
	r.mu.Lock()
	drained := r.entries
	r.entries = map[string]*entry{}
	r.closed = true
	r.mu.Unlock()

	for _, e := range drained {
		e.timer.Stop()
		e.sink.Deliver(Reply{Status: status, Message: message})
	}
	return len(drained)
}

// Reopen allows Register again after DrainAll.
func (r *Registry) Reopen() {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Pending lists outstanding requests, oldest first.
func (r *Registry) Pending() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Info{ID: id, CreatedAt: e.createdAt})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) take(id string) *entry {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.timer.Stop()
	return e
}

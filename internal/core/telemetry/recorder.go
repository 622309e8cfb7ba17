package telemetry

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/metrics"
)

// Level controls how events are logged.
type Level string

const (
	// LevelInfo logs throttles, backoffs, adaptations and error statuses at
	// INFO and everything else at DEBUG.
	LevelInfo Level = "info"
	// LevelDebug logs every event at DEBUG.
	LevelDebug Level = "debug"
)

// DefaultEventBuffer is the number of recent events kept in memory.
const DefaultEventBuffer = 1024

// LogMessage is the message every telemetry log line carries.
const LogMessage = "ratelimit.telemetry"

// Options configures a Recorder.
type Options struct {
	// Logger receives one line per event. Nil disables logging.
	Logger *logging.Logger
	Level  Level
	// EventBuffer bounds the in-memory event history. Zero uses
	// DefaultEventBuffer, negative disables retention.
	EventBuffer int
	// Metrics forwards events to the process telemetry system.
	Metrics bool
}

// Recorder aggregates limiter events. It is safe for concurrent use; the
// counters are atomics and the locked sections never block on I/O.
type Recorder struct {
	logger  *logging.Logger
	level   Level
	metrics bool

	requests      atomic.Int64
	responses     atomic.Int64
	events        atomic.Int64
	sleeps        atomic.Int64
	sleepNanos    atomic.Int64
	elapsedMicros atomic.Int64
	decisions     [decisionSlots]atomic.Int64

	statusMu sync.Mutex
	statuses map[int]int64

	ringMu sync.Mutex
	ring   []Event
	next   int
	filled bool
}

const decisionSlots = 5

func decisionIndex(d core.Decision) int {
	switch d {
	case core.DecisionAllow:
		return 0
	case core.DecisionThrottle:
		return 1
	case core.DecisionBackoff429:
		return 2
	case core.DecisionBackoff5xx:
		return 3
	case core.DecisionAdaptive:
		return 4
	default:
		return -1
	}
}

// NewRecorder returns an empty recorder.
func NewRecorder(opts Options) *Recorder {
	size := opts.EventBuffer
	if size == 0 {
		size = DefaultEventBuffer
	}
	if size < 0 {
		size = 0
	}
	level := opts.Level
	if level != LevelDebug {
		level = LevelInfo
	}
	return &Recorder{
		logger:   opts.Logger,
		level:    level,
		metrics:  opts.Metrics,
		statuses: make(map[int]int64),
		ring:     make([]Event, size),
	}
}

// RecordBefore records the event emitted when an attempt is admitted.
func (r *Recorder) RecordBefore(e Event) {
	if r == nil {
		return
	}
	r.requests.Add(1)
	r.record(e)
}

// RecordAfter records the event emitted when a response is classified.
func (r *Recorder) RecordAfter(e Event) {
	if r == nil {
		return
	}
	r.responses.Add(1)
	r.elapsedMicros.Add(int64(math.Round(e.ElapsedMS * 1000)))
	if e.Status > 0 {
		r.statusMu.Lock()
		r.statuses[e.Status]++
		r.statusMu.Unlock()
	}
	r.record(e)
}

func (r *Recorder) record(e Event) {
	e = e.clone()

	r.events.Add(1)
	if i := decisionIndex(e.Decision); i >= 0 {
		r.decisions[i].Add(1)
	}
	if e.SleepS > 0 {
		r.sleeps.Add(1)
		r.sleepNanos.Add(int64(e.SleepS * float64(time.Second)))
	}

	if len(r.ring) > 0 {
		r.ringMu.Lock()
		r.ring[r.next] = e
		r.next = (r.next + 1) % len(r.ring)
		if r.next == 0 {
			r.filled = true
		}
		r.ringMu.Unlock()
	}

	r.log(e)
	if r.metrics {
		r.emit(e)
	}
}

func (r *Recorder) log(e Event) {
	if r.logger == nil {
		return
	}
	if r.level == LevelInfo && e.notable() {
		r.logger.Info(LogMessage, e.Fields()...)
		return
	}
	r.logger.Debug(LogMessage, e.Fields()...)
}

func (r *Recorder) emit(e Event) {
	bucket := string(e.BucketKey)
	metrics.RecordDecision(bucket, string(e.Decision))
	if e.SleepS > 0 {
		metrics.RecordSleep(bucket, string(e.Decision), time.Duration(e.SleepS*float64(time.Second)))
	}
	if e.Status > 0 {
		metrics.RecordResponse(bucket, e.Status)
	}
}

// Stats returns a snapshot of the aggregate counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{Decisions: map[core.Decision]int64{}, StatusCodes: map[int]int64{}}
	}

	s := Stats{
		TotalRequests:     r.requests.Load(),
		TotalResponses:    r.responses.Load(),
		TotalEvents:       r.events.Load(),
		TotalSleeps:       r.sleeps.Load(),
		TotalSleepSeconds: time.Duration(r.sleepNanos.Load()).Seconds(),
		TotalElapsedMS:    float64(r.elapsedMicros.Load()) / 1000,
		Decisions:         make(map[core.Decision]int64, len(core.Decisions)),
	}
	for _, d := range core.Decisions {
		s.Decisions[d] = r.decisions[decisionIndex(d)].Load()
	}
	if s.TotalResponses > 0 {
		s.AvgLatencyMS = math.Round(s.TotalElapsedMS/float64(s.TotalResponses)*100) / 100
	}

	r.statusMu.Lock()
	s.StatusCodes = make(map[int]int64, len(r.statuses))
	for code, n := range r.statuses {
		s.StatusCodes[code] = n
	}
	r.statusMu.Unlock()

	return s
}

// Events returns the retained events, oldest first.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.ringMu.Lock()
	defer r.ringMu.Unlock()

	if !r.filled {
		out := make([]Event, r.next)
		copy(out, r.ring[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}

// Reset clears counters and retained events.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.requests.Store(0)
	r.responses.Store(0)
	r.events.Store(0)
	r.sleeps.Store(0)
	r.sleepNanos.Store(0)
	r.elapsedMicros.Store(0)
	for i := range r.decisions {
		r.decisions[i].Store(0)
	}

	r.statusMu.Lock()
	r.statuses = make(map[int]int64)
	r.statusMu.Unlock()

	r.ringMu.Lock()
	clear(r.ring)
	r.next = 0
	r.filled = false
	r.ringMu.Unlock()
}

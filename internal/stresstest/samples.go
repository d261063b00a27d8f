package stresstest

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/metrics"
)

const (
	sampleBufferSize    = 500
	sampleFlushInterval = time.Second
)

// sampleRecorder buffers raw samples from the registry sink and writes them
// to the database in batches, off the VU goroutines.
type sampleRecorder struct {
	manager *Manager
	runID   int64
	started time.Time
	logger  *zap.Logger

	mu     sync.Mutex
	buf    []*SampleRow
	full   chan struct{}
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newSampleRecorder(m *Manager, runID int64, started time.Time, logger *zap.Logger) *sampleRecorder {
	r := &sampleRecorder{
		manager: m,
		runID:   runID,
		started: started,
		logger:  logger,
		buf:     make([]*SampleRow, 0, sampleBufferSize),
		full:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record is a metrics.Sink. It never blocks on the database.
func (r *sampleRecorder) Record(s metrics.Sample) {
	row := &SampleRow{
		RunID:     r.runID,
		Timestamp: s.Time,
		ElapsedMs: s.Time.Sub(r.started).Milliseconds(),
		Metric:    s.Metric,
		Kind:      s.Kind.String(),
		Value:     s.Value,
		Tags:      encodeTags(s.Tags),
	}

	r.mu.Lock()
	r.buf = append(r.buf, row)
	n := len(r.buf)
	r.mu.Unlock()

	if n >= sampleBufferSize {
		select {
		case r.full <- struct{}{}:
		default:
		}
	}
}

func (r *sampleRecorder) loop() {
	defer close(r.closed)
	ticker := time.NewTicker(sampleFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			r.flush()
			return
		case <-r.full:
			r.flush()
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *sampleRecorder) flush() {
	r.mu.Lock()
	batch := r.buf
	r.buf = make([]*SampleRow, 0, sampleBufferSize)
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := r.manager.SaveSamplesBatch(batch); err != nil {
		r.logger.Error("failed to save samples", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// Close flushes what is buffered and stops the background writer.
func (r *sampleRecorder) Close() {
	r.once.Do(func() {
		close(r.done)
	})
	<-r.closed
}

// encodeTags renders tags as sorted k=v pairs joined by commas.
func encodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + tags[k]
	}
	return strings.Join(parts, ",")
}

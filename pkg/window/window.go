// Package window tracks the time span of a test run. The span is what
// ties counter collection and trace queries to the same run: the test
// harness opens a window before the first scenario, closes it after the
// last one, and every downstream query is bounded by it.
package window

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethpandaops/coveragoor/pkg/fsutil"
)

// MinQuerySpan is the span below which a query window gets widened.
// Very short runs race the tracing backend's ingestion pipeline, so a
// narrow window can miss spans that were recorded inside it.
const MinQuerySpan = time.Minute

// Window is the recorded time span of one test run.
//
// Times carry their original zone offset through JSON round-trips.
// Normalizing to UTC (or dropping the offset) has previously produced
// trace queries aimed at the wrong hour, so the offsets are preserved
// exactly as recorded.
type Window struct {
	TestRunID string    `json:"test_run_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// New opens a window starting now with a fresh run ID.
func New() *Window {
	return &Window{
		TestRunID: generateRunID(),
		StartTime: time.Now(),
	}
}

// Close records the end of the window.
func (w *Window) Close() {
	w.EndTime = time.Now()
}

// Validate checks the window is usable for querying.
func (w *Window) Validate() error {
	if w.StartTime.IsZero() {
		return fmt.Errorf("window has no start time")
	}

	if w.EndTime.IsZero() {
		return fmt.Errorf("window has no end time")
	}

	if !w.EndTime.After(w.StartTime) {
		return fmt.Errorf("window end %s is not after start %s",
			w.EndTime.Format(time.RFC3339), w.StartTime.Format(time.RFC3339))
	}

	return nil
}

// Duration returns the span between start and end.
func (w *Window) Duration() time.Duration {
	return w.EndTime.Sub(w.StartTime)
}

// QueryBounds returns the window bounds to use for trace queries.
// Windows shorter than MinQuerySpan are widened by buffer on each
// side; wide windows already tolerate indexing delay and pass through
// unchanged.
func (w *Window) QueryBounds(buffer time.Duration) (start, end time.Time) {
	if w.Duration() >= MinQuerySpan {
		return w.StartTime, w.EndTime
	}

	return w.StartTime.Add(-buffer), w.EndTime.Add(buffer)
}

// Save writes the window to path as JSON.
func (w *Window) Save(path string) error {
	return fsutil.WriteJSON(path, w)
}

// Load reads a window from path and validates it.
func Load(path string) (*Window, error) {
	var w Window
	if err := fsutil.ReadJSON(path, &w); err != nil {
		return nil, err
	}

	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid window in %s: %w", path, err)
	}

	return &w, nil
}

// generateRunID generates a short random hex ID (8 characters).
func generateRunID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}

	return hex.EncodeToString(b)
}

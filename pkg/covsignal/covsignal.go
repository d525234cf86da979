// Package covsignal lets long-running instrumented services emit
// coverage counters on demand. A service built with -cover registers a
// handler at startup; sending it SIGUSR1 writes the current counters to
// the coverage directory and resets them, so each collection period
// observes only its own execution. The service keeps running throughout.
package covsignal

import (
	"os"
	"os/signal"
	"runtime/coverage"
	"syscall"

	"github.com/sirupsen/logrus"
)

// EnvCoverDir is the environment variable naming the counter output
// directory. It is the same variable the Go runtime itself consumes for
// exit-time counter emission.
const EnvCoverDir = "GOCOVERDIR"

// Flusher writes and resets coverage counters. The default
// implementation delegates to runtime/coverage; tests substitute their
// own.
type Flusher interface {
	WriteCountersDir(dir string) error
	ClearCounters() error
}

type runtimeFlusher struct{}

func (runtimeFlusher) WriteCountersDir(dir string) error { return coverage.WriteCountersDir(dir) }
func (runtimeFlusher) ClearCounters() error              { return coverage.ClearCounters() }

// Handler flushes coverage counters when signaled.
type Handler struct {
	log      logrus.FieldLogger
	coverDir string
	flusher  Flusher
	sig      chan os.Signal
	done     chan struct{}
}

// New creates a handler that writes counters to coverDir. If coverDir
// is empty the handler is inert: Start and Stop succeed but nothing is
// registered, so uninstrumented deployments run the same code path.
func New(log logrus.FieldLogger, coverDir string) *Handler {
	return &Handler{
		log:      log.WithField("component", "covsignal"),
		coverDir: coverDir,
		flusher:  runtimeFlusher{},
	}
}

// NewFromEnv creates a handler from the GOCOVERDIR environment
// variable. The handler is inert when the variable is unset.
func NewFromEnv(log logrus.FieldLogger) *Handler {
	return New(log, os.Getenv(EnvCoverDir))
}

// SetFlusher replaces the counter backend. Must be called before Start.
func (h *Handler) SetFlusher(f Flusher) {
	h.flusher = f
}

// Enabled reports whether a coverage directory is configured.
func (h *Handler) Enabled() bool {
	return h.coverDir != ""
}

// Start registers the SIGUSR1 handler. The signal channel holds a
// single slot: a signal arriving mid-flush coalesces with any other
// pending one instead of queueing.
func (h *Handler) Start() {
	if !h.Enabled() {
		h.log.Debug("coverage directory not set, flush handler disabled")

		return
	}

	h.sig = make(chan os.Signal, 1)
	h.done = make(chan struct{})
	signal.Notify(h.sig, syscall.SIGUSR1)

	go h.loop()

	h.log.WithField("coverdir", h.coverDir).Info("coverage flush handler registered")
}

// Stop unregisters the handler and waits for the flush loop to exit.
func (h *Handler) Stop() {
	if h.sig == nil {
		return
	}

	signal.Stop(h.sig)
	close(h.sig)
	<-h.done
	h.sig = nil
}

// Flush writes the current counters and resets them. The write happens
// before the reset so a failed write never loses counts.
func (h *Handler) Flush() error {
	if err := h.flusher.WriteCountersDir(h.coverDir); err != nil {
		return err
	}

	return h.flusher.ClearCounters()
}

func (h *Handler) loop() {
	defer close(h.done)

	for range h.sig {
		h.log.Debug("flush signal received")

		if err := h.flusher.WriteCountersDir(h.coverDir); err != nil {
			h.log.WithError(err).Error("failed to write coverage counters")

			continue
		}

		if err := h.flusher.ClearCounters(); err != nil {
			h.log.WithError(err).Error("failed to clear coverage counters")

			continue
		}

		h.log.Info("coverage counters written and cleared")
	}
}

// Package collector drives counter retrieval for a set of instrumented
// services: for each one it resolves the pod, triggers a counter flush,
// waits for the flush to land, and copies the counter files out of the
// pod. One unreachable service never aborts the run; its failure is
// recorded and the remaining services proceed.
package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/coveragoor/pkg/config"
	"github.com/ethpandaops/coveragoor/pkg/kube"
)

// counterPrefix matches runtime counter emissions in the remote
// coverage directory.
const counterPrefix = "covcounters."

// Result records the outcome of collecting one service.
type Result struct {
	Service string `json:"service"`
	Pod     string `json:"pod,omitempty"`
	Files   int    `json:"files"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether collection succeeded for this service.
func (r Result) OK() bool {
	return r.Error == ""
}

// Collector retrieves coverage counters from running pods.
type Collector struct {
	log       logrus.FieldLogger
	transport kube.Transport
	cfg       *config.CoverageConfig
}

// New creates a collector over the given transport.
func New(log logrus.FieldLogger, transport kube.Transport, cfg *config.CoverageConfig) *Collector {
	return &Collector{
		log:       log.WithField("component", "collector"),
		transport: transport,
		cfg:       cfg,
	}
}

// Collect retrieves counters for every configured service into
// outDir/<service>/. Results come back in configuration order
// regardless of execution order. The returned error is non-nil only
// when the context was canceled; per-service failures live in the
// results.
func (c *Collector) Collect(ctx context.Context, outDir string) ([]Result, error) {
	results := make([]Result, len(c.cfg.Services))

	if c.cfg.Parallel {
		g, gctx := errgroup.WithContext(ctx)

		for i, svc := range c.cfg.Services {
			g.Go(func() error {
				results[i] = c.collectService(gctx, svc, outDir)

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return results, err
		}
	} else {
		for i, svc := range c.cfg.Services {
			results[i] = c.collectService(ctx, svc, outDir)
		}
	}

	if err := ctx.Err(); err != nil {
		return results, err
	}

	return results, nil
}

func (c *Collector) collectService(ctx context.Context, svc config.ServiceConfig, outDir string) Result {
	log := c.log.WithField("service", svc.Name)
	res := Result{Service: svc.Name}

	pod, err := c.transport.ResolvePod(ctx, c.cfg.Namespace, svc.Selector)
	if err != nil {
		log.WithError(err).Warn("skipping service, pod not resolvable")
		res.Error = err.Error()

		return res
	}

	res.Pod = pod
	log = log.WithField("pod", pod)

	baseline, baselineErr := c.countRemote(ctx, pod)

	if err := c.transport.Signal(ctx, c.cfg.Namespace, pod, c.cfg.Signal); err != nil {
		log.WithError(err).Warn("skipping service, flush signal failed")
		res.Error = err.Error()

		return res
	}

	if err := c.waitForFlush(ctx, log, pod, baseline, baselineErr); err != nil {
		// The copy still runs: a slow flush usually lands moments
		// later, and earlier emissions are worth retrieving anyway.
		log.WithError(err).Warn("flush confirmation timed out, copying what is there")
	}

	localDir := filepath.Join(outDir, svc.Name)

	files, err := c.transport.CopyDir(ctx, c.cfg.Namespace, pod, c.cfg.RemoteCoverDir, localDir)
	if err != nil {
		log.WithError(err).Warn("skipping service, copy failed")
		res.Error = err.Error()

		return res
	}

	res.Files = files
	log.WithField("files", files).Info("collected coverage counters")

	return res
}

// countRemote counts counter emissions in the pod's coverage directory.
func (c *Collector) countRemote(ctx context.Context, pod string) (int, error) {
	names, err := c.transport.ListDir(ctx, c.cfg.Namespace, pod, c.cfg.RemoteCoverDir)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, name := range names {
		if strings.HasPrefix(name, counterPrefix) {
			count++
		}
	}

	return count, nil
}

// waitForFlush polls the remote directory until a new counter file
// appears, bounded by the settle timeout. Pods whose image cannot list
// the directory fall back to the fixed settle delay.
func (c *Collector) waitForFlush(ctx context.Context, log logrus.FieldLogger, pod string, baseline int, baselineErr error) error {
	if baselineErr != nil {
		if !errors.Is(baselineErr, kube.ErrListUnsupported) {
			log.WithError(baselineErr).Debug("baseline listing failed, using settle delay")
		}

		return sleepCtx(ctx, c.cfg.SettleDelay)
	}

	deadline := time.Now().Add(c.cfg.SettleTimeout)

	for {
		count, err := c.countRemote(ctx, pod)
		if err == nil && count > baseline {
			log.WithFields(logrus.Fields{
				"baseline": baseline,
				"count":    count,
			}).Debug("flush confirmed")

			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("no new counter file within %s (baseline %d)", c.cfg.SettleTimeout, baseline)
		}

		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

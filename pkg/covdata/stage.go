package covdata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/coveragoor/pkg/fsutil"
)

// StageStats summarizes one staging pass.
type StageStats struct {
	// New counts counter files added to the staging directory.
	New int `json:"new"`

	// Duplicates counts byte-identical redeliveries that were skipped.
	Duplicates int `json:"duplicates"`

	// Renamed counts name collisions with differing content that were
	// staged under a fresh nanotime.
	Renamed int `json:"renamed"`

	// Meta counts meta-data files added.
	Meta int `json:"meta"`

	// Skipped counts files that are not coverage emissions.
	Skipped int `json:"skipped"`
}

// HasCounters reports whether the pass contributed any counter data.
func (s StageStats) HasCounters() bool {
	return s.New > 0 || s.Renamed > 0 || s.Duplicates > 0
}

// Stager folds retrieved counter files into a staging directory.
type Stager struct {
	log logrus.FieldLogger
}

// NewStager creates a stager.
func NewStager(log logrus.FieldLogger) *Stager {
	return &Stager{log: log.WithField("component", "covdata")}
}

// Stage copies coverage files from srcDir into dstDir.
//
// Staging the same source twice is a no-op: a counter file whose name
// and content already exist in dstDir is skipped. A name collision with
// different content means two distinct emissions collided (PID 1 twice
// across pod restarts makes this likely), so the incoming file is kept
// under an adjusted nanotime rather than dropped or overwritten.
func (s *Stager) Stage(srcDir, dstDir string) (StageStats, error) {
	var stats StageStats

	if err := fsutil.EnsureDir(dstDir); err != nil {
		return stats, fmt.Errorf("creating staging directory: %w", err)
	}

	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		name := d.Name()

		switch {
		case IsMetaName(name):
			added, err := s.stageMeta(path, filepath.Join(dstDir, name))
			if err != nil {
				return err
			}

			if added {
				stats.Meta++
			}
		default:
			emission, ok := ParseCounterName(name)
			if !ok {
				s.log.WithField("file", name).Debug("skipping non-coverage file")
				stats.Skipped++

				return nil
			}

			if err := s.stageCounter(path, dstDir, emission, &stats); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Nothing was retrieved for this service.
			return stats, nil
		}

		return stats, fmt.Errorf("staging %s: %w", srcDir, err)
	}

	return stats, nil
}

// stageMeta copies a meta file unless it is already present. Meta files
// are content-addressed by their hash suffix, so an existing file with
// the same name is the same file.
func (s *Stager) stageMeta(src, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}

	if err := copyFile(src, dst); err != nil {
		return false, err
	}

	return true, nil
}

func (s *Stager) stageCounter(src, dstDir string, emission Emission, stats *StageStats) error {
	srcSum, err := fsutil.FileSHA256(src)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", src, err)
	}

	dst := filepath.Join(dstDir, emission.Name())
	renamed := false

	for {
		existing, err := fsutil.FileSHA256(dst)
		if errors.Is(err, os.ErrNotExist) {
			break
		}

		if err != nil {
			return fmt.Errorf("hashing %s: %w", dst, err)
		}

		if existing == srcSum {
			stats.Duplicates++

			return nil
		}

		// Distinct emission behind the same name. Nudge the nanotime
		// until a free slot turns up.
		emission.NanoTime++
		dst = filepath.Join(dstDir, emission.Name())
		renamed = true
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}

	if renamed {
		stats.Renamed++

		s.log.WithField("file", filepath.Base(dst)).Debug("counter name collision, staged under adjusted name")
	} else {
		stats.New++
	}

	return nil
}

// CountStaged inspects an existing staging directory and reports its
// contents as stats, so already-staged data can be rendered without a
// fresh collection. A missing directory counts as empty.
func CountStaged(dir string) (StageStats, error) {
	var stats StageStats

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stats, nil
		}

		return stats, fmt.Errorf("reading staging directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		switch {
		case IsMetaName(name):
			stats.Meta++
		default:
			if _, ok := ParseCounterName(name); ok {
				stats.New++
			} else {
				stats.Skipped++
			}
		}
	}

	return stats, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return fmt.Errorf("copying %s: %w", src, err)
	}

	return out.Close()
}

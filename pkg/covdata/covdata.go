// Package covdata manages binary coverage counter data end to end:
// recognizing the runtime's emission files, folding retrieved files
// into a per-service aggregation area without double counting, and
// driving the Go coverage toolchain to merge and render them.
//
// Counter values are execution counts, not booleans. Folding the same
// emission in twice would inflate every count it carries, so staging
// is keyed on emission identity and is safe to repeat.
package covdata

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MetaPrefix marks meta-data files, one per distinct build.
	MetaPrefix = "covmeta."

	// CounterPrefix marks counter emissions.
	CounterPrefix = "covcounters."
)

// Emission identifies one counter file as the runtime names it:
// covcounters.<metahash>.<pid>.<nanotime>.
type Emission struct {
	MetaHash string
	PID      int
	NanoTime int64
}

// Name returns the runtime file name for the emission.
func (e Emission) Name() string {
	return fmt.Sprintf("%s%s.%d.%d", CounterPrefix, e.MetaHash, e.PID, e.NanoTime)
}

// ParseCounterName parses a counter file name. The boolean is false for
// anything that does not follow the runtime's naming scheme.
func ParseCounterName(name string) (Emission, bool) {
	rest, ok := strings.CutPrefix(name, CounterPrefix)
	if !ok {
		return Emission{}, false
	}

	// The meta hash is fixed-width hex and never contains dots, so the
	// last two segments are pid and nanotime.
	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return Emission{}, false
	}

	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return Emission{}, false
	}

	nano, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Emission{}, false
	}

	if parts[0] == "" {
		return Emission{}, false
	}

	return Emission{MetaHash: parts[0], PID: pid, NanoTime: nano}, true
}

// IsMetaName reports whether name is a meta-data file.
func IsMetaName(name string) bool {
	return strings.HasPrefix(name, MetaPrefix) && len(name) > len(MetaPrefix)
}

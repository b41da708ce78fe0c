// Package limits translates session resource caps into Docker host
// resources. Zero-valued fields leave the corresponding control unset so
// the runtime falls back to daemon defaults.
package limits

import (
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// Limits defines resource constraints for a session container.
type Limits struct {
	// CPUs caps CPU time, in whole or fractional CPUs (1.5 means one and
	// a half cores).
	CPUs float64

	// MemoryMB is the hard memory limit in mebibytes.
	MemoryMB int64

	// MemorySwapMB is the combined memory plus swap limit in mebibytes.
	// Only applied when MemoryMB is also set.
	MemorySwapMB int64

	// PidsLimit caps the number of processes in the container.
	PidsLimit int64
}

const mib = 1024 * 1024

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.CPUs == 0 && l.MemoryMB == 0 && l.MemorySwapMB == 0 && l.PidsLimit == 0
}

// Resources renders the caps as Docker host resources.
func (l Limits) Resources() container.Resources {
	var r container.Resources
	if l.CPUs > 0 {
		r.NanoCPUs = int64(l.CPUs * 1e9)
	}
	if l.MemoryMB > 0 {
		r.Memory = l.MemoryMB * mib
		if l.MemorySwapMB >= l.MemoryMB {
			r.MemorySwap = l.MemorySwapMB * mib
		}
	}
	if l.PidsLimit > 0 {
		pids := l.PidsLimit
		r.PidsLimit = &pids
	}
	return r
}

// String renders the configured caps for logs, such as
// "cpus=1.5 memory=512MiB pids=256". Empty when no limit is set.
func (l Limits) String() string {
	var parts []string
	if l.CPUs > 0 {
		parts = append(parts, fmt.Sprintf("cpus=%g", l.CPUs))
	}
	if l.MemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("memory=%dMiB", l.MemoryMB))
	}
	if l.MemorySwapMB > 0 {
		parts = append(parts, fmt.Sprintf("memory+swap=%dMiB", l.MemorySwapMB))
	}
	if l.PidsLimit > 0 {
		parts = append(parts, fmt.Sprintf("pids=%d", l.PidsLimit))
	}
	return strings.Join(parts, " ")
}

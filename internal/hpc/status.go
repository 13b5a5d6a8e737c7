package hpc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
)

// slurmStates maps Slurm accounting states, long and short forms, to canonical statuses
var slurmStates = map[string]domain.JobStatus{
	"PENDING":       domain.JobStatusPending,
	"PD":            domain.JobStatusPending,
	"REQUEUED":      domain.JobStatusPending,
	"RQ":            domain.JobStatusPending,
	"RESIZING":      domain.JobStatusPending,
	"SUSPENDED":     domain.JobStatusPending,
	"S":             domain.JobStatusPending,
	"RUNNING":       domain.JobStatusRunning,
	"R":             domain.JobStatusRunning,
	"COMPLETING":    domain.JobStatusRunning,
	"CG":            domain.JobStatusRunning,
	"COMPLETED":     domain.JobStatusCompleted,
	"CD":            domain.JobStatusCompleted,
	"FAILED":        domain.JobStatusFailed,
	"F":             domain.JobStatusFailed,
	"NODE_FAIL":     domain.JobStatusFailed,
	"NF":            domain.JobStatusFailed,
	"OUT_OF_MEMORY": domain.JobStatusFailed,
	"OOM":           domain.JobStatusFailed,
	"BOOT_FAIL":     domain.JobStatusFailed,
	"BF":            domain.JobStatusFailed,
	"PREEMPTED":     domain.JobStatusFailed,
	"PR":            domain.JobStatusFailed,
	"DEADLINE":      domain.JobStatusTimeout,
	"DL":            domain.JobStatusTimeout,
	"TIMEOUT":       domain.JobStatusTimeout,
	"TO":            domain.JobStatusTimeout,
	"CANCELLED":     domain.JobStatusCancelled,
	"CANCELED":      domain.JobStatusCancelled,
	"CA":            domain.JobStatusCancelled,
}

// StatusMapper translates site-specific status codes to canonical statuses
type StatusMapper struct {
	aliases map[string]map[string]domain.JobStatus
}

// NewStatusMapper creates a mapper with per-site aliases layered over the Slurm table.
// Alias keys are matched case-insensitively.
func NewStatusMapper(aliases map[string]map[string]domain.JobStatus) *StatusMapper {
	normalized := make(map[string]map[string]domain.JobStatus, len(aliases))
	for site, codes := range aliases {
		m := make(map[string]domain.JobStatus, len(codes))
		for code, status := range codes {
			m[strings.ToUpper(code)] = status
		}
		normalized[site] = m
	}
	return &StatusMapper{aliases: normalized}
}

// Map returns the canonical status for code reported by site
func (m *StatusMapper) Map(site, code string) (domain.JobStatus, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	// "CANCELLED by 1234"
	if fields := strings.Fields(normalized); len(fields) > 0 {
		normalized = strings.TrimSuffix(fields[0], "+")
	}

	if codes, ok := m.aliases[site]; ok {
		if status, ok := codes[normalized]; ok {
			return status, nil
		}
	}

	if status, ok := slurmStates[normalized]; ok {
		return status, nil
	}

	return "", fmt.Errorf("unknown status code %q from site %s", code, site)
}

// ParseElapsed parses an accounting elapsed time of the form [D-]HH:MM:SS or MM:SS
func ParseElapsed(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	var days int
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid elapsed time %q: %w", s, err)
		}
		days = d
		s = s[i+1:]
	}

	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid elapsed time %q", s)
	}

	values := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid elapsed time %q", s)
		}
		values[i] = v
	}

	var hours, mins, secs int
	if len(values) == 3 {
		hours, mins, secs = values[0], values[1], values[2]
	} else {
		mins, secs = values[0], values[1]
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second

	return total, nil
}

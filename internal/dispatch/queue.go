// Package dispatch – queue ordering
//
// This file defines the sort modes of the unassigned queue and the stable
// ordering behind them. Ties always fall back to creation time and then id,
// so two sessions sorting the same orders agree on the result.
package dispatch

import (
	"sort"
	"time"

	"github.com/tbourn/ops-console-sync/internal/domain"
)

// SortMode orders the unassigned queue.
type SortMode string

const (
	// SortSLA puts the soonest SLA breach first, then oldest order.
	SortSLA SortMode = "sla"
	// SortCreated is first in, first out.
	SortCreated SortMode = "created"
	// SortPriority puts urgent first, then SLA, then oldest.
	SortPriority SortMode = "priority"
)

// ParseSortMode validates s. Empty means SortSLA.
func ParseSortMode(s string) (SortMode, error) {
	switch m := SortMode(s); m {
	case "":
		return SortSLA, nil
	case SortSLA, SortCreated, SortPriority:
		return m, nil
	}
	return "", ErrInvalidSortMode
}

// sortedQueue returns the ids of the unassigned orders in mode order.
func sortedQueue(orders []domain.Order, mode SortMode) []string {
	unassigned := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == domain.OrderUnassigned {
			unassigned = append(unassigned, o)
		}
	}
	sort.SliceStable(unassigned, func(i, j int) bool {
		return less(unassigned[i], unassigned[j], mode)
	})
	ids := make([]string, len(unassigned))
	for i, o := range unassigned {
		ids[i] = o.ID
	}
	return ids
}

func less(a, b domain.Order, mode SortMode) bool {
	switch mode {
	case SortCreated:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	case SortPriority:
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
	}
	if c := compareDeadline(a.SLADeadline, b.SLADeadline); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// compareDeadline sorts missing deadlines last.
func compareDeadline(a, b time.Time) int {
	switch {
	case a.Equal(b):
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	case a.Before(b):
		return -1
	}
	return 1
}

// Package cost implements the accrual math for VM spend.
//
// Spend is derived, never authored: candidate.SpentCents is only ever a
// cache of ComputeSpent over the candidate's VM records, maintained by the
// reconciler and stale by at most one tick.
package cost

import (
	"time"

	"github.com/cuemby/paddock/pkg/types"
)

// AccruedCents returns the cost of a VM run from launchedAt to end at the
// given hourly price. Minutes are rounded up, then the per-minute price is
// rounded up: ceil(ceil((end-launchedAt)/60s) * priceCentsPerHour / 60).
func AccruedCents(launchedAt, end time.Time, priceCentsPerHour int64) int64 {
	if !end.After(launchedAt) {
		return 0
	}
	minutes := minutesBetween(launchedAt, end)
	return ceilDiv(minutes*priceCentsPerHour, 60)
}

// ComputeSpent returns the authoritative spend for a candidate: the sum of
// accrued cents over vms, using now for VMs that are still running. VMs
// launched before spentResetAt (when set) are excluded; this is how
// re-adding a removed candidate zeroes their spend without deleting VM
// history.
func ComputeSpent(vms []*types.VM, spentResetAt *time.Time, now time.Time) int64 {
	var total int64
	for _, vm := range vms {
		if spentResetAt != nil && vm.LaunchedAt.Before(*spentResetAt) {
			continue
		}
		end := now
		if vm.TerminatedAt != nil {
			end = *vm.TerminatedAt
		}
		total += AccruedCents(vm.LaunchedAt, end, vm.PriceCentsPerHour)
	}
	return total
}

// minutesBetween returns ceil((b-a)/60s)
func minutesBetween(a, b time.Time) int64 {
	seconds := int64(b.Sub(a) / time.Second)
	return ceilDiv(seconds, 60)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

/*
Package reconciler drives the control plane toward upstream truth.

A ticker fires every minute. Each tick runs three idempotent passes:

 1. VM sync. List upstream instances, refresh status, IP address, and cost
    accrual on every local VM record, recompute each candidate's spend
    cache, and enforce policy: VMs of removed or deactivated candidates,
    VMs of candidates over quota, and (when the policy is enabled) VMs
    past the maximum runtime are terminated in a single batched upstream
    call. SSH keys of candidates with no remaining active VMs are removed
    upstream and locally.

 2. Launch queue processing, delegated to the scheduler.

 3. Stale seed-claim cleanup, delegated to the filesystem resolver.

Failure of any item is logged and skipped; the design assumes the next
tick converges. A slow tick overlapping the next is safe: dispatch
persists provisioning before launching, and the terminate path only marks
records after the upstream call succeeds.
*/
package reconciler

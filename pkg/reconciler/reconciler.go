package reconciler

import (
	"context"
	"time"

	"github.com/cuemby/paddock/pkg/cost"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/fsresolver"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/scheduler"
	"github.com/cuemby/paddock/pkg/storage"
	"github.com/cuemby/paddock/pkg/types"
)

// DefaultInterval is the reconcile cadence
const DefaultInterval = time.Minute

// Reconciler converges local state with upstream truth on a fixed tick.
// Each tick runs three passes: VM sync with cost accrual and quota
// enforcement, launch queue processing, and stale seed-claim cleanup.
// Every pass swallows per-item errors; the next tick converges.
type Reconciler struct {
	store     storage.Store
	provider  provider.API
	scheduler *scheduler.Scheduler
	resolver  *fsresolver.Resolver
	interval  time.Duration
	stopCh    chan struct{}
	now       func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(store storage.Store, api provider.API, sched *scheduler.Scheduler, resolver *fsresolver.Resolver, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:     store,
		provider:  api,
		scheduler: sched,
		resolver:  resolver,
		interval:  interval,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger := log.WithComponent("reconciler")
	for {
		select {
		case <-ticker.C:
			r.Reconcile(context.Background())
		case <-r.stopCh:
			logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// Reconcile performs one reconciliation cycle. Exported so a tick can be
// driven directly in tests and on startup.
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	logger := log.WithComponent("reconciler")

	if err := r.syncVMs(ctx); err != nil {
		logger.Error().Err(err).Msg("VM sync pass failed")
	}

	r.scheduler.ProcessQueue(ctx)

	if _, err := r.resolver.PruneStaleClaims(); err != nil {
		logger.Error().Err(err).Msg("Seed claim cleanup failed")
	}
}

// syncVMs is the VM sync pass: refresh status and accrual from upstream,
// update candidate spend, enforce quota and account policy, and clean up
// SSH keys of candidates with no remaining VMs.
func (r *Reconciler) syncVMs(ctx context.Context) error {
	logger := log.WithComponent("reconciler")
	now := r.now().UTC()

	instances, err := r.provider.ListInstances(ctx)
	if err != nil {
		return err
	}
	upstream := make(map[string]*provider.Instance, len(instances))
	for _, inst := range instances {
		upstream[inst.ID] = inst
	}

	vms, err := r.store.ListVMs()
	if err != nil {
		return err
	}

	byCandidate := make(map[string][]*types.VM)
	for _, vm := range vms {
		byCandidate[vm.CandidateEmail] = append(byCandidate[vm.CandidateEmail], vm)
		if !vm.Active() {
			continue
		}

		up, ok := upstream[vm.InstanceID]
		if !ok || up.Terminated() {
			vm.Status = types.VMStatusTerminated
			vm.TerminatedAt = &now
			vm.TerminationReason = types.TerminationExternally
			vm.AccruedCents = cost.AccruedCents(vm.LaunchedAt, now, vm.PriceCentsPerHour)
			vm.LastCheckedAt = now
			if err := r.store.PutVM(vm); err != nil {
				logger.Error().Err(err).Str("instance_id", vm.InstanceID).Msg("Failed to persist externally terminated VM")
				continue
			}
			metrics.TerminationsTotal.WithLabelValues(string(types.TerminationExternally)).Inc()
			vmLogger := log.WithInstanceID(vm.InstanceID)
			vmLogger.Warn().Msg("VM terminated externally")
			continue
		}

		vm.Status = types.VMStatus(up.Status)
		vm.IPAddress = up.IP
		vm.AccruedCents = cost.AccruedCents(vm.LaunchedAt, now, vm.PriceCentsPerHour)
		vm.LastCheckedAt = now
		if err := r.store.PutVM(vm); err != nil {
			logger.Error().Err(err).Str("instance_id", vm.InstanceID).Msg("Failed to persist VM sync")
		}
	}

	settings := r.settings()
	kill := make(map[string]types.TerminationReason)

	for email, candidateVMs := range byCandidate {
		candidate, err := r.store.GetCandidate(email)
		missing := errdefs.IsNotFound(err)
		if err != nil && !missing {
			logger.Error().Err(err).Str("candidate", email).Msg("Failed to load candidate")
			continue
		}

		// Refresh the spend cache from the authoritative computation
		if !missing {
			spent := cost.ComputeSpent(candidateVMs, candidate.SpentResetAt, now)
			if spent != candidate.SpentCents {
				candidate.SpentCents = spent
				if err := r.store.PutCandidate(candidate); err != nil {
					logger.Error().Err(err).Str("candidate", email).Msg("Failed to persist spend")
				}
			}
		}

		for _, vm := range candidateVMs {
			if !vm.Active() {
				continue
			}
			switch {
			case missing || !candidate.Active():
				kill[vm.InstanceID] = types.TerminationAccountRemoved
			case !candidate.IsAdmin() && candidate.SpentCents >= candidate.QuotaCents():
				kill[vm.InstanceID] = types.TerminationQuotaExceeded
			case !candidate.IsAdmin() && settings.MaxVMHours > 0 && now.Sub(vm.LaunchedAt) > time.Duration(settings.MaxVMHours)*time.Hour:
				kill[vm.InstanceID] = types.TerminationMaxHoursExceeded
			}
		}
	}

	if len(kill) > 0 {
		r.terminate(ctx, kill, now)
	}

	r.cleanupSSHKeys(ctx, byCandidate)
	return nil
}

// terminate issues one batched upstream terminate and marks the local
// records on success. On upstream failure nothing is marked; the next tick
// retries and, once upstream reports the instances gone, the sync pass
// settles the records.
func (r *Reconciler) terminate(ctx context.Context, kill map[string]types.TerminationReason, now time.Time) {
	logger := log.WithComponent("reconciler")

	ids := make([]string, 0, len(kill))
	for id := range kill {
		ids = append(ids, id)
	}

	if err := r.provider.Terminate(ctx, ids); err != nil {
		logger.Error().Err(err).Strs("instance_ids", ids).Msg("Batched terminate failed")
		return
	}

	for id, reason := range kill {
		vm, err := r.store.GetVM(id)
		if err != nil {
			logger.Error().Err(err).Str("instance_id", id).Msg("Failed to load VM after terminate")
			continue
		}
		vm.Status = types.VMStatusTerminated
		vm.TerminatedAt = &now
		vm.TerminationReason = reason
		vm.AccruedCents = cost.AccruedCents(vm.LaunchedAt, now, vm.PriceCentsPerHour)
		vm.LastCheckedAt = now
		if err := r.store.PutVM(vm); err != nil {
			logger.Error().Err(err).Str("instance_id", id).Msg("Failed to persist terminated VM")
			continue
		}
		metrics.TerminationsTotal.WithLabelValues(string(reason)).Inc()
		vmLogger := log.WithInstanceID(id)
		vmLogger.Info().Str("reason", string(reason)).Msg("Terminated VM")
	}
}

// cleanupSSHKeys removes upstream and local SSH keys of candidates that no
// longer have any active VMs
func (r *Reconciler) cleanupSSHKeys(ctx context.Context, byCandidate map[string][]*types.VM) {
	logger := log.WithComponent("reconciler")

	var upstreamKeys []*provider.SSHKey
	for email, candidateVMs := range byCandidate {
		active := false
		for _, vm := range candidateVMs {
			if vm.Active() {
				active = true
				break
			}
		}
		if active {
			continue
		}

		keys, err := r.store.ListSSHKeysByCandidate(email)
		if err != nil || len(keys) == 0 {
			continue
		}

		if upstreamKeys == nil {
			upstreamKeys, err = r.provider.ListSSHKeys(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to list upstream SSH keys")
				return
			}
		}

		for _, key := range keys {
			for _, up := range upstreamKeys {
				if up.Name == key.Name {
					if err := r.provider.DeleteSSHKey(ctx, up.ID); err != nil {
						logger.Error().Err(err).Str("key", key.Name).Msg("Failed to delete upstream SSH key")
						continue
					}
					break
				}
			}
			if err := r.store.DeleteSSHKey(email, key.Name); err != nil {
				logger.Error().Err(err).Str("key", key.Name).Msg("Failed to delete local SSH key record")
				continue
			}
			logger.Info().Str("candidate", email).Str("key", key.Name).Msg("Cleaned up SSH key")
		}
	}
}

func (r *Reconciler) settings() *types.Settings {
	settings, err := r.store.GetSettings()
	if err != nil {
		return &types.Settings{}
	}
	return settings
}

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/paddock/pkg/cost"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/fsresolver"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/storage"
	"github.com/cuemby/paddock/pkg/types"
)

// DefaultTick is the queue processing cadence the scheduler assumes when
// computing the stale-provisioning cutoff
const DefaultTick = time.Minute

// Scheduler admits, queues, and dispatches launch requests
type Scheduler struct {
	store    storage.Store
	provider provider.API
	resolver *fsresolver.Resolver
	tick     time.Duration
	now      func() time.Time
}

// NewScheduler creates a scheduler. tick is the reconciler's cadence and
// bounds how long a provisioning request may sit before being retried.
func NewScheduler(store storage.Store, api provider.API, resolver *fsresolver.Resolver, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		store:    store,
		provider: api,
		resolver: resolver,
		tick:     tick,
		now:      time.Now,
	}
}

// SubmitSpec is a user's launch submission
type SubmitSpec struct {
	InstanceTypes    []string
	Regions          []string
	SSHPublicKey     string
	AttachFilesystem bool
}

// Submit validates and admits a launch request for the candidate, then
// tries a greedy immediate dispatch. The returned request is fulfilled when
// capacity was available right away, queued otherwise.
func (s *Scheduler) Submit(ctx context.Context, candidate *types.Candidate, spec SubmitSpec) (*types.LaunchRequest, error) {
	if len(spec.InstanceTypes) == 0 {
		return nil, errdefs.Validationf("at least one instance type is required")
	}
	if len(spec.Regions) == 0 {
		return nil, errdefs.Validationf("at least one region is required")
	}
	if spec.SSHPublicKey == "" {
		return nil, errdefs.Validationf("an SSH public key is required")
	}

	instanceTypes, err := s.provider.ListInstanceTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance types: %w", err)
	}
	typesByName := make(map[string]*provider.InstanceType, len(instanceTypes))
	for _, t := range instanceTypes {
		typesByName[t.Name] = t
	}
	for _, name := range spec.InstanceTypes {
		if _, ok := typesByName[name]; !ok {
			return nil, errdefs.Validationf("unknown instance type %q", name)
		}
	}

	if !candidate.IsAdmin() {
		if err := s.checkSingleVM(candidate.Email); err != nil {
			return nil, err
		}
		if err := s.checkSingleRequest(candidate.Email); err != nil {
			return nil, err
		}

		// Soft quota check against the cheapest acceptable type
		remaining, err := s.remainingCents(candidate)
		if err != nil {
			return nil, err
		}
		cheapest := cheapestPrice(spec.InstanceTypes, typesByName)
		if remaining < cheapest {
			return nil, fmt.Errorf("%w: remaining balance %d cents is below the cheapest selected type (%d cents/hour)",
				errdefs.ErrQuotaExhausted, remaining, cheapest)
		}
	}

	now := s.now().UTC()
	lr := &types.LaunchRequest{
		ID:               uuid.New().String(),
		CandidateEmail:   candidate.Email,
		InstanceTypes:    spec.InstanceTypes,
		Regions:          spec.Regions,
		SSHPublicKey:     spec.SSHPublicKey,
		AttachFilesystem: spec.AttachFilesystem,
		Status:           types.LaunchRequestQueued,
		CreatedAt:        now,
	}

	if err := s.ensureSSHKey(ctx, candidate.Email, spec.SSHPublicKey); err != nil {
		return nil, err
	}

	logger := log.WithRequestID(lr.ID)

	// Greedy immediate dispatch; any upstream trouble falls through to the
	// queue and the reconciler retries next tick.
	if typeName, region, ok := pickPair(lr, instanceTypes); ok {
		price := typesByName[typeName].PriceCentsPerHour
		admitted := true
		if !candidate.IsAdmin() {
			remaining, err := s.remainingCents(candidate)
			if err != nil {
				return nil, err
			}
			if remaining < price {
				admitted = false
			}
		}
		if admitted {
			instanceID, err := s.launch(ctx, candidate, lr, typeName, region, price)
			if err == nil {
				lr.Status = types.LaunchRequestFulfilled
				lr.FulfilledAt = &now
				lr.FulfilledInstanceID = instanceID
				lr.Attempts = 1
				lr.LastAttemptAt = &now
				if err := s.store.PutLaunchRequest(lr); err != nil {
					return nil, err
				}
				logger.Info().
					Str("instance_type", typeName).
					Str("region", region).
					Str("instance_id", instanceID).
					Msg("Launch request fulfilled immediately")
				return lr, nil
			}
			logger.Warn().Err(err).Msg("Immediate dispatch failed, queueing request")
			metrics.LaunchFailuresTotal.Inc()
		}
	}

	if err := s.store.PutLaunchRequest(lr); err != nil {
		return nil, err
	}
	logger.Info().Str("candidate", candidate.Email).Msg("Launch request queued")
	return lr, nil
}

// LaunchNow performs a single-shot immediate launch of one (type, region)
// with no queueing: the same admission rules as Submit, but failure to
// launch is returned to the caller instead of creating a queued request.
func (s *Scheduler) LaunchNow(ctx context.Context, candidate *types.Candidate, typeName, region, sshPublicKey string, attachFilesystem bool) (*types.VM, error) {
	if typeName == "" || region == "" {
		return nil, errdefs.Validationf("instance type and region are required")
	}
	if sshPublicKey == "" {
		return nil, errdefs.Validationf("an SSH public key is required")
	}

	instanceTypes, err := s.provider.ListInstanceTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance types: %w", err)
	}
	var matched *provider.InstanceType
	for _, t := range instanceTypes {
		if t.Name == typeName {
			matched = t
		}
	}
	if matched == nil {
		return nil, errdefs.Validationf("unknown instance type %q", typeName)
	}
	if !matched.HasCapacity(region) {
		return nil, fmt.Errorf("%w: no capacity for %s in %s", errdefs.ErrCapacityUnavailable, typeName, region)
	}

	if !candidate.IsAdmin() {
		if err := s.checkSingleVM(candidate.Email); err != nil {
			return nil, err
		}
		if err := s.checkSingleRequest(candidate.Email); err != nil {
			return nil, err
		}
		remaining, err := s.remainingCents(candidate)
		if err != nil {
			return nil, err
		}
		if remaining < matched.PriceCentsPerHour {
			return nil, fmt.Errorf("%w: remaining balance %d cents is below the instance price (%d cents/hour)",
				errdefs.ErrQuotaExhausted, remaining, matched.PriceCentsPerHour)
		}
	}

	if err := s.ensureSSHKey(ctx, candidate.Email, sshPublicKey); err != nil {
		return nil, err
	}

	lr := &types.LaunchRequest{
		ID:               uuid.New().String(),
		CandidateEmail:   candidate.Email,
		AttachFilesystem: attachFilesystem,
	}
	instanceID, err := s.launch(ctx, candidate, lr, typeName, region, matched.PriceCentsPerHour)
	if err != nil {
		metrics.LaunchFailuresTotal.Inc()
		return nil, err
	}
	return s.store.GetVM(instanceID)
}

// Cancel cancels a queued launch request. Cancelling an already-cancelled
// request is a no-op; other states return a validation error, since
// fulfilled and failed requests are not resurrectable and provisioning
// cannot be aborted mid-launch.
func (s *Scheduler) Cancel(requestID string) (*types.LaunchRequest, error) {
	lr, err := s.store.GetLaunchRequest(requestID)
	if err != nil {
		return nil, err
	}
	if lr.Status == types.LaunchRequestCancelled {
		return lr, nil
	}
	if lr.Status != types.LaunchRequestQueued {
		return nil, errdefs.Validationf("launch request is %s, only queued requests can be cancelled", lr.Status)
	}

	now := s.now().UTC()
	lr.Status = types.LaunchRequestCancelled
	lr.CancelledAt = &now
	if err := s.store.PutLaunchRequest(lr); err != nil {
		return nil, err
	}
	logger := log.WithRequestID(lr.ID)
	logger.Info().Msg("Launch request cancelled by user")
	return lr, nil
}

// ProcessQueue dispatches dispatchable requests oldest first: everything
// queued, plus provisioning requests whose last attempt is older than twice
// the tick (the dispatching process died between persist and launch, or the
// launch outcome was lost).
func (s *Scheduler) ProcessQueue(ctx context.Context) {
	logger := log.WithComponent("scheduler")

	requests, err := s.store.ListLaunchRequests()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list launch requests")
		return
	}

	now := s.now().UTC()
	var dispatchable []*types.LaunchRequest
	for _, lr := range requests {
		switch lr.Status {
		case types.LaunchRequestQueued:
			dispatchable = append(dispatchable, lr)
		case types.LaunchRequestProvisioning:
			if lr.LastAttemptAt != nil && now.Sub(*lr.LastAttemptAt) > 2*s.tick {
				logger.Warn().Str("request_id", lr.ID).Msg("Retrying stale provisioning request")
				dispatchable = append(dispatchable, lr)
			}
		}
	}
	sort.Slice(dispatchable, func(i, j int) bool {
		return dispatchable[i].CreatedAt.Before(dispatchable[j].CreatedAt)
	})

	var instanceTypes []*provider.InstanceType
	if len(dispatchable) > 0 {
		instanceTypes, err = s.provider.ListInstanceTypes(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to fetch live capacity, retrying next tick")
			return
		}
	}

	for _, lr := range dispatchable {
		if err := s.dispatch(ctx, lr, instanceTypes); err != nil {
			logger.Error().Err(err).Str("request_id", lr.ID).Msg("Dispatch failed")
		}
	}
}

// dispatch runs one request through the dispatch steps
func (s *Scheduler) dispatch(ctx context.Context, lr *types.LaunchRequest, instanceTypes []*provider.InstanceType) error {
	logger := log.WithRequestID(lr.ID)
	now := s.now().UTC()

	candidate, err := s.store.GetCandidate(lr.CandidateEmail)
	if err != nil || !candidate.Active() {
		lr.Status = types.LaunchRequestCancelled
		lr.CancelledAt = &now
		lr.FailureReason = "candidate_deactivated"
		logger.Info().Str("candidate", lr.CandidateEmail).Msg("Cancelling request of deactivated candidate")
		return s.store.PutLaunchRequest(lr)
	}

	if !candidate.IsAdmin() {
		vms, err := s.store.ListVMsByCandidate(candidate.Email)
		if err != nil {
			return err
		}
		for _, vm := range vms {
			if vm.Active() {
				// Still holding a VM; retry next tick
				return nil
			}
		}
	}

	typeName, region, ok := pickPair(lr, instanceTypes)
	if !ok {
		lr.Attempts++
		lr.LastAttemptAt = &now
		return s.store.PutLaunchRequest(lr)
	}

	var price int64
	for _, t := range instanceTypes {
		if t.Name == typeName {
			price = t.PriceCentsPerHour
		}
	}

	if !candidate.IsAdmin() {
		remaining, err := s.remainingCents(candidate)
		if err != nil {
			return err
		}
		if remaining < price {
			lr.Status = types.LaunchRequestFailed
			lr.FailureReason = "insufficient_quota"
			logger.Info().
				Int64("remaining_cents", remaining).
				Int64("price_cents", price).
				Msg("Launch request failed on quota")
			return s.store.PutLaunchRequest(lr)
		}
	}

	// Persist provisioning before calling launch so an overlapping tick
	// cannot dispatch the same request twice
	lr.Status = types.LaunchRequestProvisioning
	lr.Attempts++
	lr.LastAttemptAt = &now
	if err := s.store.PutLaunchRequest(lr); err != nil {
		return err
	}

	if err := s.ensureSSHKey(ctx, candidate.Email, lr.SSHPublicKey); err != nil {
		return s.requeue(lr, logger, err)
	}

	instanceID, err := s.launch(ctx, candidate, lr, typeName, region, price)
	if err != nil {
		metrics.LaunchFailuresTotal.Inc()
		if errdefs.IsUpstreamPermanent(err) {
			lr.Status = types.LaunchRequestFailed
			lr.FailureReason = "launch_rejected"
			logger.Error().Err(err).Msg("Launch rejected permanently by upstream, failing request")
			return s.store.PutLaunchRequest(lr)
		}
		return s.requeue(lr, logger, err)
	}

	fulfilledAt := s.now().UTC()
	lr.Status = types.LaunchRequestFulfilled
	lr.FulfilledAt = &fulfilledAt
	lr.FulfilledInstanceID = instanceID
	if err := s.store.PutLaunchRequest(lr); err != nil {
		return err
	}
	logger.Info().
		Str("instance_type", typeName).
		Str("region", region).
		Str("instance_id", instanceID).
		Msg("Launch request fulfilled")
	return nil
}

// requeue returns a provisioning request to the queue after a failed launch
func (s *Scheduler) requeue(lr *types.LaunchRequest, logger zerolog.Logger, cause error) error {
	logger.Warn().Err(cause).Msg("Launch failed, requeueing")
	lr.Status = types.LaunchRequestQueued
	return s.store.PutLaunchRequest(lr)
}

// launch resolves filesystems, launches any needed loader VMs, and launches
// the candidate's VM. Returns the upstream instance id.
func (s *Scheduler) launch(ctx context.Context, candidate *types.Candidate, lr *types.LaunchRequest, typeName, region string, price int64) (string, error) {
	logger := log.WithRequestID(lr.ID)

	settings, err := s.settings()
	if err != nil {
		return "", err
	}

	keyName := fsresolver.SSHKeyName(candidate.Email)
	resolution, err := s.resolver.Resolve(ctx, region, candidate.Email, lr.AttachFilesystem, settings)
	if err != nil {
		return "", err
	}

	s.launchLoaders(ctx, resolution.Loaders, keyName, logger)

	userData := fsresolver.ComposeUserData(settings.SetupScript, resolution.RemountScript)
	instanceID, err := s.provider.Launch(ctx, provider.LaunchSpec{
		Region:          region,
		InstanceType:    typeName,
		SSHKeyNames:     []string{keyName},
		FilesystemNames: resolution.FilesystemNames,
		Name:            "vm-" + fsresolver.SanitizeEmail(candidate.Email),
		UserData:        userData,
	})
	if err != nil {
		return "", fmt.Errorf("failed to launch instance: %w", err)
	}

	now := s.now().UTC()
	vm := &types.VM{
		InstanceID:        instanceID,
		CandidateEmail:    candidate.Email,
		InstanceType:      typeName,
		Region:            region,
		PriceCentsPerHour: price,
		LaunchedAt:        now,
		Status:            types.VMStatusLaunching,
		SSHKeyName:        keyName,
		LastCheckedAt:     now,
	}
	if err := s.store.PutVM(vm); err != nil {
		// The instance exists upstream but the record write failed; the
		// reconciler cannot adopt it, so terminate to avoid an orphan.
		_ = s.provider.Terminate(ctx, []string{instanceID})
		return "", fmt.Errorf("failed to persist VM record: %w", err)
	}

	metrics.LaunchesTotal.Inc()
	return instanceID, nil
}

// launchLoaders launches seeding loader VMs on the cheapest type with
// capacity. Loader failures are logged and dropped: the seed claim goes
// stale after an hour and the next launch re-seeds.
func (s *Scheduler) launchLoaders(ctx context.Context, loaders []fsresolver.LoaderSpec, keyName string, logger zerolog.Logger) {
	if len(loaders) == 0 {
		return
	}

	instanceTypes, err := s.provider.ListInstanceTypes(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list instance types for loader launch")
		return
	}

	for _, loader := range loaders {
		typeName, ok := cheapestWithCapacity(instanceTypes, loader.Region)
		if !ok {
			logger.Warn().
				Str("filesystem", loader.FilesystemName).
				Str("region", loader.Region).
				Msg("No capacity for loader VM")
			continue
		}

		instanceID, err := s.provider.Launch(ctx, provider.LaunchSpec{
			Region:          loader.Region,
			InstanceType:    typeName,
			SSHKeyNames:     []string{keyName},
			FilesystemNames: []string{loader.FilesystemName},
			Name:            fmt.Sprintf("loader-%s-%s", loader.FilesystemName, loader.Region),
			UserData:        loader.UserData,
		})
		if err != nil {
			logger.Error().Err(err).
				Str("filesystem", loader.FilesystemName).
				Msg("Failed to launch loader VM")
			continue
		}

		if err := s.resolver.RecordLoaderInstance(loader.FilesystemName, loader.Region, instanceID); err != nil {
			logger.Error().Err(err).Msg("Failed to record loader instance on seed claim")
		}
		metrics.LoadersLaunchedTotal.Inc()
		logger.Info().
			Str("filesystem", loader.FilesystemName).
			Str("region", loader.Region).
			Str("instance_id", instanceID).
			Msg("Launched loader VM")
	}
}

// ensureSSHKey registers the candidate's public key upstream under the
// deterministic per-user name and records it locally
func (s *Scheduler) ensureSSHKey(ctx context.Context, email, publicKey string) error {
	keyName := fsresolver.SSHKeyName(email)
	if _, err := s.provider.AddSSHKey(ctx, keyName, publicKey); err != nil {
		return fmt.Errorf("failed to register SSH key: %w", err)
	}
	return s.store.PutSSHKey(&types.SSHKey{
		CandidateEmail: email,
		Name:           keyName,
		PublicKey:      publicKey,
		RegisteredAt:   s.now().UTC(),
	})
}

func (s *Scheduler) checkSingleVM(email string) error {
	vms, err := s.store.ListVMsByCandidate(email)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		if vm.Active() {
			return errdefs.Conflictf("an active VM already exists")
		}
	}
	return nil
}

func (s *Scheduler) checkSingleRequest(email string) error {
	requests, err := s.store.ListLaunchRequestsByCandidate(email)
	if err != nil {
		return err
	}
	for _, lr := range requests {
		if lr.Status.Pending() {
			return errdefs.Conflictf("a launch request is already in flight")
		}
	}
	return nil
}

// remainingCents returns the candidate's quota minus authoritative spend
func (s *Scheduler) remainingCents(candidate *types.Candidate) (int64, error) {
	vms, err := s.store.ListVMsByCandidate(candidate.Email)
	if err != nil {
		return 0, err
	}
	spent := cost.ComputeSpent(vms, candidate.SpentResetAt, s.now().UTC())
	return candidate.QuotaCents() - spent, nil
}

func (s *Scheduler) settings() (*types.Settings, error) {
	settings, err := s.store.GetSettings()
	if errdefs.IsNotFound(err) {
		return &types.Settings{}, nil
	}
	return settings, err
}

// pickPair returns the first (type, region) pair in the request's
// caller-supplied order where the type has capacity in the region
func pickPair(lr *types.LaunchRequest, instanceTypes []*provider.InstanceType) (string, string, bool) {
	byName := make(map[string]*provider.InstanceType, len(instanceTypes))
	for _, t := range instanceTypes {
		byName[t.Name] = t
	}
	for _, typeName := range lr.InstanceTypes {
		t, ok := byName[typeName]
		if !ok {
			continue
		}
		for _, region := range lr.Regions {
			if t.HasCapacity(region) {
				return typeName, region, true
			}
		}
	}
	return "", "", false
}

// cheapestPrice returns the lowest hourly price among the selected types
func cheapestPrice(selected []string, byName map[string]*provider.InstanceType) int64 {
	var cheapest int64 = -1
	for _, name := range selected {
		t, ok := byName[name]
		if !ok {
			continue
		}
		if cheapest < 0 || t.PriceCentsPerHour < cheapest {
			cheapest = t.PriceCentsPerHour
		}
	}
	if cheapest < 0 {
		return 0
	}
	return cheapest
}

// cheapestWithCapacity returns the cheapest instance type with capacity in
// region
func cheapestWithCapacity(instanceTypes []*provider.InstanceType, region string) (string, bool) {
	var name string
	var price int64 = -1
	for _, t := range instanceTypes {
		if !t.HasCapacity(region) {
			continue
		}
		if price < 0 || t.PriceCentsPerHour < price {
			name = t.Name
			price = t.PriceCentsPerHour
		}
	}
	return name, price >= 0
}

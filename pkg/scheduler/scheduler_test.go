package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/fsresolver"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/provider/providertest"
	"github.com/cuemby/paddock/pkg/storage"
	"github.com/cuemby/paddock/pkg/types"
)

type fixture struct {
	store     storage.Store
	fake      *providertest.Fake
	scheduler *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := providertest.NewFake()
	fake.AddType("gpu_1x_a10", 75, "us-east-1", "us-west-2")
	fake.AddType("gpu_1x_h100", 249, "us-east-1")

	resolver := fsresolver.NewResolver(store, fake, "https://paddock.example.com")
	return &fixture{
		store:     store,
		fake:      fake,
		scheduler: NewScheduler(store, fake, resolver, time.Minute),
	}
}

func (f *fixture) addCandidate(t *testing.T, email string, quotaDollars int) *types.Candidate {
	t.Helper()
	c := &types.Candidate{
		Email:        email,
		Role:         types.RoleCandidate,
		QuotaDollars: quotaDollars,
		AddedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.store.PutCandidate(c))
	return c
}

func basicSpec() SubmitSpec {
	return SubmitSpec{
		InstanceTypes:    []string{"gpu_1x_a10"},
		Regions:          []string{"us-east-1"},
		SSHPublicKey:     "ssh-ed25519 AAAA test",
		AttachFilesystem: false,
	}
}

func TestSubmitImmediateFulfillment(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFulfilled, lr.Status)
	assert.NotEmpty(t, lr.FulfilledInstanceID)

	vm, err := f.store.GetVM(lr.FulfilledInstanceID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", vm.CandidateEmail)
	assert.Equal(t, "gpu_1x_a10", vm.InstanceType)
	assert.Equal(t, int64(75), vm.PriceCentsPerHour)
	assert.Equal(t, types.VMStatusLaunching, vm.Status)

	// The SSH key was registered upstream under the deterministic name
	key, ok := f.fake.SSHKeys["web-alice-example-org"]
	require.True(t, ok)
	assert.Equal(t, "ssh-ed25519 AAAA test", key.PublicKey)

	require.Len(t, f.fake.Launched, 1)
	assert.True(t, strings.HasPrefix(f.fake.Launched[0].UserData, "#!/bin/bash\nset -euo pipefail\n"))
}

func TestSubmitAttachesPersonalFilesystem(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)

	spec := basicSpec()
	spec.AttachFilesystem = true
	lr, err := f.scheduler.Submit(context.Background(), c, spec)
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFulfilled, lr.Status)

	require.Len(t, f.fake.Launched, 1)
	assert.Contains(t, f.fake.Launched[0].FilesystemNames, "fs-alice-example-org-us-east-1")
}

func TestSubmitQueuesWithoutCapacity(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	f.fake.SetCapacity("gpu_1x_a10")

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestQueued, lr.Status)
	assert.Empty(t, f.fake.Launched)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)

	tests := []struct {
		name   string
		mutate func(*SubmitSpec)
	}{
		{"no instance types", func(s *SubmitSpec) { s.InstanceTypes = nil }},
		{"no regions", func(s *SubmitSpec) { s.Regions = nil }},
		{"no ssh key", func(s *SubmitSpec) { s.SSHPublicKey = "" }},
		{"unknown type", func(s *SubmitSpec) { s.InstanceTypes = []string{"gpu_9x_unobtainium"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := basicSpec()
			tt.mutate(&spec)
			_, err := f.scheduler.Submit(context.Background(), c, spec)
			assert.True(t, errdefs.IsValidation(err))
		})
	}
}

func TestSubmitSingleVMGuard(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)

	_, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)

	_, err = f.scheduler.Submit(context.Background(), c, basicSpec())
	assert.True(t, errdefs.IsConflict(err))
}

func TestSubmitSingleRequestGuard(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	f.fake.SetCapacity("gpu_1x_a10")
	f.fake.SetCapacity("gpu_1x_h100")

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)
	require.Equal(t, types.LaunchRequestQueued, lr.Status)

	_, err = f.scheduler.Submit(context.Background(), c, basicSpec())
	assert.True(t, errdefs.IsConflict(err))
}

func TestSubmitAdminBypassesGuards(t *testing.T) {
	f := newFixture(t)
	admin := &types.Candidate{
		Email:        "admin@example.org",
		Role:         types.RoleAdmin,
		QuotaDollars: 9999,
	}
	require.NoError(t, f.store.PutCandidate(admin))

	_, err := f.scheduler.Submit(context.Background(), admin, basicSpec())
	require.NoError(t, err)
	_, err = f.scheduler.Submit(context.Background(), admin, basicSpec())
	require.NoError(t, err)
	assert.Len(t, f.fake.Launched, 2)
}

func TestSubmitSoftQuotaCheck(t *testing.T) {
	f := newFixture(t)
	// Quota of 0 dollars cannot afford the cheapest type
	c := f.addCandidate(t, "broke@example.org", 0)

	_, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	assert.True(t, errdefs.IsQuotaExhausted(err))
}

func TestSubmitPrefersCallerOrder(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)

	spec := basicSpec()
	spec.InstanceTypes = []string{"gpu_1x_h100", "gpu_1x_a10"}
	spec.Regions = []string{"us-west-2", "us-east-1"}

	lr, err := f.scheduler.Submit(context.Background(), c, spec)
	require.NoError(t, err)
	require.Equal(t, types.LaunchRequestFulfilled, lr.Status)

	// h100 has no us-west-2 capacity, so the first viable pair is
	// (gpu_1x_h100, us-east-1)
	require.Len(t, f.fake.Launched, 1)
	assert.Equal(t, "gpu_1x_h100", f.fake.Launched[0].InstanceType)
	assert.Equal(t, "us-east-1", f.fake.Launched[0].Region)
}

func TestCancelQueued(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	f.fake.SetCapacity("gpu_1x_a10")

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)

	cancelled, err := f.scheduler.Cancel(lr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
}

func TestCancelNonQueuedRejected(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)
	require.Equal(t, types.LaunchRequestFulfilled, lr.Status)

	_, err = f.scheduler.Cancel(lr.ID)
	assert.True(t, errdefs.IsValidation(err))
}

func TestCancelCancelledIsNoOp(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	f.fake.SetCapacity("gpu_1x_a10")

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)

	first, err := f.scheduler.Cancel(lr.ID)
	require.NoError(t, err)

	second, err := f.scheduler.Cancel(lr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestCancelled, second.Status)
	assert.Equal(t, first.CancelledAt, second.CancelledAt)
}

func TestLaunchNowRejectedWhilePendingRequest(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	f.fake.SetCapacity("gpu_1x_h100")

	require.NoError(t, f.store.PutLaunchRequest(&types.LaunchRequest{
		ID:             "lr-waiting",
		CandidateEmail: "alice@example.org",
		InstanceTypes:  []string{"gpu_1x_h100"},
		Regions:        []string{"us-east-1"},
		SSHPublicKey:   "ssh-ed25519 AAAA",
		Status:         types.LaunchRequestQueued,
		CreatedAt:      time.Now().UTC(),
	}))

	_, err := f.scheduler.LaunchNow(context.Background(), c, "gpu_1x_a10", "us-east-1", "ssh-ed25519 AAAA", false)
	assert.True(t, errdefs.IsConflict(err))
	assert.Empty(t, f.fake.Launched)
}

func TestProcessQueueFulfillsWhenCapacityAppears(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	f.fake.SetCapacity("gpu_1x_a10")

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)
	require.Equal(t, types.LaunchRequestQueued, lr.Status)

	// First tick: still no capacity; attempts increment
	f.scheduler.ProcessQueue(context.Background())
	lr, err = f.store.GetLaunchRequest(lr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestQueued, lr.Status)
	assert.Equal(t, 1, lr.Attempts)

	// Capacity returns
	f.fake.SetCapacity("gpu_1x_a10", "us-east-1")
	f.scheduler.ProcessQueue(context.Background())

	lr, err = f.store.GetLaunchRequest(lr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFulfilled, lr.Status)
	assert.NotEmpty(t, lr.FulfilledInstanceID)
}

func TestProcessQueueFIFO(t *testing.T) {
	f := newFixture(t)
	f.fake.SetCapacity("gpu_1x_a10")

	first := f.addCandidate(t, "first@example.org", 50)
	second := f.addCandidate(t, "second@example.org", 50)

	base := time.Now().UTC()
	f.scheduler.now = func() time.Time { return base }
	_, err := f.scheduler.Submit(context.Background(), first, basicSpec())
	require.NoError(t, err)
	f.scheduler.now = func() time.Time { return base.Add(time.Second) }
	_, err = f.scheduler.Submit(context.Background(), second, basicSpec())
	require.NoError(t, err)

	f.fake.SetCapacity("gpu_1x_a10", "us-east-1")
	f.scheduler.ProcessQueue(context.Background())

	require.Len(t, f.fake.Launched, 2)
	assert.Equal(t, "vm-first-example-org", f.fake.Launched[0].Name)
	assert.Equal(t, "vm-second-example-org", f.fake.Launched[1].Name)
}

func TestProcessQueueCancelsDeactivatedCandidate(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	f.fake.SetCapacity("gpu_1x_a10")

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)

	now := time.Now().UTC()
	c.DeactivatedAt = &now
	require.NoError(t, f.store.PutCandidate(c))

	f.fake.SetCapacity("gpu_1x_a10", "us-east-1")
	f.scheduler.ProcessQueue(context.Background())

	lr, err = f.store.GetLaunchRequest(lr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestCancelled, lr.Status)
	assert.Equal(t, "candidate_deactivated", lr.FailureReason)
	assert.Empty(t, f.fake.Launched)
}

func TestProcessQueueFailsOnQuota(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	f.fake.SetCapacity("gpu_1x_a10")

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)

	// The quota was consumed while the request waited
	c.QuotaDollars = 0
	require.NoError(t, f.store.PutCandidate(c))

	f.fake.SetCapacity("gpu_1x_a10", "us-east-1")
	f.scheduler.ProcessQueue(context.Background())

	lr, err = f.store.GetLaunchRequest(lr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFailed, lr.Status)
	assert.Equal(t, "insufficient_quota", lr.FailureReason)
}

func TestProcessQueueSkipsCandidateWithActiveVM(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)

	require.NoError(t, f.store.PutVM(&types.VM{
		InstanceID:     "i-existing",
		CandidateEmail: "alice@example.org",
		Status:         types.VMStatusActive,
		LaunchedAt:     time.Now().UTC(),
	}))
	require.NoError(t, f.store.PutLaunchRequest(&types.LaunchRequest{
		ID:             "lr-1",
		CandidateEmail: "alice@example.org",
		InstanceTypes:  []string{"gpu_1x_a10"},
		Regions:        []string{"us-east-1"},
		SSHPublicKey:   "ssh-ed25519 AAAA",
		Status:         types.LaunchRequestQueued,
		CreatedAt:      time.Now().UTC(),
	}))

	f.scheduler.ProcessQueue(context.Background())

	lr, err := f.store.GetLaunchRequest("lr-1")
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestQueued, lr.Status)
	assert.Empty(t, f.fake.Launched)
}

func TestProcessQueueRequeuesOnLaunchFailure(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)
	require.NoError(t, f.store.PutLaunchRequest(&types.LaunchRequest{
		ID:             "lr-1",
		CandidateEmail: "alice@example.org",
		InstanceTypes:  []string{"gpu_1x_a10"},
		Regions:        []string{"us-east-1"},
		SSHPublicKey:   "ssh-ed25519 AAAA",
		Status:         types.LaunchRequestQueued,
		CreatedAt:      time.Now().UTC(),
	}))

	f.fake.LaunchErr = assert.AnError
	f.scheduler.ProcessQueue(context.Background())

	lr, err := f.store.GetLaunchRequest("lr-1")
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestQueued, lr.Status)
	assert.Equal(t, 1, lr.Attempts)

	// Next tick succeeds
	f.fake.LaunchErr = nil
	f.scheduler.ProcessQueue(context.Background())
	lr, err = f.store.GetLaunchRequest("lr-1")
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFulfilled, lr.Status)
}

func TestProcessQueueFailsOnPermanentLaunchError(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)
	require.NoError(t, f.store.PutLaunchRequest(&types.LaunchRequest{
		ID:             "lr-1",
		CandidateEmail: "alice@example.org",
		InstanceTypes:  []string{"gpu_1x_a10"},
		Regions:        []string{"us-east-1"},
		SSHPublicKey:   "ssh-ed25519 AAAA",
		Status:         types.LaunchRequestQueued,
		CreatedAt:      time.Now().UTC(),
	}))

	f.fake.LaunchErr = &provider.Error{
		Kind:   errdefs.ErrUpstreamPermanent,
		Status: 400,
		Code:   "instance-operations/launch/invalid-request",
	}
	f.scheduler.ProcessQueue(context.Background())

	lr, err := f.store.GetLaunchRequest("lr-1")
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFailed, lr.Status)
	assert.Equal(t, "launch_rejected", lr.FailureReason)

	// Failed is terminal; further ticks do not retry it
	f.fake.LaunchErr = nil
	f.scheduler.ProcessQueue(context.Background())
	lr, err = f.store.GetLaunchRequest("lr-1")
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFailed, lr.Status)
	assert.Empty(t, f.fake.Launched)
}

func TestProcessQueueRetriesStaleProvisioning(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)

	stale := time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, f.store.PutLaunchRequest(&types.LaunchRequest{
		ID:             "lr-stuck",
		CandidateEmail: "alice@example.org",
		InstanceTypes:  []string{"gpu_1x_a10"},
		Regions:        []string{"us-east-1"},
		SSHPublicKey:   "ssh-ed25519 AAAA",
		Status:         types.LaunchRequestProvisioning,
		CreatedAt:      stale,
		Attempts:       1,
		LastAttemptAt:  &stale,
	}))

	f.scheduler.ProcessQueue(context.Background())

	lr, err := f.store.GetLaunchRequest("lr-stuck")
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFulfilled, lr.Status)
}

func TestProcessQueueLeavesFreshProvisioning(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)

	recent := time.Now().UTC().Add(-30 * time.Second)
	require.NoError(t, f.store.PutLaunchRequest(&types.LaunchRequest{
		ID:             "lr-fresh",
		CandidateEmail: "alice@example.org",
		InstanceTypes:  []string{"gpu_1x_a10"},
		Regions:        []string{"us-east-1"},
		SSHPublicKey:   "ssh-ed25519 AAAA",
		Status:         types.LaunchRequestProvisioning,
		CreatedAt:      recent,
		Attempts:       1,
		LastAttemptAt:  &recent,
	}))

	f.scheduler.ProcessQueue(context.Background())

	lr, err := f.store.GetLaunchRequest("lr-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestProvisioning, lr.Status)
	assert.Empty(t, f.fake.Launched)
}

func TestLaunchSeedsDefaultFilesystems(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	require.NoError(t, f.store.PutSettings(&types.Settings{
		SeedCompleteSecret: "seed-secret",
		DefaultFilesystems: []types.DefaultFilesystem{{
			Name:       "datasets",
			SourceType: types.FetcherS3,
			SourceURL:  "s3://bucket/datasets",
		}},
	}))

	lr, err := f.scheduler.Submit(context.Background(), c, basicSpec())
	require.NoError(t, err)
	require.Equal(t, types.LaunchRequestFulfilled, lr.Status)

	// One loader plus the user VM, loader first
	require.Len(t, f.fake.Launched, 2)
	loader := f.fake.Launched[0]
	assert.Equal(t, "loader-datasets-us-east-1", loader.Name)
	assert.Equal(t, []string{"datasets"}, loader.FilesystemNames)
	// Cheapest type with capacity in the region carries the loader
	assert.Equal(t, "gpu_1x_a10", loader.InstanceType)
	assert.Contains(t, loader.UserData, "aws s3 sync")

	userVM := f.fake.Launched[1]
	assert.Contains(t, userVM.FilesystemNames, "datasets")
	assert.Contains(t, userVM.UserData, "remount,ro")

	// The loader instance id was recorded on the seed claim
	st, err := f.store.GetSeedStatus("datasets", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeedStateSeeding, st.Status)
	assert.NotEmpty(t, st.SeedingInstanceID)
}

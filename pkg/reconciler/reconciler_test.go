package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/paddock/pkg/fsresolver"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/provider/providertest"
	"github.com/cuemby/paddock/pkg/scheduler"
	"github.com/cuemby/paddock/pkg/storage"
	"github.com/cuemby/paddock/pkg/types"
)

type fixture struct {
	store      storage.Store
	fake       *providertest.Fake
	reconciler *Reconciler
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := providertest.NewFake()
	fake.AddType("gpu_1x_a10", 75, "us-east-1")

	resolver := fsresolver.NewResolver(store, fake, "https://paddock.example.com")
	sched := scheduler.NewScheduler(store, fake, resolver, time.Minute)
	rec := NewReconciler(store, fake, sched, resolver, time.Minute)

	f := &fixture{store: store, fake: fake, reconciler: rec, now: time.Now().UTC()}
	rec.now = func() time.Time { return f.now }
	return f
}

// addVM seeds a local VM record and a matching upstream instance
func (f *fixture) addVM(t *testing.T, email, instanceID string, priceCentsPerHour int64, launchedAt time.Time) *types.VM {
	t.Helper()
	vm := &types.VM{
		InstanceID:        instanceID,
		CandidateEmail:    email,
		InstanceType:      "gpu_1x_a10",
		Region:            "us-east-1",
		PriceCentsPerHour: priceCentsPerHour,
		LaunchedAt:        launchedAt,
		Status:            types.VMStatusLaunching,
		SSHKeyName:        fsresolver.SSHKeyName(email),
	}
	require.NoError(t, f.store.PutVM(vm))
	f.fake.Instances[instanceID] = &provider.Instance{
		ID:                instanceID,
		Status:            "booting",
		Region:            "us-east-1",
		InstanceTypeName:  "gpu_1x_a10",
		PriceCentsPerHour: priceCentsPerHour,
	}
	return vm
}

func (f *fixture) addCandidate(t *testing.T, email string, quotaDollars int) *types.Candidate {
	t.Helper()
	c := &types.Candidate{
		Email:        email,
		Role:         types.RoleCandidate,
		QuotaDollars: quotaDollars,
		AddedAt:      f.now,
	}
	require.NoError(t, f.store.PutCandidate(c))
	return c
}

func TestSyncRefreshesStatusAndAccrual(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)
	f.addVM(t, "alice@example.org", "i-1", 75, f.now.Add(-10*time.Minute))
	f.fake.SetInstanceStatus("i-1", "active", "10.0.0.5")

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	vm, err := f.store.GetVM("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.VMStatus("active"), vm.Status)
	assert.Equal(t, "10.0.0.5", vm.IPAddress)
	// 10 minutes at 75 cents/hour: ceil(10*75/60) = 13
	assert.Equal(t, int64(13), vm.AccruedCents)

	c, err := f.store.GetCandidate("alice@example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(13), c.SpentCents)
}

func TestSyncMarksExternallyTerminated(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)
	f.addVM(t, "alice@example.org", "i-1", 75, f.now.Add(-10*time.Minute))
	f.fake.RemoveInstance("i-1")

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	vm, err := f.store.GetVM("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusTerminated, vm.Status)
	assert.NotNil(t, vm.TerminatedAt)
	assert.Equal(t, types.TerminationExternally, vm.TerminationReason)
	assert.Equal(t, int64(13), vm.AccruedCents)
}

func TestSyncTerminatesOverQuota(t *testing.T) {
	f := newFixture(t)
	// Quota of $1; a 31-minute run at 200 cents/hour accrues
	// ceil(31*200/60) = 104 cents, which exceeds 100
	f.addCandidate(t, "alice@example.org", 1)
	f.addVM(t, "alice@example.org", "i-1", 200, f.now.Add(-31*time.Minute))
	f.fake.SetInstanceStatus("i-1", "active", "10.0.0.5")

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	vm, err := f.store.GetVM("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.TerminationQuotaExceeded, vm.TerminationReason)
	assert.Contains(t, f.fake.Terminated, "i-1")

	c, err := f.store.GetCandidate("alice@example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(104), c.SpentCents)
}

func TestSyncUnderQuotaKeepsRunning(t *testing.T) {
	f := newFixture(t)
	// 30 minutes at 200 cents/hour is exactly 100 cents against a $2 quota
	f.addCandidate(t, "alice@example.org", 2)
	f.addVM(t, "alice@example.org", "i-1", 200, f.now.Add(-30*time.Minute))
	f.fake.SetInstanceStatus("i-1", "active", "10.0.0.5")

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	vm, err := f.store.GetVM("i-1")
	require.NoError(t, err)
	assert.True(t, vm.Active())
	assert.Empty(t, f.fake.Terminated)
}

func TestSyncTerminatesDeactivatedCandidate(t *testing.T) {
	f := newFixture(t)
	c := f.addCandidate(t, "alice@example.org", 50)
	deactivated := f.now
	c.DeactivatedAt = &deactivated
	require.NoError(t, f.store.PutCandidate(c))

	f.addVM(t, "alice@example.org", "i-1", 75, f.now.Add(-5*time.Minute))

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	vm, err := f.store.GetVM("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.TerminationAccountRemoved, vm.TerminationReason)
}

func TestSyncEnforcesMaxVMHours(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 500)
	require.NoError(t, f.store.PutSettings(&types.Settings{MaxVMHours: 8}))

	f.addVM(t, "alice@example.org", "i-old", 75, f.now.Add(-9*time.Hour))
	f.addVM(t, "bob@example.org", "i-new", 75, f.now.Add(-1*time.Hour))
	f.addCandidate(t, "bob@example.org", 500)

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	old, err := f.store.GetVM("i-old")
	require.NoError(t, err)
	assert.Equal(t, types.TerminationMaxHoursExceeded, old.TerminationReason)

	fresh, err := f.store.GetVM("i-new")
	require.NoError(t, err)
	assert.True(t, fresh.Active())
}

func TestSyncMaxHoursOffByDefault(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 500)
	f.addVM(t, "alice@example.org", "i-1", 75, f.now.Add(-100*time.Hour))

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	vm, err := f.store.GetVM("i-1")
	require.NoError(t, err)
	// Accrued far over any hourly policy but under the $500 quota
	assert.True(t, vm.Active())
}

func TestSyncTerminateFailureRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 1)
	f.addVM(t, "alice@example.org", "i-1", 200, f.now.Add(-31*time.Minute))

	f.fake.TerminateErr = assert.AnError
	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	// Local record untouched; upstream still runs the instance
	vm, err := f.store.GetVM("i-1")
	require.NoError(t, err)
	assert.True(t, vm.Active())

	f.fake.TerminateErr = nil
	require.NoError(t, f.reconciler.syncVMs(context.Background()))
	vm, err = f.store.GetVM("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.TerminationQuotaExceeded, vm.TerminationReason)
}

func TestSyncCleansUpSSHKeys(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)

	keyName := fsresolver.SSHKeyName("alice@example.org")
	_, err := f.fake.AddSSHKey(context.Background(), keyName, "ssh-ed25519 AAAA")
	require.NoError(t, err)
	require.NoError(t, f.store.PutSSHKey(&types.SSHKey{
		CandidateEmail: "alice@example.org",
		Name:           keyName,
		PublicKey:      "ssh-ed25519 AAAA",
		RegisteredAt:   f.now,
	}))

	// The candidate's only VM is already terminated
	terminated := f.now.Add(-time.Hour)
	require.NoError(t, f.store.PutVM(&types.VM{
		InstanceID:     "i-done",
		CandidateEmail: "alice@example.org",
		LaunchedAt:     f.now.Add(-2 * time.Hour),
		Status:         types.VMStatusTerminated,
		TerminatedAt:   &terminated,
	}))

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	_, ok := f.fake.SSHKeys[keyName]
	assert.False(t, ok, "upstream key should be deleted")
	keys, err := f.store.ListSSHKeysByCandidate("alice@example.org")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSyncKeepsSSHKeysWhileVMActive(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)
	f.addVM(t, "alice@example.org", "i-1", 75, f.now.Add(-5*time.Minute))

	keyName := fsresolver.SSHKeyName("alice@example.org")
	_, err := f.fake.AddSSHKey(context.Background(), keyName, "ssh-ed25519 AAAA")
	require.NoError(t, err)
	require.NoError(t, f.store.PutSSHKey(&types.SSHKey{
		CandidateEmail: "alice@example.org",
		Name:           keyName,
		RegisteredAt:   f.now,
	}))

	require.NoError(t, f.reconciler.syncVMs(context.Background()))

	_, ok := f.fake.SSHKeys[keyName]
	assert.True(t, ok)
}

func TestReconcileProcessesQueue(t *testing.T) {
	f := newFixture(t)
	f.addCandidate(t, "alice@example.org", 50)
	require.NoError(t, f.store.PutLaunchRequest(&types.LaunchRequest{
		ID:             "lr-1",
		CandidateEmail: "alice@example.org",
		InstanceTypes:  []string{"gpu_1x_a10"},
		Regions:        []string{"us-east-1"},
		SSHPublicKey:   "ssh-ed25519 AAAA",
		Status:         types.LaunchRequestQueued,
		CreatedAt:      f.now,
	}))

	f.reconciler.Reconcile(context.Background())

	lr, err := f.store.GetLaunchRequest("lr-1")
	require.NoError(t, err)
	assert.Equal(t, types.LaunchRequestFulfilled, lr.Status)
}

func TestReconcilePrunesStaleSeedClaims(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutSeedStatus(&types.SeedStatus{
		FilesystemName: "datasets",
		Region:         "us-east-1",
		Status:         types.SeedStateSeeding,
		ClaimedAt:      f.now.Add(-2 * time.Hour),
	}))

	f.reconciler.Reconcile(context.Background())

	_, err := f.store.GetSeedStatus("datasets", "us-east-1")
	assert.Error(t, err)
}

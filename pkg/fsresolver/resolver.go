package fsresolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/storage"
	"github.com/cuemby/paddock/pkg/types"
)

// DefaultStaleAfter is how long a seeding claim may go uncompleted before
// another launch is allowed to reclaim it
const DefaultStaleAfter = 60 * time.Minute

// LoaderSpec describes a loader VM the scheduler should launch to seed a
// shared filesystem in one region
type LoaderSpec struct {
	FilesystemName string
	Region         string
	UserData       string
}

// Resolution is the filesystem outcome of a launch: the upstream filesystem
// names to attach, any loader VMs to launch first, and the boot-script
// fragment that remounts the shared filesystems read-only.
type Resolution struct {
	FilesystemNames []string
	Loaders         []LoaderSpec
	RemountScript   string
}

// Resolver prepares filesystems for a launch: it creates the configured
// shared filesystems and the candidate's personal filesystem upstream on
// first use, and coordinates one-time seeding of shared filesystems via the
// seed claim records in the store.
type Resolver struct {
	store      storage.Store
	provider   provider.API
	baseURL    string
	staleAfter time.Duration
	now        func() time.Time
}

// NewResolver creates a resolver. baseURL is the externally reachable
// control-plane URL loader VMs call back to.
func NewResolver(store storage.Store, api provider.API, baseURL string) *Resolver {
	return &Resolver{
		store:      store,
		provider:   api,
		baseURL:    baseURL,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// Resolve ensures every filesystem a launch in region needs exists upstream
// and returns what to attach. Shared filesystems not yet seeded in the
// region are claimed for seeding and returned as loaders; the claim is
// last-writer-wins, so a lost race costs at most one redundant loader VM.
func (r *Resolver) Resolve(ctx context.Context, region, email string, attachPersonal bool, settings *types.Settings) (*Resolution, error) {
	logger := log.WithComponent("fsresolver")
	res := &Resolution{}

	for _, fs := range settings.DefaultFilesystems {
		if _, err := r.provider.CreateFilesystem(ctx, fs.Name, region); err != nil {
			return nil, fmt.Errorf("failed to ensure filesystem %s in %s: %w", fs.Name, region, err)
		}
		res.FilesystemNames = append(res.FilesystemNames, fs.Name)
		res.RemountScript += RemountReadonlyCommand(fs.Name) + "\n"

		needsSeed, err := r.claimSeedIfNeeded(fs.Name, region)
		if err != nil {
			return nil, err
		}
		if !needsSeed {
			continue
		}

		secret, err := r.ensureSeedSecret(settings)
		if err != nil {
			return nil, err
		}
		userData, err := LoaderScript(fs, region, r.baseURL, secret)
		if err != nil {
			return nil, err
		}
		logger.Info().
			Str("filesystem", fs.Name).
			Str("region", region).
			Msg("Claimed filesystem for seeding")
		res.Loaders = append(res.Loaders, LoaderSpec{
			FilesystemName: fs.Name,
			Region:         region,
			UserData:       userData,
		})
	}

	if attachPersonal {
		name := PersonalFilesystemName(email, region)
		if _, err := r.provider.CreateFilesystem(ctx, name, region); err != nil {
			return nil, fmt.Errorf("failed to ensure personal filesystem %s: %w", name, err)
		}
		// Personal filesystems stay read-write, so no remount fragment
		res.FilesystemNames = append(res.FilesystemNames, name)
	}

	return res, nil
}

// ensureSeedSecret returns the seed-complete secret, generating and
// persisting one on first use so loader callbacks can always authenticate.
// The settings document is updated in place so the caller renders every
// loader script of this resolution with the same secret.
func (r *Resolver) ensureSeedSecret(settings *types.Settings) (string, error) {
	if settings.SeedCompleteSecret != "" {
		return settings.SeedCompleteSecret, nil
	}

	stored, err := r.store.GetSettings()
	if errdefs.IsNotFound(err) {
		stored = settings
	} else if err != nil {
		return "", err
	}
	if stored.SeedCompleteSecret == "" {
		stored.SeedCompleteSecret = uuid.New().String()
		if err := r.store.PutSettings(stored); err != nil {
			return "", fmt.Errorf("failed to persist seed-complete secret: %w", err)
		}
	}
	settings.SeedCompleteSecret = stored.SeedCompleteSecret
	return stored.SeedCompleteSecret, nil
}

// claimSeedIfNeeded reports whether the caller should launch a loader for
// (name, region), writing a fresh seeding claim when it should. A ready
// claim or a live in-progress claim means no loader is needed.
func (r *Resolver) claimSeedIfNeeded(name, region string) (bool, error) {
	now := r.now().UTC()

	st, err := r.store.GetSeedStatus(name, region)
	if err == nil {
		if st.Status == types.SeedStateReady {
			return false, nil
		}
		if now.Sub(st.ClaimedAt) < r.staleAfter {
			return false, nil
		}
		// Stale claim: the loader died or never reported. Reclaim.
	} else if !errdefs.IsNotFound(err) {
		return false, err
	}

	claim := &types.SeedStatus{
		FilesystemName: name,
		Region:         region,
		Status:         types.SeedStateSeeding,
		ClaimedAt:      now,
	}
	if err := r.store.PutSeedStatus(claim); err != nil {
		return false, err
	}
	return true, nil
}

// RecordLoaderInstance attaches the launched loader's instance id to the
// seed claim so operators can find it
func (r *Resolver) RecordLoaderInstance(name, region, instanceID string) error {
	st, err := r.store.GetSeedStatus(name, region)
	if err != nil {
		return err
	}
	st.SeedingInstanceID = instanceID
	return r.store.PutSeedStatus(st)
}

// CompleteSeed marks (name, region) as seeded. It is idempotent: repeated
// callbacks from a retrying loader keep the first completion time.
func (r *Resolver) CompleteSeed(name, region string) error {
	st, err := r.store.GetSeedStatus(name, region)
	if errdefs.IsNotFound(err) {
		// The claim was pruned as stale while the loader kept running.
		// Record the completion anyway; the data is there.
		st = &types.SeedStatus{
			FilesystemName: name,
			Region:         region,
			ClaimedAt:      r.now().UTC(),
		}
	} else if err != nil {
		return err
	}

	if st.Status == types.SeedStateReady {
		return nil
	}
	now := r.now().UTC()
	st.Status = types.SeedStateReady
	st.CompletedAt = &now
	return r.store.PutSeedStatus(st)
}

// PruneStaleClaims deletes seeding claims older than the staleness window
// so the next launch re-seeds. Returns the number pruned.
func (r *Resolver) PruneStaleClaims() (int, error) {
	statuses, err := r.store.ListSeedStatuses()
	if err != nil {
		return 0, err
	}

	logger := log.WithComponent("fsresolver")
	now := r.now().UTC()
	pruned := 0
	for _, st := range statuses {
		if st.Status != types.SeedStateSeeding || now.Sub(st.ClaimedAt) < r.staleAfter {
			continue
		}
		if err := r.store.DeleteSeedStatus(st.FilesystemName, st.Region); err != nil {
			logger.Error().Err(err).
				Str("filesystem", st.FilesystemName).
				Str("region", st.Region).
				Msg("Failed to prune stale seed claim")
			continue
		}
		logger.Warn().
			Str("filesystem", st.FilesystemName).
			Str("region", st.Region).
			Time("claimed_at", st.ClaimedAt).
			Msg("Pruned stale seed claim")
		pruned++
	}
	return pruned, nil
}

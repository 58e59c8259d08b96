package storage

import (
	"github.com/cuemby/paddock/pkg/types"
)

// Store defines the interface for control-plane state storage.
// All operations are strongly consistent on a single key; there is no
// multi-key transaction. Callers follow a read-mutate-write discipline with
// last-writer-wins semantics (see package doc).
//
// Get methods return errdefs.ErrNotFound (wrapped) when the key is absent.
type Store interface {
	// Candidates, keyed by lowercased email. Candidates are deactivated in
	// place, never deleted, so the interface deliberately has no delete.
	PutCandidate(c *types.Candidate) error
	GetCandidate(email string) (*types.Candidate, error)
	ListCandidates() ([]*types.Candidate, error)

	// VMs, keyed by upstream instance id. VM records are never deleted.
	PutVM(vm *types.VM) error
	GetVM(instanceID string) (*types.VM, error)
	ListVMs() ([]*types.VM, error)
	ListVMsByCandidate(email string) ([]*types.VM, error)

	// Launch requests, keyed by request id.
	PutLaunchRequest(lr *types.LaunchRequest) error
	GetLaunchRequest(id string) (*types.LaunchRequest, error)
	ListLaunchRequests() ([]*types.LaunchRequest, error)
	ListLaunchRequestsByCandidate(email string) ([]*types.LaunchRequest, error)

	// SSH keys, keyed by (email, key name).
	PutSSHKey(key *types.SSHKey) error
	GetSSHKey(email, name string) (*types.SSHKey, error)
	ListSSHKeysByCandidate(email string) ([]*types.SSHKey, error)
	DeleteSSHKey(email, name string) error

	// Seed statuses, keyed by (filesystem name, region).
	PutSeedStatus(st *types.SeedStatus) error
	GetSeedStatus(filesystemName, region string) (*types.SeedStatus, error)
	ListSeedStatuses() ([]*types.SeedStatus, error)
	DeleteSeedStatus(filesystemName, region string) error

	// Settings singleton.
	GetSettings() (*types.Settings, error)
	PutSettings(s *types.Settings) error

	// Utility
	Close() error
}

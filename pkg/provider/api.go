package provider

import "context"

// API is the set of upstream operations the control plane consumes.
// *Client implements it; tests substitute an in-memory fake
// (see providertest).
type API interface {
	ListInstanceTypes(ctx context.Context) ([]*InstanceType, error)
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	Terminate(ctx context.Context, instanceIDs []string) error
	Restart(ctx context.Context, instanceID string) error
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)

	ListSSHKeys(ctx context.Context) ([]*SSHKey, error)
	AddSSHKey(ctx context.Context, name, publicKey string) (*SSHKey, error)
	DeleteSSHKey(ctx context.Context, id string) error

	ListFilesystems(ctx context.Context) ([]*Filesystem, error)
	CreateFilesystem(ctx context.Context, name, region string) (*Filesystem, error)
	DeleteFilesystem(ctx context.Context, id string) error
}

var _ API = (*Client)(nil)

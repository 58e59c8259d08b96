// Package providertest provides an in-memory fake of the provider API for
// tests of the scheduler, reconciler, resolver, and HTTP handlers.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/provider"
)

// Fake implements provider.API against in-memory state. All mutating
// methods are safe for concurrent use. Error injection hooks let tests
// simulate upstream failures per operation.
type Fake struct {
	mu sync.Mutex

	Types       []*provider.InstanceType
	Instances   map[string]*provider.Instance
	SSHKeys     map[string]*provider.SSHKey    // by name
	Filesystems map[string]*provider.Filesystem // by name|region

	nextID int

	// LaunchErr, when set, is returned by Launch
	LaunchErr error
	// TerminateErr, when set, is returned by Terminate
	TerminateErr error

	// Launched records every accepted launch spec in order
	Launched []provider.LaunchSpec
	// Terminated records every id passed to Terminate
	Terminated []string
}

// NewFake returns an empty fake provider
func NewFake() *Fake {
	return &Fake{
		Instances:   make(map[string]*provider.Instance),
		SSHKeys:     make(map[string]*provider.SSHKey),
		Filesystems: make(map[string]*provider.Filesystem),
	}
}

// AddType registers an instance type with capacity in the given regions
func (f *Fake) AddType(name string, priceCentsPerHour int64, regions ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.Types {
		if t.Name == name {
			t.PriceCentsPerHour = priceCentsPerHour
			t.RegionsWithCapacity = regions
			return
		}
	}
	f.Types = append(f.Types, &provider.InstanceType{
		Name:                name,
		PriceCentsPerHour:   priceCentsPerHour,
		RegionsWithCapacity: regions,
	})
}

// SetCapacity replaces the capacity list of an existing type
func (f *Fake) SetCapacity(name string, regions ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.Types {
		if t.Name == name {
			t.RegionsWithCapacity = regions
		}
	}
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}

func (f *Fake) ListInstanceTypes(ctx context.Context) ([]*provider.InstanceType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.InstanceType, len(f.Types))
	copy(out, f.Types)
	return out, nil
}

func (f *Fake) Launch(ctx context.Context, spec provider.LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LaunchErr != nil {
		return "", f.LaunchErr
	}

	var price int64
	found := false
	for _, t := range f.Types {
		if t.Name == spec.InstanceType {
			price = t.PriceCentsPerHour
			if t.HasCapacity(spec.Region) {
				found = true
			}
		}
	}
	if !found {
		return "", &provider.Error{Kind: errdefs.ErrCapacityUnavailable, Status: 400, Code: "instance-operations/launch/insufficient-capacity"}
	}

	id := f.id("i")
	f.Instances[id] = &provider.Instance{
		ID:                id,
		Name:              spec.Name,
		Status:            "booting",
		Region:            spec.Region,
		InstanceTypeName:  spec.InstanceType,
		PriceCentsPerHour: price,
		SSHKeyNames:       spec.SSHKeyNames,
		FilesystemNames:   spec.FilesystemNames,
	}
	f.Launched = append(f.Launched, spec)
	return id, nil
}

func (f *Fake) Terminate(ctx context.Context, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	for _, id := range instanceIDs {
		if inst, ok := f.Instances[id]; ok {
			inst.Status = "terminated"
		}
		f.Terminated = append(f.Terminated, id)
	}
	return nil
}

func (f *Fake) Restart(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.Instances[instanceID]
	if !ok {
		return &provider.Error{Kind: errdefs.ErrNotFound, Status: 404, Code: "global/object-does-not-exist"}
	}
	inst.Status = "booting"
	return nil
}

func (f *Fake) GetInstance(ctx context.Context, instanceID string) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.Instances[instanceID]
	if !ok {
		return nil, &provider.Error{Kind: errdefs.ErrNotFound, Status: 404, Code: "global/object-does-not-exist"}
	}
	cp := *inst
	return &cp, nil
}

func (f *Fake) ListInstances(ctx context.Context) ([]*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*provider.Instance
	for _, inst := range f.Instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) ListSSHKeys(ctx context.Context) ([]*provider.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*provider.SSHKey
	for _, k := range f.SSHKeys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) AddSSHKey(ctx context.Context, name, publicKey string) (*provider.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.SSHKeys[name]; ok {
		cp := *existing
		return &cp, nil
	}
	key := &provider.SSHKey{ID: f.id("key"), Name: name, PublicKey: publicKey}
	f.SSHKeys[name] = key
	cp := *key
	return &cp, nil
}

func (f *Fake) DeleteSSHKey(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, k := range f.SSHKeys {
		if k.ID == id {
			delete(f.SSHKeys, name)
			return nil
		}
	}
	return nil
}

func fsKey(name, region string) string {
	return name + "|" + region
}

func (f *Fake) ListFilesystems(ctx context.Context) ([]*provider.Filesystem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*provider.Filesystem
	for _, fs := range f.Filesystems {
		cp := *fs
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) CreateFilesystem(ctx context.Context, name, region string) (*provider.Filesystem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.Filesystems[fsKey(name, region)]; ok {
		cp := *existing
		return &cp, nil
	}
	fs := &provider.Filesystem{
		ID:         f.id("fs"),
		Name:       name,
		Region:     region,
		MountPoint: "/lambda/nfs/" + name,
	}
	f.Filesystems[fsKey(name, region)] = fs
	cp := *fs
	return &cp, nil
}

func (f *Fake) DeleteFilesystem(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, fs := range f.Filesystems {
		if fs.ID == id {
			delete(f.Filesystems, key)
			return nil
		}
	}
	return &provider.Error{Kind: errdefs.ErrNotFound, Status: 404, Code: "global/object-does-not-exist"}
}

// SetInstanceStatus updates a fake instance's status and IP, simulating the
// upstream lifecycle for reconciler tests
func (f *Fake) SetInstanceStatus(id, status, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.Instances[id]; ok {
		inst.Status = status
		if ip != "" {
			inst.IP = ip
		}
	}
}

// RemoveInstance drops an instance entirely, simulating external deletion
func (f *Fake) RemoveInstance(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Instances, id)
}

var _ provider.API = (*Fake)(nil)

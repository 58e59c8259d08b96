package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/cuemby/paddock/pkg/errdefs"
)

// Upstream paths, centralized so there is exactly one spelling of each.
// Filesystem operations all use /file-systems.
const (
	pathInstanceTypes = "/instance-types"
	pathInstances     = "/instances"
	pathLaunch        = "/instance-operations/launch"
	pathTerminate     = "/instance-operations/terminate"
	pathRestart       = "/instance-operations/restart"
	pathSSHKeys       = "/ssh-keys"
	pathFilesystems   = "/file-systems"
)

// Per-call deadlines. Launch is slower than everything else upstream.
const (
	readTimeout   = 10 * time.Second
	launchTimeout = 30 * time.Second
)

// APIKeyFunc returns the current upstream API key. The client calls it on
// every request so admin settings changes apply without a restart.
type APIKeyFunc func() (string, error)

// Client is a typed wrapper over the upstream cloud provider's REST API.
// Auth is HTTP Basic with the API key as username.
type Client struct {
	baseURL string
	apiKey  APIKeyFunc
	http    *http.Client
}

// NewClient creates a provider client for the given base URL
func NewClient(baseURL string, apiKey APIKeyFunc) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

// do performs one upstream request and decodes the "data" envelope into out
func (c *Client) do(ctx context.Context, method, path string, body interface{}, timeout time.Duration, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	key, err := c.apiKey()
	if err != nil {
		return fmt.Errorf("failed to resolve API key: %w", err)
	}
	req.SetBasicAuth(key, "")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures and timeouts are retryable
		return &Error{Kind: errdefs.ErrUpstreamTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: errdefs.ErrUpstreamTransient, Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		var envelope apiErrorEnvelope
		_ = json.Unmarshal(data, &envelope)
		return &Error{
			Kind:    classify(resp.StatusCode, envelope.Error.Code),
			Status:  resp.StatusCode,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}
	}

	if out == nil {
		return nil
	}
	wrapper := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("failed to decode response envelope: %w", err)
	}
	if err := json.Unmarshal(wrapper.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// ListInstanceTypes returns all instance types with their live regional
// capacity, sorted by name
func (c *Client) ListInstanceTypes(ctx context.Context) ([]*InstanceType, error) {
	var entries map[string]apiInstanceTypeEntry
	if err := c.do(ctx, http.MethodGet, pathInstanceTypes, nil, readTimeout, &entries); err != nil {
		return nil, fmt.Errorf("failed to list instance types: %w", err)
	}

	types := make([]*InstanceType, 0, len(entries))
	for name, entry := range entries {
		regions := make([]string, 0, len(entry.RegionsWithCapacityAvailable))
		for _, r := range entry.RegionsWithCapacityAvailable {
			regions = append(regions, r.Name)
		}
		types = append(types, &InstanceType{
			Name:                name,
			Description:         entry.InstanceType.Description,
			PriceCentsPerHour:   entry.InstanceType.PriceCentsPerHour,
			RegionsWithCapacity: regions,
		})
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types, nil
}

// Launch provisions a single VM and returns its upstream instance id
func (c *Client) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	body := struct {
		RegionName       string   `json:"region_name"`
		InstanceTypeName string   `json:"instance_type_name"`
		SSHKeyNames      []string `json:"ssh_key_names"`
		FilesystemNames  []string `json:"file_system_names"`
		Name             string   `json:"name,omitempty"`
		UserData         string   `json:"user_data,omitempty"`
	}{
		RegionName:       spec.Region,
		InstanceTypeName: spec.InstanceType,
		SSHKeyNames:      spec.SSHKeyNames,
		FilesystemNames:  spec.FilesystemNames,
		Name:             spec.Name,
		UserData:         spec.UserData,
	}
	if body.SSHKeyNames == nil {
		body.SSHKeyNames = []string{}
	}
	if body.FilesystemNames == nil {
		body.FilesystemNames = []string{}
	}

	var out struct {
		InstanceIDs []string `json:"instance_ids"`
	}
	if err := c.do(ctx, http.MethodPost, pathLaunch, body, launchTimeout, &out); err != nil {
		return "", fmt.Errorf("failed to launch instance: %w", err)
	}
	if len(out.InstanceIDs) == 0 {
		return "", &Error{Kind: errdefs.ErrUpstreamTransient, Message: "launch returned no instance ids"}
	}
	return out.InstanceIDs[0], nil
}

// Terminate terminates the given instances in a single upstream call.
// Terminating an already-terminated instance is not an error upstream.
func (c *Client) Terminate(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	body := struct {
		InstanceIDs []string `json:"instance_ids"`
	}{InstanceIDs: instanceIDs}
	if err := c.do(ctx, http.MethodPost, pathTerminate, body, launchTimeout, nil); err != nil {
		return fmt.Errorf("failed to terminate instances: %w", err)
	}
	return nil
}

// Restart restarts a single instance
func (c *Client) Restart(ctx context.Context, instanceID string) error {
	body := struct {
		InstanceIDs []string `json:"instance_ids"`
	}{InstanceIDs: []string{instanceID}}
	if err := c.do(ctx, http.MethodPost, pathRestart, body, launchTimeout, nil); err != nil {
		return fmt.Errorf("failed to restart instance: %w", err)
	}
	return nil
}

// GetInstance fetches a single instance by id
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	var out apiInstance
	if err := c.do(ctx, http.MethodGet, pathInstances+"/"+instanceID, nil, readTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", instanceID, err)
	}
	return out.toInstance(), nil
}

// ListInstances returns all instances visible to the API key
func (c *Client) ListInstances(ctx context.Context) ([]*Instance, error) {
	var out []apiInstance
	if err := c.do(ctx, http.MethodGet, pathInstances, nil, readTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	instances := make([]*Instance, len(out))
	for i := range out {
		instances[i] = out[i].toInstance()
	}
	return instances, nil
}

// ListSSHKeys returns all registered SSH keys
func (c *Client) ListSSHKeys(ctx context.Context) ([]*SSHKey, error) {
	var out []apiSSHKey
	if err := c.do(ctx, http.MethodGet, pathSSHKeys, nil, readTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to list ssh keys: %w", err)
	}
	keys := make([]*SSHKey, len(out))
	for i, k := range out {
		keys[i] = &SSHKey{ID: k.ID, Name: k.Name, PublicKey: k.PublicKey}
	}
	return keys, nil
}

// AddSSHKey registers a key under name. Key names are deterministic per
// user, so a duplicate rejection from concurrent launches is treated as
// success and the existing key is returned.
func (c *Client) AddSSHKey(ctx context.Context, name, publicKey string) (*SSHKey, error) {
	body := struct {
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
	}{Name: name, PublicKey: publicKey}

	var out apiSSHKey
	err := c.do(ctx, http.MethodPost, pathSSHKeys, body, readTimeout, &out)
	if err == nil {
		return &SSHKey{ID: out.ID, Name: out.Name, PublicKey: out.PublicKey}, nil
	}
	if !isAlreadyExists(err) {
		return nil, fmt.Errorf("failed to add ssh key %s: %w", name, err)
	}

	keys, err := c.ListSSHKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.Name == name {
			return k, nil
		}
	}
	return nil, &Error{Kind: errdefs.ErrUpstreamTransient, Message: fmt.Sprintf("ssh key %s reported duplicate but not listed", name)}
}

// DeleteSSHKey deletes an SSH key by upstream id
func (c *Client) DeleteSSHKey(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, pathSSHKeys+"/"+id, nil, readTimeout, nil); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete ssh key %s: %w", id, err)
	}
	return nil
}

// ListFilesystems returns all filesystems visible to the API key
func (c *Client) ListFilesystems(ctx context.Context) ([]*Filesystem, error) {
	var out []apiFilesystem
	if err := c.do(ctx, http.MethodGet, pathFilesystems, nil, readTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to list filesystems: %w", err)
	}
	filesystems := make([]*Filesystem, len(out))
	for i := range out {
		filesystems[i] = out[i].toFilesystem()
	}
	return filesystems, nil
}

// CreateFilesystem creates a filesystem in region. Names are deterministic,
// so a duplicate rejection is treated as success and the existing
// filesystem is returned.
func (c *Client) CreateFilesystem(ctx context.Context, name, region string) (*Filesystem, error) {
	body := struct {
		Name   string `json:"name"`
		Region string `json:"region"`
	}{Name: name, Region: region}

	var out apiFilesystem
	err := c.do(ctx, http.MethodPost, pathFilesystems, body, readTimeout, &out)
	if err == nil {
		return out.toFilesystem(), nil
	}
	if !isAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create filesystem %s: %w", name, err)
	}

	filesystems, err := c.ListFilesystems(ctx)
	if err != nil {
		return nil, err
	}
	for _, fs := range filesystems {
		if fs.Name == name && fs.Region == region {
			return fs, nil
		}
	}
	return nil, &Error{Kind: errdefs.ErrUpstreamTransient, Message: fmt.Sprintf("filesystem %s reported duplicate but not listed", name)}
}

// DeleteFilesystem deletes a filesystem by upstream id
func (c *Client) DeleteFilesystem(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, pathFilesystems+"/"+id, nil, readTimeout, nil); err != nil {
		return fmt.Errorf("failed to delete filesystem %s: %w", id, err)
	}
	return nil
}

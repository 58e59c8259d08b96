package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCandidates     = []byte("candidates")
	bucketVMs            = []byte("vms")
	bucketLaunchRequests = []byte("launch_requests")
	bucketSSHKeys        = []byte("ssh_keys")
	bucketSeedStatus     = []byte("seed_status")
	bucketSettings       = []byte("settings")
)

// settingsKey is the single key in the settings bucket
var settingsKey = []byte("settings")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "paddock.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCandidates,
			bucketVMs,
			bucketLaunchRequests,
			bucketSSHKeys,
			bucketSeedStatus,
			bucketSettings,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put marshals v and writes it under key in bucket (upsert)
func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// get reads key from bucket into v; returns errdefs.ErrNotFound when absent
func (s *BoltStore) get(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get(key)
		if data == nil {
			return errdefs.NotFoundf("%s/%s", bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// Candidate operations

func (s *BoltStore) PutCandidate(c *types.Candidate) error {
	return s.put(bucketCandidates, []byte(strings.ToLower(c.Email)), c)
}

func (s *BoltStore) GetCandidate(email string) (*types.Candidate, error) {
	var c types.Candidate
	if err := s.get(bucketCandidates, []byte(strings.ToLower(email)), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListCandidates() ([]*types.Candidate, error) {
	var candidates []*types.Candidate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCandidates).ForEach(func(k, v []byte) error {
			var c types.Candidate
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			candidates = append(candidates, &c)
			return nil
		})
	})
	return candidates, err
}

// VM operations

func (s *BoltStore) PutVM(vm *types.VM) error {
	return s.put(bucketVMs, []byte(vm.InstanceID), vm)
}

func (s *BoltStore) GetVM(instanceID string) (*types.VM, error) {
	var vm types.VM
	if err := s.get(bucketVMs, []byte(instanceID), &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMs() ([]*types.VM, error) {
	var vms []*types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
			var vm types.VM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			vms = append(vms, &vm)
			return nil
		})
	})
	return vms, err
}

func (s *BoltStore) ListVMsByCandidate(email string) ([]*types.VM, error) {
	email = strings.ToLower(email)
	vms, err := s.ListVMs()
	if err != nil {
		return nil, err
	}
	var filtered []*types.VM
	for _, vm := range vms {
		if strings.ToLower(vm.CandidateEmail) == email {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

// Launch request operations

func (s *BoltStore) PutLaunchRequest(lr *types.LaunchRequest) error {
	return s.put(bucketLaunchRequests, []byte(lr.ID), lr)
}

func (s *BoltStore) GetLaunchRequest(id string) (*types.LaunchRequest, error) {
	var lr types.LaunchRequest
	if err := s.get(bucketLaunchRequests, []byte(id), &lr); err != nil {
		return nil, err
	}
	return &lr, nil
}

func (s *BoltStore) ListLaunchRequests() ([]*types.LaunchRequest, error) {
	var requests []*types.LaunchRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLaunchRequests).ForEach(func(k, v []byte) error {
			var lr types.LaunchRequest
			if err := json.Unmarshal(v, &lr); err != nil {
				return err
			}
			requests = append(requests, &lr)
			return nil
		})
	})
	return requests, err
}

func (s *BoltStore) ListLaunchRequestsByCandidate(email string) ([]*types.LaunchRequest, error) {
	email = strings.ToLower(email)
	requests, err := s.ListLaunchRequests()
	if err != nil {
		return nil, err
	}
	var filtered []*types.LaunchRequest
	for _, lr := range requests {
		if strings.ToLower(lr.CandidateEmail) == email {
			filtered = append(filtered, lr)
		}
	}
	return filtered, nil
}

// SSH key operations

// sshKeyID builds the composite email|name key
func sshKeyID(email, name string) []byte {
	return []byte(strings.ToLower(email) + "|" + name)
}

func (s *BoltStore) PutSSHKey(key *types.SSHKey) error {
	return s.put(bucketSSHKeys, sshKeyID(key.CandidateEmail, key.Name), key)
}

func (s *BoltStore) GetSSHKey(email, name string) (*types.SSHKey, error) {
	var key types.SSHKey
	if err := s.get(bucketSSHKeys, sshKeyID(email, name), &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) ListSSHKeysByCandidate(email string) ([]*types.SSHKey, error) {
	prefix := []byte(strings.ToLower(email) + "|")
	var keys []*types.SSHKey
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSSHKeys).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var key types.SSHKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			keys = append(keys, &key)
		}
		return nil
	})
	return keys, err
}

func (s *BoltStore) DeleteSSHKey(email, name string) error {
	return s.delete(bucketSSHKeys, sshKeyID(email, name))
}

// Seed status operations

// seedStatusID builds the composite filesystemName|region key
func seedStatusID(filesystemName, region string) []byte {
	return []byte(filesystemName + "|" + region)
}

func (s *BoltStore) PutSeedStatus(st *types.SeedStatus) error {
	return s.put(bucketSeedStatus, seedStatusID(st.FilesystemName, st.Region), st)
}

func (s *BoltStore) GetSeedStatus(filesystemName, region string) (*types.SeedStatus, error) {
	var st types.SeedStatus
	if err := s.get(bucketSeedStatus, seedStatusID(filesystemName, region), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) ListSeedStatuses() ([]*types.SeedStatus, error) {
	var statuses []*types.SeedStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSeedStatus).ForEach(func(k, v []byte) error {
			var st types.SeedStatus
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			statuses = append(statuses, &st)
			return nil
		})
	})
	return statuses, err
}

func (s *BoltStore) DeleteSeedStatus(filesystemName, region string) error {
	return s.delete(bucketSeedStatus, seedStatusID(filesystemName, region))
}

// Settings operations

func (s *BoltStore) GetSettings() (*types.Settings, error) {
	var settings types.Settings
	if err := s.get(bucketSettings, settingsKey, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *BoltStore) PutSettings(settings *types.Settings) error {
	return s.put(bucketSettings, settingsKey, settings)
}

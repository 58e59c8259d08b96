package types

import (
	"time"
)

// Role defines what a candidate is allowed to do
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleAdmin     Role = "admin"
)

// Candidate is a user on the allow-list with a dollar quota
type Candidate struct {
	Email         string     `json:"email"` // lowercased, primary key
	Name          string     `json:"name"`
	Role          Role       `json:"role"`
	QuotaDollars  int        `json:"quotaDollars"`
	SpentCents    int64      `json:"spentCents"` // cache; authoritative value is cost.ComputeSpent
	AddedAt       time.Time  `json:"addedAt"`
	AddedBy       string     `json:"addedBy"`
	SpentResetAt  *time.Time `json:"spentResetAt,omitempty"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
}

// IsAdmin reports whether the candidate has the admin role
func (c *Candidate) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Active reports whether the candidate has not been deactivated
func (c *Candidate) Active() bool {
	return c.DeactivatedAt == nil
}

// QuotaCents returns the candidate's quota in integer cents
func (c *Candidate) QuotaCents() int64 {
	return int64(c.QuotaDollars) * 100
}

// VMStatus represents the current state of a provisioned instance.
// Statuses reported by the upstream provider (booting, active, unhealthy)
// are stored verbatim.
type VMStatus string

const (
	VMStatusLaunching  VMStatus = "launching"
	VMStatusActive     VMStatus = "active"
	VMStatusRestarting VMStatus = "restarting"
	VMStatusTerminated VMStatus = "terminated"
)

// TerminationReason records why a VM was terminated
type TerminationReason string

const (
	TerminationUserRequested    TerminationReason = "user_requested"
	TerminationQuotaExceeded    TerminationReason = "quota_exceeded"
	TerminationAccountRemoved   TerminationReason = "account_removed"
	TerminationExternally       TerminationReason = "terminated_externally"
	TerminationMaxHoursExceeded TerminationReason = "max_hours_exceeded"
)

// VM is a provisioned upstream GPU instance tracked by upstream instance id.
// VM records are never deleted; termination sets TerminatedAt.
type VM struct {
	InstanceID        string            `json:"instanceId"`
	CandidateEmail    string            `json:"candidateEmail"`
	InstanceType      string            `json:"instanceType"`
	Region            string            `json:"region"`
	PriceCentsPerHour int64             `json:"priceCentsPerHour"`
	LaunchedAt        time.Time         `json:"launchedAt"`
	Status            VMStatus          `json:"status"`
	IPAddress         string            `json:"ipAddress,omitempty"`
	SSHKeyName        string            `json:"sshKeyName"`
	TerminatedAt      *time.Time        `json:"terminatedAt,omitempty"`
	TerminationReason TerminationReason `json:"terminationReason,omitempty"`
	LastCheckedAt     time.Time         `json:"lastCheckedAt"`
	AccruedCents      int64             `json:"accruedCents"`
}

// Active reports whether the VM has not reached a terminal state
func (v *VM) Active() bool {
	return v.TerminatedAt == nil
}

// LaunchRequestStatus is the state machine of a launch request
type LaunchRequestStatus string

const (
	LaunchRequestQueued       LaunchRequestStatus = "queued"
	LaunchRequestProvisioning LaunchRequestStatus = "provisioning"
	LaunchRequestFulfilled    LaunchRequestStatus = "fulfilled"
	LaunchRequestCancelled    LaunchRequestStatus = "cancelled"
	LaunchRequestFailed       LaunchRequestStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s LaunchRequestStatus) Terminal() bool {
	return s == LaunchRequestFulfilled || s == LaunchRequestCancelled || s == LaunchRequestFailed
}

// Pending reports whether the request still counts against the
// one-in-flight-per-candidate limit
func (s LaunchRequestStatus) Pending() bool {
	return s == LaunchRequestQueued || s == LaunchRequestProvisioning
}

// LaunchRequest is a user's submission describing acceptable instance-type
// and region choices. Type and region preference is caller order.
type LaunchRequest struct {
	ID                  string              `json:"id"`
	CandidateEmail      string              `json:"candidateEmail"`
	InstanceTypes       []string            `json:"instanceTypes"`
	Regions             []string            `json:"regions"`
	SSHPublicKey        string              `json:"sshPublicKey"`
	AttachFilesystem    bool                `json:"attachFilesystem"`
	Status              LaunchRequestStatus `json:"status"`
	CreatedAt           time.Time           `json:"createdAt"`
	Attempts            int                 `json:"attempts"`
	LastAttemptAt       *time.Time          `json:"lastAttemptAt,omitempty"`
	FulfilledAt         *time.Time          `json:"fulfilledAt,omitempty"`
	FulfilledInstanceID string              `json:"fulfilledInstanceId,omitempty"`
	FailureReason       string              `json:"failureReason,omitempty"`
	CancelledAt         *time.Time          `json:"cancelledAt,omitempty"`
}

// SSHKey records an upstream key registration for a candidate
type SSHKey struct {
	CandidateEmail string    `json:"candidateEmail"`
	Name           string    `json:"name"`
	PublicKey      string    `json:"publicKey"`
	RegisteredAt   time.Time `json:"registeredAt"`
}

// SeedState is the state of a per-(filesystem, region) seed claim
type SeedState string

const (
	SeedStateSeeding SeedState = "seeding"
	SeedStateReady   SeedState = "ready"
)

// SeedStatus is the single-writer claim record for seeding a shared
// filesystem in one region. A seeding claim older than the staleness window
// is deletable.
type SeedStatus struct {
	FilesystemName    string     `json:"filesystemName"`
	Region            string     `json:"region"`
	Status            SeedState  `json:"status"`
	SeedingInstanceID string     `json:"seedingInstanceId,omitempty"`
	ClaimedAt         time.Time  `json:"claimedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// FetcherType selects the object-store downloader used by loader VMs
type FetcherType string

const (
	FetcherS3  FetcherType = "s3"
	FetcherGCS FetcherType = "gcs"
)

// ObjectStoreCredentials carries the credential shape of one fetcher type.
// S3-style fetchers use the key pair; GCS-style fetchers use the service
// account document.
type ObjectStoreCredentials struct {
	AccessKeyID        string `json:"accessKeyId,omitempty"`
	SecretAccessKey    string `json:"secretAccessKey,omitempty"`
	ServiceAccountJSON string `json:"serviceAccountJson,omitempty"`
}

// DefaultFilesystem describes a shared filesystem that is auto-created and
// seeded in each region on first use
type DefaultFilesystem struct {
	Name           string                 `json:"name"`
	SourceType     FetcherType            `json:"sourceType"`
	SourceURL      string                 `json:"sourceUrl"`
	Credentials    ObjectStoreCredentials `json:"credentials"`
	DownloadScript string                 `json:"downloadScript,omitempty"` // overrides the generated download commands
}

// Settings is the singleton admin-mutable configuration record
type Settings struct {
	LambdaAPIKey       string              `json:"lambdaApiKey"`
	SetupScript        string              `json:"setupScript"`
	DefaultFilesystems []DefaultFilesystem `json:"defaultFilesystems"`
	SeedCompleteSecret string              `json:"seedCompleteSecret"`
	MaxVMHours         int                 `json:"maxVmHours,omitempty"` // 0 disables the max-hours policy
}

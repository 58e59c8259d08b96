package provider

// InstanceType describes a GPU instance type and its live regional capacity
type InstanceType struct {
	Name                string
	Description         string
	PriceCentsPerHour   int64
	RegionsWithCapacity []string
}

// HasCapacity reports whether the type currently has capacity in region
func (t *InstanceType) HasCapacity(region string) bool {
	for _, r := range t.RegionsWithCapacity {
		if r == region {
			return true
		}
	}
	return false
}

// Instance is an upstream VM as reported by the provider
type Instance struct {
	ID                string
	Name              string
	IP                string
	Status            string
	Region            string
	InstanceTypeName  string
	PriceCentsPerHour int64
	SSHKeyNames       []string
	FilesystemNames   []string
}

// Terminated reports whether the upstream status is terminal
func (i *Instance) Terminated() bool {
	return i.Status == "terminated" || i.Status == "terminating"
}

// SSHKey is an upstream SSH key registration
type SSHKey struct {
	ID        string
	Name      string
	PublicKey string
}

// Filesystem is an upstream persistent network filesystem
type Filesystem struct {
	ID         string
	Name       string
	Region     string
	MountPoint string
}

// LaunchSpec describes a single VM launch
type LaunchSpec struct {
	Region          string
	InstanceType    string
	SSHKeyNames     []string
	FilesystemNames []string
	Name            string
	UserData        string
}

// Wire shapes. The upstream API wraps every response in a "data" envelope
// and reports failures as {"error": {"code", "message"}}.

type apiRegion struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type apiInstanceType struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	PriceCentsPerHour int64  `json:"price_cents_per_hour"`
}

type apiInstanceTypeEntry struct {
	InstanceType                  apiInstanceType `json:"instance_type"`
	RegionsWithCapacityAvailable  []apiRegion     `json:"regions_with_capacity_available"`
}

type apiInstance struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	IP              string          `json:"ip"`
	Status          string          `json:"status"`
	Region          apiRegion       `json:"region"`
	InstanceType    apiInstanceType `json:"instance_type"`
	SSHKeyNames     []string        `json:"ssh_key_names"`
	FilesystemNames []string        `json:"file_system_names"`
}

func (a *apiInstance) toInstance() *Instance {
	return &Instance{
		ID:                a.ID,
		Name:              a.Name,
		IP:                a.IP,
		Status:            a.Status,
		Region:            a.Region.Name,
		InstanceTypeName:  a.InstanceType.Name,
		PriceCentsPerHour: a.InstanceType.PriceCentsPerHour,
		SSHKeyNames:       a.SSHKeyNames,
		FilesystemNames:   a.FilesystemNames,
	}
}

type apiSSHKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

type apiFilesystem struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Region     apiRegion `json:"region"`
	MountPoint string    `json:"mount_point"`
}

func (a *apiFilesystem) toFilesystem() *Filesystem {
	return &Filesystem{
		ID:         a.ID,
		Name:       a.Name,
		Region:     a.Region.Name,
		MountPoint: a.MountPoint,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

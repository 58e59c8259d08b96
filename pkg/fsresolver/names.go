package fsresolver

import (
	"strings"
)

// Upstream mounts every attached filesystem under this root on the VM
const MountRoot = "/lambda/nfs"

// Upstream filesystem names are length-bounded
const maxFilesystemNameLen = 60

// SanitizeEmail turns an email address into a name-safe slug: lowercased,
// non-alphanumerics collapsed to single dashes, trimmed. alice@example.org
// becomes alice-example-org.
func SanitizeEmail(email string) string {
	var b strings.Builder
	lastDash := true // trim leading separators
	for _, r := range strings.ToLower(email) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// SSHKeyName returns the deterministic upstream SSH key name for a user.
// Determinism makes duplicate registrations from concurrent launches
// collapse to a single upstream record.
func SSHKeyName(email string) string {
	return "web-" + SanitizeEmail(email)
}

// PersonalFilesystemName returns the stable per-(user, region) name of a
// user's read-write filesystem, bounded to the upstream name limit.
func PersonalFilesystemName(email, region string) string {
	suffix := "-" + region
	name := "fs-" + SanitizeEmail(email)
	if len(name)+len(suffix) > maxFilesystemNameLen {
		name = name[:maxFilesystemNameLen-len(suffix)]
		name = strings.TrimRight(name, "-")
	}
	return name + suffix
}

// MountPath returns the path a filesystem is mounted at on a VM
func MountPath(filesystemName string) string {
	return MountRoot + "/" + filesystemName
}

package fsresolver

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/cuemby/paddock/pkg/types"
)

// loaderScriptTemplate is the shell script a loader VM boots with. It
// downloads the source tree into the shared filesystem, reports completion
// to the control plane, remounts the filesystem read-only, and shuts the VM
// down so the reconciler observes it terminated.
var loaderScriptTemplate = template.Must(template.New("loader").Parse(`#!/bin/bash
set -euo pipefail

NFS_PATH="{{.MountPath}}"
CREDS_FILE="$(mktemp)"
chmod 600 "$CREDS_FILE"
cat > "$CREDS_FILE" <<'PADDOCK_CREDS'
{{.CredsFileContent}}
PADDOCK_CREDS

export NFS_PATH CREDS_FILE
{{.DownloadCommands}}

curl -fsS -X POST "{{.CallbackURL}}" \
  -H "Authorization: Bearer {{.Secret}}" \
  -H "Content-Type: application/json" \
  -d '{{.CallbackBody}}'

mount -o remount,ro "$NFS_PATH"
rm -f "$CREDS_FILE"
shutdown -h now
`))

type loaderScriptParams struct {
	MountPath        string
	CredsFileContent string
	DownloadCommands string
	CallbackURL      string
	CallbackBody     string
	Secret           string
}

// LoaderScript renders the userData for a loader VM seeding fs in region.
// baseURL is the externally reachable control-plane URL; secret is the
// seed-complete bearer secret.
func LoaderScript(fs types.DefaultFilesystem, region, baseURL, secret string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"filesystemName": fs.Name,
		"region":         region,
	})
	if err != nil {
		return "", err
	}

	params := loaderScriptParams{
		MountPath:    MountPath(fs.Name),
		CallbackURL:  strings.TrimRight(baseURL, "/") + "/api/seed-complete",
		CallbackBody: string(body),
		Secret:       secret,
	}

	switch fs.SourceType {
	case types.FetcherS3:
		params.CredsFileContent = fmt.Sprintf(
			"[default]\naws_access_key_id = %s\naws_secret_access_key = %s",
			fs.Credentials.AccessKeyID, fs.Credentials.SecretAccessKey)
		params.DownloadCommands = fmt.Sprintf(
			"pip install --quiet awscli\nAWS_SHARED_CREDENTIALS_FILE=\"$CREDS_FILE\" aws s3 sync %q \"$NFS_PATH\"",
			fs.SourceURL)
	case types.FetcherGCS:
		params.CredsFileContent = fs.Credentials.ServiceAccountJSON
		params.DownloadCommands = fmt.Sprintf(
			"snap install google-cloud-cli --classic\ngcloud auth activate-service-account --key-file=\"$CREDS_FILE\"\ngsutil -m rsync -r %q \"$NFS_PATH\"",
			fs.SourceURL)
	default:
		return "", fmt.Errorf("unknown source type %q for filesystem %s", fs.SourceType, fs.Name)
	}

	// An admin-supplied download script replaces the generated commands; it
	// receives $NFS_PATH and $CREDS_FILE in its environment.
	if fs.DownloadScript != "" {
		params.DownloadCommands = stripShebang(fs.DownloadScript)
	}

	var b strings.Builder
	if err := loaderScriptTemplate.Execute(&b, params); err != nil {
		return "", fmt.Errorf("failed to render loader script: %w", err)
	}
	return b.String(), nil
}

// RemountReadonlyCommand returns the shell fragment that remounts a shared
// filesystem read-only on the user's VM
func RemountReadonlyCommand(filesystemName string) string {
	return fmt.Sprintf("mount -o remount,ro %q || true", MountPath(filesystemName))
}

// ComposeUserData splices the admin-configured setup script and the
// resolver's readonly-remount fragment into a single boot script. The setup
// script may or may not carry its own shebang; any shebang is stripped
// before splicing.
func ComposeUserData(setupScript, remountScript string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -euo pipefail\n")
	if s := strings.TrimSpace(stripShebang(setupScript)); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	if s := strings.TrimSpace(remountScript); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// stripShebang removes a leading #! line
func stripShebang(script string) string {
	if strings.HasPrefix(script, "#!") {
		if idx := strings.IndexByte(script, '\n'); idx >= 0 {
			return script[idx+1:]
		}
		return ""
	}
	return script
}

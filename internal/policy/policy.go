// Package policy reads and evaluates per-service ".service" policy files:
// the executable glob a registering process must match, and the allow-list
// of service names permitted to Connect against it.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File is the JSON shape of a "<service_name>.service" policy file.
type File struct {
	Exec                string   `json:"exec"`
	IncomingConnections []string `json:"incoming_connections"`
}

// ErrNotFound is returned by Load when no policy file exists for the
// service name.
var ErrNotFound = fmt.Errorf("policy: service file not found")

// path returns the on-disk path for a service's policy file.
func path(dir, serviceName string) string {
	return filepath.Join(dir, serviceName+".service")
}

// Load reads and parses the policy file for serviceName under dir.
func Load(dir, serviceName string) (*File, error) {
	data, err := os.ReadFile(path(dir, serviceName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("policy: reading %s: %w", serviceName, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy: parsing %s: %w", serviceName, err)
	}
	return &f, nil
}

// AllowsExecutable reports whether execPath matches this file's exec glob.
// An empty glob matches nothing; callers that could not resolve execPath at
// all should not call this and instead apply the platform's degraded
// fallback (see creds_linux.go / creds_other.go).
func (f *File) AllowsExecutable(execPath string) bool {
	if f.Exec == "" {
		return false
	}
	ok, err := filepath.Match(f.Exec, execPath)
	if err != nil {
		return false
	}
	return ok
}

// AllowsIncomingFrom reports whether requester is in this file's
// incoming_connections allow-list.
func (f *File) AllowsIncomingFrom(requester string) bool {
	for _, name := range f.IncomingConnections {
		if name == requester {
			return true
		}
	}
	return false
}

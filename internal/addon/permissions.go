package addon

import (
	"encoding/json"
	"strings"
)

// Permission names as they appear in add-on descriptor attributes.
const (
	PermExecuteWithoutAsking             = "execute_scripts_without_asking"
	PermExecuteWithoutFileRestriction    = "execute_scripts_without_file_restriction"
	PermExecuteWithoutWriteRestriction   = "execute_scripts_without_write_restriction"
	PermExecuteWithoutExecRestriction    = "execute_scripts_without_exec_restriction"
	PermExecuteWithoutNetworkRestriction = "execute_scripts_without_network_restriction"
	PermSignedScriptsAreTrusted          = "signed_script_are_trusted"
)

var permissionNames = []string{
	PermExecuteWithoutAsking,
	PermExecuteWithoutFileRestriction,
	PermExecuteWithoutWriteRestriction,
	PermExecuteWithoutExecRestriction,
	PermExecuteWithoutNetworkRestriction,
	PermSignedScriptsAreTrusted,
}

// PermissionNames returns the canonical permission names in write order.
func PermissionNames() []string {
	out := make([]string, len(permissionNames))
	copy(out, permissionNames)
	return out
}

// Permissions is the set of capability flags granted to a script.
type Permissions struct {
	flags map[string]bool
}

// NewPermissions builds permissions from a script element's attributes.
// Only recognized names are read; a flag is on when its value is "true"
// in any case, and off otherwise.
func NewPermissions(attrs map[string]string) *Permissions {
	p := &Permissions{flags: make(map[string]bool, len(permissionNames))}
	for _, name := range permissionNames {
		p.flags[name] = strings.EqualFold(strings.TrimSpace(attrs[name]), "true")
	}
	return p
}

// Get returns the named flag. Unknown names are always false.
func (p *Permissions) Get(name string) bool {
	if p == nil {
		return false
	}
	return p.flags[name]
}

// Map returns a copy of all flags keyed by permission name.
func (p *Permissions) Map() map[string]bool {
	out := make(map[string]bool, len(permissionNames))
	for _, name := range permissionNames {
		out[name] = p.Get(name)
	}
	return out
}

// Equal compares every canonical flag.
func (p *Permissions) Equal(o *Permissions) bool {
	if p == nil || o == nil {
		return p == o
	}
	for _, name := range permissionNames {
		if p.Get(name) != o.Get(name) {
			return false
		}
	}
	return true
}

func (p *Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}

func (p *Permissions) UnmarshalJSON(data []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.flags = make(map[string]bool, len(permissionNames))
	for _, name := range permissionNames {
		p.flags[name] = m[name]
	}
	return nil
}

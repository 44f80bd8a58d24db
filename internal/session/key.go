package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const keyPrefix = "role:worker:"

// NewKey returns a fresh session key of the form role:worker:<roleId>:<randomId>.
func NewKey(roleID string) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%s%s:%s", keyPrefix, roleID, random)
}

// RoleFromKey extracts the role id embedded in a key produced by NewKey.
func RoleFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, keyPrefix)
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

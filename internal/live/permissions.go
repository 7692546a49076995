package live

import (
	"maps"
	"strings"
	"sync"
)

// Permissions maps user ids (0 for the public) to access letters. A Permissions value is
// a shared handle: Replace changes its contents for every event holding it.
type Permissions struct {
	mu    sync.RWMutex
	perms map[int64]string
}

func NewPermissions(perms map[int64]string) *Permissions {
	p := &Permissions{perms: make(map[int64]string, len(perms))}
	maps.Copy(p.perms, perms)
	return p
}

// Replace clears the map and refills it from perms without swapping the handle.
func (p *Permissions) Replace(perms map[int64]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.perms)
	maps.Copy(p.perms, perms)
}

// CanRead reports whether userID, or the public, holds read access.
func (p *Permissions) CanRead(userID int64) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return strings.Contains(p.perms[0], "R") || strings.Contains(p.perms[userID], "R")
}

func (p *Permissions) Snapshot() map[int64]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.perms)
}

// PermissionCacheData is the shared permission state of one content room.
type PermissionCacheData struct {
	// MaxLinkID is the id of the latest event published with these permissions.
	MaxLinkID   int64
	Permissions *Permissions

	resolvedSeq int64
}

// Package permissions loads (user, repository) grants from a YAML file
// and answers lookup queries for the API layer. The file is authored by
// an external administrative workflow; this package never writes it.
package permissions

import (
	"fmt"
	"os"
	"sync"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/branchbox/branchbox/pkg/types"
)

// Grant is a permission with its base-branch patterns compiled. The zero
// Grant denies branch creation and terminal access.
type Grant struct {
	types.Permission
	bases []glob.Glob
}

// BaseBranchAllowed reports whether name may be used as the base for a new
// branch. An empty pattern list leaves the base unrestricted.
func (g Grant) BaseBranchAllowed(name string) bool {
	if len(g.bases) == 0 {
		return true
	}
	for _, m := range g.bases {
		if m.Match(name) {
			return true
		}
	}
	return false
}

type grantKey struct {
	userID int64
	repoID int64
}

// grantsFile is the on-disk shape. A grant row with repository_id 0
// applies to every repository the user touches; defaults apply when no
// row matches.
type grantsFile struct {
	Defaults *types.Permission  `yaml:"defaults"`
	Grants   []types.Permission `yaml:"grants"`
}

type snapshot struct {
	exact    map[grantKey]Grant
	userWide map[int64]Grant
	defaults *Grant
}

// Provider answers permission lookups from the most recently loaded
// snapshot. Reload swaps the snapshot atomically; lookups never observe a
// partially applied file.
type Provider struct {
	path string

	mu   sync.RWMutex
	snap *snapshot
}

// Load reads and compiles the grants file at path.
func Load(path string) (*Provider, error) {
	p := &Provider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFromBytes compiles grants from raw YAML. Used by tests and by
// validation before a hot reload is applied.
func LoadFromBytes(b []byte) (*Provider, error) {
	snap, err := parse(b)
	if err != nil {
		return nil, err
	}
	return &Provider{snap: snap}, nil
}

// Reload re-reads the grants file. On failure the previous snapshot stays
// in effect.
func (p *Provider) Reload() error {
	if p.path == "" {
		return fmt.Errorf("permissions: no grants file configured")
	}
	b, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read grants file: %w", err)
	}
	snap, err := parse(b)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
	return nil
}

// Lookup returns the effective grant for (userID, repoID): an exact row
// wins over a user-wide row, which wins over the file defaults. The bool
// reports whether any of those matched; callers get a deny-all zero Grant
// otherwise.
func (p *Provider) Lookup(userID, repoID int64) (Grant, bool) {
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()
	if snap == nil {
		return Grant{}, false
	}

	if g, ok := snap.exact[grantKey{userID, repoID}]; ok {
		return g, true
	}
	if g, ok := snap.userWide[userID]; ok {
		g.RepositoryID = repoID
		return g, true
	}
	if snap.defaults != nil {
		g := *snap.defaults
		g.UserID = userID
		g.RepositoryID = repoID
		return g, true
	}
	return Grant{}, false
}

// GrantCount returns how many explicit grant rows are loaded.
func (p *Provider) GrantCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snap == nil {
		return 0
	}
	return len(p.snap.exact) + len(p.snap.userWide)
}

func parse(b []byte) (*snapshot, error) {
	var file grantsFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse grants file: %w", err)
	}

	snap := &snapshot{
		exact:    make(map[grantKey]Grant),
		userWide: make(map[int64]Grant),
	}

	if file.Defaults != nil {
		g, err := compileGrant(*file.Defaults)
		if err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
		snap.defaults = &g
	}

	for i, perm := range file.Grants {
		if perm.UserID == 0 {
			return nil, fmt.Errorf("grant %d: user_id is required", i)
		}
		g, err := compileGrant(perm)
		if err != nil {
			return nil, fmt.Errorf("grant %d (user %d): %w", i, perm.UserID, err)
		}
		if perm.RepositoryID == 0 {
			snap.userWide[perm.UserID] = g
		} else {
			snap.exact[grantKey{perm.UserID, perm.RepositoryID}] = g
		}
	}
	return snap, nil
}

func compileGrant(perm types.Permission) (Grant, error) {
	g := Grant{Permission: perm}
	for _, pat := range perm.AllowedBases {
		m, err := glob.Compile(pat)
		if err != nil {
			return Grant{}, fmt.Errorf("invalid base branch pattern %q: %w", pat, err)
		}
		g.bases = append(g.bases, m)
	}
	return g, nil
}

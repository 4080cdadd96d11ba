// Package migration applies and reverts versioned schema scripts, one
// transaction per transition, serialized across processes by a Locker.
package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

// Definition is one registered migration. An empty Down marks it irreversible.
type Definition struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

// NewDefinition builds a definition and computes its checksum
func NewDefinition(version int64, name, up, down string) Definition {
	return Definition{
		Version:  version,
		Name:     name,
		Up:       up,
		Down:     down,
		Checksum: Checksum(up),
	}
}

// Reversible reports whether a down script is registered
func (d Definition) Reversible() bool {
	return d.Down != ""
}

// Checksum returns the sha256 hex digest of a forward script
func Checksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

var fileName = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// Load reads <version>_<name>.up.sql and optional <version>_<name>.down.sql
// files from the root of fsys, sorted by version.
func Load(fsys fs.FS) ([]Definition, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	byVersion := map[int64]*Definition{}
	downs := map[int64]string{}
	downNames := map[int64]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := fileName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid migration version in %s", entry.Name())
		}
		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		if m[3] == "down" {
			if _, dup := downs[version]; dup {
				return nil, fmt.Errorf("duplicate down migration for version %d", version)
			}
			downs[version] = string(body)
			downNames[version] = m[2]
			continue
		}
		if existing, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)", version, existing.Name, m[2])
		}
		d := NewDefinition(version, m[2], string(body), "")
		byVersion[version] = &d
	}

	defs := make([]Definition, 0, len(byVersion))
	for version, down := range downs {
		d, ok := byVersion[version]
		if !ok {
			return nil, fmt.Errorf("down migration %d_%s has no up script", version, downNames[version])
		}
		if downNames[version] != d.Name {
			return nil, fmt.Errorf("down migration %d_%s does not match %d_%s", version, downNames[version], version, d.Name)
		}
		d.Down = down
	}
	for _, d := range byVersion {
		defs = append(defs, *d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Version < defs[j].Version })
	return defs, nil
}

// validate rejects definitions that were built by hand with duplicate or
// non-positive versions.
func validate(defs []Definition) ([]Definition, error) {
	out := make([]Definition, len(defs))
	copy(out, defs)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i, d := range out {
		if d.Version <= 0 {
			return nil, fmt.Errorf("invalid migration version %d", d.Version)
		}
		if i > 0 && out[i-1].Version == d.Version {
			return nil, fmt.Errorf("duplicate migration version %d", d.Version)
		}
		if d.Checksum == "" {
			out[i].Checksum = Checksum(d.Up)
		}
	}
	return out, nil
}

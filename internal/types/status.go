package types

// RepositoryStatus is the read-only view of one registry entry.
type RepositoryStatus struct {
	ID            string       `json:"id"`
	Key           string       `json:"key"`
	URL           string       `json:"url"`
	Suite         string       `json:"suite"`
	Components    []string     `json:"components,omitempty"`
	Name          string       `json:"name"`
	PreferredArch Architecture `json:"preferred_arch"`
	State         SyncState    `json:"state"`
	Packages      int          `json:"packages"`
	Progress      float64      `json:"progress"`
}

// PackageLookup answers "which record would be installed" for one
// identifier in one repository.
type PackageLookup struct {
	Repository string          `json:"repository"`
	Identifier string          `json:"identifier"`
	Preferred  *PackageRecord  `json:"preferred,omitempty"`
	Newest     *PackageRecord  `json:"newest,omitempty"`
	Versions   []PackageRecord `json:"versions,omitempty"`
}

package types

import "path/filepath"

type Config struct {
	CacheDir             string            `yaml:"cache_dir"`
	Sources              []string          `yaml:"sources"`
	SourcesWrite         string            `yaml:"sources_write"`
	Host                 HostArchitectures `yaml:"host"`
	Workers              int               `yaml:"workers"`
	TimeoutBackgroundSec int               `yaml:"timeout_background_sec"`
	TimeoutUserSec       int               `yaml:"timeout_user_sec"`
	VerifySignatures     bool              `yaml:"verify_signatures"`
	Keyrings             []string          `yaml:"keyrings"`
	MultiArch            bool              `yaml:"multi_arch"`
	UserAgent            string            `yaml:"user_agent"`
}

func (c Config) ListsDir() string {
	return filepath.Join(c.CacheDir, "lists")
}

func (c Config) PartialDir() string {
	return filepath.Join(c.CacheDir, "partial")
}

func (c Config) HashCachePath() string {
	return filepath.Join(c.CacheDir, "RepoHashCache.json")
}

func (c Config) StatePath() string {
	return filepath.Join(c.CacheDir, "state.yaml")
}

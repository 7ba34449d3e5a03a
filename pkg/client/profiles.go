package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Profile is a saved server connection.
type Profile struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`            // host:port of the TCP binding
	TLS      bool   `yaml:"tls"`             // dial with TLS
	Insecure bool   `yaml:"insecure"`        // accept self-signed certificates
	Login    string `yaml:"login,omitempty"` // username or email
	LastUsed int64  `yaml:"last_used,omitempty"`
}

// ProfileStore keeps profiles in a YAML file.
type ProfileStore struct {
	path     string
	Profiles []Profile `yaml:"profiles"`
}

// NewProfileStore uses path, or profiles.yaml next to the executable when
// path is empty.
func NewProfileStore(path string) *ProfileStore {
	if path == "" {
		dir := "."
		if exe, err := os.Executable(); err == nil {
			dir = filepath.Dir(exe)
		}
		path = filepath.Join(dir, "profiles.yaml")
	}
	return &ProfileStore{path: path}
}

// Load reads profiles from disk. A missing file is an empty store.
func (ps *ProfileStore) Load() error {
	data, err := os.ReadFile(ps.path)
	if errors.Is(err, os.ErrNotExist) {
		ps.Profiles = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("client: read profiles: %w", err)
	}
	if err := yaml.Unmarshal(data, ps); err != nil {
		return fmt.Errorf("client: parse profiles: %w", err)
	}
	return nil
}

// Save writes profiles to disk.
func (ps *ProfileStore) Save() error {
	data, err := yaml.Marshal(ps)
	if err != nil {
		return err
	}
	return os.WriteFile(ps.path, data, 0600)
}

// Put adds or replaces the profile with p's name. Returns true if it was a
// new entry.
func (ps *ProfileStore) Put(p Profile) bool {
	i := slices.IndexFunc(ps.Profiles, func(e Profile) bool { return e.Name == p.Name })
	if i >= 0 {
		ps.Profiles[i] = p
		return false
	}
	ps.Profiles = append(ps.Profiles, p)
	return true
}

// Get returns the named profile.
func (ps *ProfileStore) Get(name string) (Profile, bool) {
	i := slices.IndexFunc(ps.Profiles, func(e Profile) bool { return e.Name == name })
	if i < 0 {
		return Profile{}, false
	}
	return ps.Profiles[i], true
}

// Touch updates LastUsed for the named profile.
func (ps *ProfileStore) Touch(name string, ts int64) bool {
	for i := range ps.Profiles {
		if ps.Profiles[i].Name == name {
			ps.Profiles[i].LastUsed = ts
			return true
		}
	}
	return false
}

// Options returns the dial options for p.
func (p Profile) Options() Options {
	return Options{TLS: p.TLS, InsecureSkipVerify: p.Insecure}
}

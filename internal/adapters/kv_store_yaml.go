package adapters

import (
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"gopkg.in/yaml.v3"

	"aptsync/internal/shared"
)

// YAMLStoreAdapter is a flat string map persisted as one YAML document. It
// holds small per-repository state such as the chosen architecture.
type YAMLStoreAdapter struct {
	path string
	mu   sync.Mutex
}

func NewYAMLStoreAdapter(path string) *YAMLStoreAdapter {
	return &YAMLStoreAdapter{path: path}
}

func (a *YAMLStoreAdapter) Load(key string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	values, err := a.readLocked()
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

func (a *YAMLStoreAdapter) Save(key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("state key is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	values, err := a.readLocked()
	if err != nil {
		return err
	}
	if current, ok := values[key]; ok && current == value {
		return nil
	}
	values[key] = value
	return a.writeLocked(values)
}

func (a *YAMLStoreAdapter) Delete(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	values, err := a.readLocked()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return a.writeLocked(values)
}

func (a *YAMLStoreAdapter) readLocked() (map[string]string, error) {
	values := map[string]string{}
	data, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to read state file").
			WithCause(err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("failed to parse state file").
			WithCause(err)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

func (a *YAMLStoreAdapter) writeLocked(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to marshal state").
			WithCause(err)
	}
	if err := shared.WriteFileAtomic(a.path, data, 0644); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to write state file").
			WithCause(err)
	}
	return nil
}

// Package configstage writes instance configurations to files an instance can be pointed at.
package configstage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// File is a configuration that already exists on disk. It is passed to the instance as is and
// is never removed by the Stager.
type File string

// Stager owns a temporary directory of staged configurations.
type Stager struct {
	dir string
}

// New creates a Stager with a fresh temporary directory under dir, or the system temporary
// directory if dir is empty. prefix names the directory.
func New(dir, prefix string) (*Stager, error) {
	d, err := os.MkdirTemp(dir, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create config staging dir: %w", err)
	}
	return &Stager{dir: d}, nil
}

func (s *Stager) Dir() string {
	return s.dir
}

// Stage returns the path of a file holding cfg for instance id. A nil cfg has no file and
// returns an empty path. Anything other than a File is written out as YAML.
func (s *Stager) Stage(id int, cfg interface{}) (string, error) {
	switch c := cfg.(type) {
	case nil:
		return "", nil
	case File:
		return string(c), nil
	}

	b, err := marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config for instance %d: %w", id, err)
	}

	path := filepath.Join(s.dir, "instance-config-"+strconv.Itoa(id)+".yaml")
	err = os.WriteFile(path, b, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to stage config for instance %d: %w", id, err)
	}
	return path, nil
}

// marshal turns the panic yaml.v3 raises for values it cannot encode, such as funcs and
// channels, into an error.
func marshal(cfg interface{}) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return yaml.Marshal(cfg)
}

// Cleanup removes every staged file. It is safe to call more than once.
func (s *Stager) Cleanup() error {
	return os.RemoveAll(s.dir)
}

// Load reads a YAML configuration file into a generic value, for callers that want to modify
// a configuration before it is staged.
func Load(path string) (map[string]interface{}, error) {
	b, err := os.ReadFile(path) //#nosec:G304 // reading a user provided config is the point
	if err != nil {
		return nil, err
	}
	cfg := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

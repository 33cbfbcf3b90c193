// Package catalog resolves the symbolic repository and environment names a
// run request carries into concrete paths, interpreters and images. The
// catalog is a YAML file owned by the test-infrastructure team; runs never
// reference the filesystem directly.
package catalog

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a catalog lookup names an unknown entry.
var ErrNotFound = errors.New("catalog entry not found")

// Repository is a named checkout containing test suites.
type Repository struct {
	Path   string `yaml:"path"`
	Branch string `yaml:"branch"`
}

// Environment names the toolchain a run executes under. Interpreter is a
// directory prepended to PATH for subprocess runs; Image is the container
// image for container runs. Variables merge under request variables.
type Environment struct {
	Interpreter string            `yaml:"interpreter"`
	Image       string            `yaml:"image"`
	Variables   map[string]string `yaml:"variables"`
}

// Catalog holds the parsed file plus a checksum of its raw bytes, so config
// drift between service instances is visible in logs.
type Catalog struct {
	Repositories map[string]Repository  `yaml:"repositories"`
	Environments map[string]Environment `yaml:"environments"`

	checksum string
}

// Load reads and strictly parses the catalog at path. Unknown keys are
// rejected so typos fail at startup rather than at run time.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a Catalog from raw YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	for name, repo := range c.Repositories {
		if repo.Path == "" {
			return nil, fmt.Errorf("repository %q has no path", name)
		}
	}
	for name, env := range c.Environments {
		if env.Interpreter == "" && env.Image == "" {
			return nil, fmt.Errorf("environment %q has neither interpreter nor image", name)
		}
	}

	sum := blake3.Sum256(data)
	c.checksum = hex.EncodeToString(sum[:])
	return c, nil
}

// Checksum returns the BLAKE3 hex digest of the catalog file bytes.
func (c *Catalog) Checksum() string {
	return c.checksum
}

// Repository resolves a repository name.
func (c *Catalog) Repository(name string) (Repository, error) {
	repo, ok := c.Repositories[name]
	if !ok {
		return Repository{}, fmt.Errorf("repository %q: %w", name, ErrNotFound)
	}
	return repo, nil
}

// Environment resolves an environment name.
func (c *Catalog) Environment(name string) (Environment, error) {
	env, ok := c.Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("environment %q: %w", name, ErrNotFound)
	}
	return env, nil
}

// MergeVariables layers request variables over the environment's defaults.
// The request wins on conflicts.
func (e Environment) MergeVariables(request map[string]string) map[string]string {
	if len(e.Variables) == 0 && len(request) == 0 {
		return nil
	}
	merged := make(map[string]string, len(e.Variables)+len(request))
	for k, v := range e.Variables {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

// Package policy reads classification policies from a YAML file.
package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spigell/hh-sieve/internal/posting"
)

type document struct {
	Policies []posting.Policy `yaml:"policies"`
}

// FileStore serves policies from a YAML file. The file is read on every call
// so edits are picked up without a restart. A policy without updated_at is
// versioned by the file modification time.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the policy with the given id.
func (s *FileStore) Get(_ context.Context, id string) (posting.Policy, error) {
	policies, err := s.load()
	if err != nil {
		return posting.Policy{}, err
	}

	id = strings.TrimSpace(id)
	for _, p := range policies {
		if p.ID == id {
			return p, nil
		}
	}
	return posting.Policy{}, fmt.Errorf("policy %q: %w", id, posting.ErrNotFound)
}

// List returns all policies ordered by id.
func (s *FileStore) List(_ context.Context) ([]posting.Policy, error) {
	return s.load()
}

func (s *FileStore) load() ([]posting.Policy, error) {
	if strings.TrimSpace(s.path) == "" {
		return nil, fmt.Errorf("policies file is not configured")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat policies file: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read policies file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policies file %s: %w", s.path, err)
	}

	seen := make(map[string]struct{}, len(doc.Policies))
	policies := make([]posting.Policy, 0, len(doc.Policies))
	for i, p := range doc.Policies {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("policy #%d has no id", i+1)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("policy %q is defined twice", p.ID)
		}
		seen[p.ID] = struct{}{}

		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("policy %q has no text", p.ID)
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = info.ModTime().Truncate(time.Millisecond)
		}
		policies = append(policies, p)
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

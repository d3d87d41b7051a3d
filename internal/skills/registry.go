// Package skills discovers skill documents on disk and renders the agent
// system prompt from them.
//
// A skill is a directory under the skills root containing a Skill.md file: a
// YAML-style front-matter block between --- markers, followed by a Markdown
// body. The same directories are bind-mounted read-only into executor
// containers at /skills, so the prompt refers to skills by container path.
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
)

// skillFileName is the document every skill directory must contain.
const skillFileName = "Skill.md"

// Skill is one versioned Markdown document with front-matter metadata.
// Front-matter keys beyond the known set are preserved in Extra.
type Skill struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Version      string            `json:"version"`
	Dependencies string            `json:"dependencies"`
	Body         string            `json:"body,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Registry enumerates skills from a directory tree. The directory is scanned
// lazily on first query and re-read only on explicit Reload.
type Registry struct {
	root   string
	logger *logger.Logger

	mu     sync.RWMutex
	loaded bool
	skills []Skill // sorted by id
}

// NewRegistry creates a registry over the given skills root. The directory
// does not have to exist; a missing root reads as an empty skill set.
func NewRegistry(root string, log *logger.Logger) *Registry {
	return &Registry{
		root:   root,
		logger: log.WithFields(zap.String("component", "skills")),
	}
}

// List returns metadata for every discovered skill, sorted by id. Bodies are
// omitted.
func (r *Registry) List() []Skill {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Skill, len(r.skills))
	for i, skill := range r.skills {
		skill.Body = ""
		out[i] = skill
	}
	return out
}

// Get returns the full skill including its body.
func (r *Registry) Get(id string) (*Skill, error) {
	r.ensureLoaded()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, skill := range r.skills {
		if skill.ID == id {
			found := skill
			return &found, nil
		}
	}
	return nil, apperrors.SkillNotFound(id)
}

// SystemPrompt renders the agent system prompt for the current skill set.
// The output is deterministic: same skills, same bytes.
func (r *Registry) SystemPrompt() string {
	r.ensureLoaded()
	r.mu.RLock()
	skills := r.skills
	r.mu.RUnlock()

	return renderAgentPrompt(skills)
}

// Reload re-enumerates the skills directory, replacing the loaded set.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.swap(nil)
			return nil
		}
		return fmt.Errorf("failed to read skills directory: %w", err)
	}

	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skill, err := r.load(entry.Name())
		if err != nil {
			// A directory without a Skill.md is not a skill.
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Error("Failed to load skill",
					zap.String("skill_id", entry.Name()),
					zap.Error(err))
			}
			continue
		}
		skills = append(skills, *skill)
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].ID < skills[j].ID })
	r.swap(skills)

	r.logger.Info("Skills loaded", zap.Int("count", len(skills)), zap.String("root", r.root))
	return nil
}

func (r *Registry) ensureLoaded() {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return
	}
	if err := r.Reload(); err != nil {
		r.logger.Warn("Skill enumeration failed", zap.Error(err))
		r.swap(nil)
	}
}

func (r *Registry) swap(skills []Skill) {
	r.mu.Lock()
	r.skills = skills
	r.loaded = true
	r.mu.Unlock()
}

func (r *Registry) load(id string) (*Skill, error) {
	content, err := os.ReadFile(filepath.Join(r.root, id, skillFileName))
	if err != nil {
		return nil, err
	}

	meta, body := parseFrontMatter(string(content))
	skill := &Skill{
		ID:           id,
		Name:         meta["name"],
		Description:  meta["description"],
		Version:      meta["version"],
		Dependencies: meta["dependencies"],
		Body:         body,
	}
	if skill.Name == "" {
		skill.Name = id
	}
	if skill.Version == "" {
		skill.Version = "1.0.0"
	}
	for _, known := range []string{"name", "description", "version", "dependencies"} {
		delete(meta, known)
	}
	if len(meta) > 0 {
		skill.Extra = meta
	}
	return skill, nil
}

var frontMatterRegex = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n(.*)$`)

// parseFrontMatter splits a skill document into its front-matter key/value
// pairs and the Markdown body. A document without front matter yields empty
// metadata and the content unchanged. Values keep everything after the first
// colon, so descriptions may themselves contain colons.
func parseFrontMatter(content string) (map[string]string, string) {
	m := frontMatterRegex.FindStringSubmatch(content)
	if m == nil {
		return map[string]string{}, content
	}

	meta := make(map[string]string)
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(line)
		if key, value, ok := strings.Cut(line, ":"); ok {
			meta[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return meta, strings.TrimSpace(m[2])
}

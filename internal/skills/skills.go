// Package skills discovers SKILL.md files under the workspace and renders
// them for the system prompt: always-on skills inline, the rest as a
// catalogue the model can ask about.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename inside each skill directory.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Skill is one parsed SKILL.md.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Always      bool     `yaml:"always"`
	Keywords    []string `yaml:"keywords"`
	Requires    Requires `yaml:"requires"`

	// Content is the markdown body below the frontmatter.
	Content string `yaml:"-"`
	// Dir is the directory the skill was discovered in.
	Dir string `yaml:"-"`
}

// Requires lists the external preconditions a skill needs at runtime.
type Requires struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
}

// Available reports whether every required binary is on PATH and every
// required env var is set.
func (s *Skill) Available() bool {
	for _, bin := range s.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	for _, key := range s.Requires.Env {
		if os.Getenv(key) == "" {
			return false
		}
	}
	return true
}

// Parse parses SKILL.md content.
func Parse(data []byte, dir string) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var s Skill
	if err := yaml.Unmarshal(front, &s); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if s.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	s.Content = strings.TrimSpace(string(body))
	s.Dir = dir
	return &s, nil
}

func splitFrontmatter(data []byte) (front, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// Discover loads every skills/<name>/SKILL.md under the workspace, sorted by
// name. Unparseable skills are skipped, not fatal.
func Discover(workspace string) ([]*Skill, error) {
	root := filepath.Join(workspace, "skills")
	dirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var found []*Skill
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(root, d.Name(), SkillFilename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s, err := Parse(data, filepath.Dir(path))
		if err != nil {
			continue
		}
		found = append(found, s)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// AlwaysSkills returns the full content of always=true skills whose
// requirements are satisfied.
func AlwaysSkills(all []*Skill) []*Skill {
	var out []*Skill
	for _, s := range all {
		if s.Always && s.Available() {
			out = append(out, s)
		}
	}
	return out
}

// Catalogue renders one line per non-always skill, marking requirement
// satisfaction. When message is non-empty only skills whose name, description
// or keywords match a word of the message are listed; with an empty message
// the whole catalogue is returned.
func Catalogue(all []*Skill, message string) string {
	words := tokenize(message)
	var b strings.Builder
	for _, s := range all {
		if s.Always {
			continue
		}
		if message != "" && !matches(s, words) {
			continue
		}
		mark := "✓"
		if !s.Available() {
			mark = "✗"
		}
		fmt.Fprintf(&b, "- %s %s: %s\n", mark, s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func tokenize(message string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(message)) {
		words[strings.Trim(w, ".,!?;:\"'()")] = true
	}
	return words
}

func matches(s *Skill, words map[string]bool) bool {
	candidates := append([]string{s.Name}, s.Keywords...)
	candidates = append(candidates, strings.Fields(strings.ToLower(s.Description))...)
	for _, c := range candidates {
		if words[strings.ToLower(c)] {
			return true
		}
	}
	return false
}

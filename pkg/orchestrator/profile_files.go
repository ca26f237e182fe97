package orchestrator

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ProfileFiles points at the on-disk profile material. Empty paths are
// skipped.
type ProfileFiles struct {
	Identity string
	Soul     string
	Tools    string
	// SkillsDir holds one YAML document per skill (*.yaml or *.yml).
	SkillsDir     string
	EnabledSkills []string
}

// LoadProfile reads the files named by f.
func LoadProfile(f ProfileFiles) (Profile, error) {
	var p Profile
	var err error
	if p.Identity, err = readOptional(f.Identity); err != nil {
		return Profile{}, err
	}
	if p.Soul, err = readOptional(f.Soul); err != nil {
		return Profile{}, err
	}
	if p.Tools, err = readOptional(f.Tools); err != nil {
		return Profile{}, err
	}
	if f.SkillsDir != "" {
		if p.Skills, err = loadSkills(f.SkillsDir); err != nil {
			return Profile{}, err
		}
	}
	p.EnabledSkills = f.EnabledSkills
	return p, nil
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read profile file %s", path)
	}
	return string(b), nil
}

func loadSkills(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read skills dir %s", dir)
	}
	var skills []Skill
	seen := map[string]string{}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read skill %s", path)
		}
		var s Skill
		if err := yaml.Unmarshal(b, &s); err != nil {
			return nil, errors.Wrapf(err, "parse skill %s", path)
		}
		if strings.TrimSpace(s.Name) == "" {
			s.Name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, errors.Errorf("skill %q defined in both %s and %s", s.Name, prev, path)
		}
		seen[s.Name] = path
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

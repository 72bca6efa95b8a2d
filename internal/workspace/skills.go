package workspace

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SkillFile is the file that defines a skill inside its directory.
const SkillFile = "SKILL.md"

// Skill is a named capability described in skills/<name>/SKILL.md.
type Skill struct {
	Name        string
	Description string
	Path        string
}

// discoverSkills lists the skill directories under dir. A missing dir yields
// no skills.
func discoverSkills(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name(), SkillFile)
		desc, err := skillDescription(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return skills, err
		}
		skills = append(skills, Skill{Name: entry.Name(), Description: desc, Path: path})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// skillDescription returns the first non-empty line of the skill file with
// any heading markers removed.
func skillDescription(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimSpace(strings.TrimLeft(line, "#"))
		if line != "" {
			return line, nil
		}
	}
	return "", scanner.Err()
}

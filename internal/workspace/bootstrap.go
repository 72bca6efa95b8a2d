package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// BootstrapFile is a file seeded into a new workspace.
type BootstrapFile struct {
	Name    string
	Content string
}

// BootstrapResult lists the files written and the ones left alone.
type BootstrapResult struct {
	Created []string
	Skipped []string
}

const defaultSystemPrompt = "# SYSTEM.md\n\n" +
	"You are a personal assistant reachable from chat.\n\n" +
	"- Be concise; chat surfaces are small.\n" +
	"- Ask a clarifying question when a request is ambiguous.\n" +
	"- Use the remember tool for durable facts about the user.\n" +
	"- For scheduled tasks with nothing to report, reply {\"silent\": true}.\n"

const defaultMemory = "# MEMORY.md\n\n"

// BootstrapFiles returns the seed files for this workspace's layout.
func (w *Workspace) BootstrapFiles() []BootstrapFile {
	return []BootstrapFile{
		{Name: w.config.SystemFile, Content: defaultSystemPrompt},
		{Name: w.config.MemoryFile, Content: defaultMemory},
	}
}

// Bootstrap creates the workspace directory and any missing seed files.
// Existing files are only replaced when overwrite is set.
func (w *Workspace) Bootstrap(overwrite bool) (BootstrapResult, error) {
	var result BootstrapResult
	if err := os.MkdirAll(w.path(w.config.SkillsDir), 0o755); err != nil {
		return result, fmt.Errorf("create workspace dir: %w", err)
	}

	for _, file := range w.BootstrapFiles() {
		path := w.path(file.Name)
		if !overwrite {
			if _, err := os.Stat(path); err == nil {
				result.Skipped = append(result.Skipped, path)
				continue
			} else if !os.IsNotExist(err) {
				return result, fmt.Errorf("stat %s: %w", path, err)
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return result, fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("write %s: %w", path, err)
		}
		result.Created = append(result.Created, path)
	}
	w.Invalidate()
	return result, nil
}

// Package workspace loads the agent's file-backed prompt material: the
// system prompt, core memory and skill descriptions.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Config configures the workspace location and file names.
type Config struct {
	Path       string `yaml:"path" env:"PATH"`
	SystemFile string `yaml:"system_file" env:"SYSTEM_FILE"`
	MemoryFile string `yaml:"memory_file" env:"MEMORY_FILE"`
	SkillsDir  string `yaml:"skills_dir" env:"SKILLS_DIR"`
	// Watch invalidates cached content when workspace files change.
	Watch bool `yaml:"watch" env:"WATCH"`
}

// DefaultConfig returns the default workspace layout rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SystemFile: "SYSTEM.md",
		MemoryFile: "MEMORY.md",
		SkillsDir:  "skills",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(".")
	if strings.TrimSpace(c.Path) == "" {
		c.Path = d.Path
	}
	if c.SystemFile == "" {
		c.SystemFile = d.SystemFile
	}
	if c.MemoryFile == "" {
		c.MemoryFile = d.MemoryFile
	}
	if c.SkillsDir == "" {
		c.SkillsDir = d.SkillsDir
	}
	return c
}

// Provider supplies the static sections of the model context.
type Provider interface {
	SystemPrompt() string
	CoreMemory() string
	Skills() []Skill
}

type snapshot struct {
	system string
	memory string
	skills []Skill
}

// Workspace is a Provider backed by files on disk. Content is read lazily
// and cached until a file change or a memory append invalidates it.
type Workspace struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	cached *snapshot

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a workspace over config.Path. Missing files read as empty.
func New(config Config, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		config: config.withDefaults(),
		logger: logger.With("component", "workspace"),
	}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.config.Path
}

// SystemPrompt returns the content of the system prompt file.
func (w *Workspace) SystemPrompt() string {
	return strings.TrimSpace(w.load().system)
}

// CoreMemory returns the content of the memory file.
func (w *Workspace) CoreMemory() string {
	return strings.TrimSpace(w.load().memory)
}

// Skills returns the discovered skills sorted by name.
func (w *Workspace) Skills() []Skill {
	skills := w.load().skills
	out := make([]Skill, len(skills))
	copy(out, skills)
	return out
}

// SkillDescriptions returns "name: description" lines for the system prompt.
func (w *Workspace) SkillDescriptions() []string {
	skills := w.load().skills
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		if s.Description == "" {
			out = append(out, s.Name)
			continue
		}
		out = append(out, s.Name+": "+s.Description)
	}
	return out
}

// AppendMemory appends one bullet line to the memory file.
func (w *Workspace) AppendMemory(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.config.Path, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	path := w.path(w.config.MemoryFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	prefix := ""
	if info, err := f.Stat(); err == nil && info.Size() > 0 && !endsWithNewline(path, info.Size()) {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + "- " + line + "\n"); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	w.cached = nil
	return nil
}

// Invalidate drops cached content so the next read goes to disk.
func (w *Workspace) Invalidate() {
	w.mu.Lock()
	w.cached = nil
	w.mu.Unlock()
}

func (w *Workspace) load() *snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cached != nil {
		return w.cached
	}
	snap := &snapshot{
		system: w.readOptional(w.config.SystemFile),
		memory: w.readOptional(w.config.MemoryFile),
	}
	skills, err := discoverSkills(w.path(w.config.SkillsDir))
	if err != nil {
		w.logger.Warn("skill discovery failed", "error", err)
	}
	snap.skills = skills
	w.cached = snap
	return snap
}

func (w *Workspace) readOptional(name string) string {
	data, err := os.ReadFile(w.path(name))
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("read workspace file failed", "file", name, "error", err)
		}
		return ""
	}
	return string(data)
}

func (w *Workspace) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(w.config.Path, name)
}

// StartWatching invalidates the cache whenever a workspace file changes.
// It is a no-op unless Config.Watch is set.
func (w *Workspace) StartWatching(ctx context.Context) error {
	if !w.config.Watch {
		return nil
	}
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	if w.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.config.Path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.config.Path, err)
	}
	skillsDir := w.path(w.config.SkillsDir)
	_ = watcher.Add(skillsDir)
	if entries, err := os.ReadDir(skillsDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(skillsDir, e.Name()))
			}
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.wg.Add(1)
	go w.watchLoop(watchCtx, watcher)
	return nil
}

func (w *Workspace) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			w.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watch error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (w *Workspace) Close() error {
	w.watchMu.Lock()
	watcher := w.watcher
	cancel := w.cancel
	w.watcher = nil
	w.cancel = nil
	w.watchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}

func endsWithNewline(path string, size int64) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, size-1); err != nil {
		return true
	}
	return buf[0] == '\n'
}

var _ Provider = (*Workspace)(nil)

// Package vpstate implements the Durable State Store: a single JSON
// document holding instances, templates, resource types, live claims,
// and counter cursors, persisted under a mutex with atomic
// snapshot-style writes.
package vpstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/vibeproc/vibeprocessd/internal/registry"
	"github.com/vibeproc/vibeprocessd/pkg/template"
)

// Instance is a managed or adopted process, as persisted in the state
// document.
type Instance struct {
	Name      string            `json:"name"`
	Template  string            `json:"template,omitempty"`
	Command   string            `json:"command"`
	PID       int               `json:"pid"`
	Status    string            `json:"status"`
	Resources map[string]string `json:"resources,omitempty"`
	Started   time.Time         `json:"started,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Managed   bool              `json:"managed"`
	CPUTime   float64           `json:"cputime,omitempty"`
	Error     string            `json:"error,omitempty"`
	Action    string            `json:"action,omitempty"`
}

// Instance status values (spec §3).
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// DiscoveredTemplateID is the sentinel template id used for adopted
// instances that were not started from a Template.
const DiscoveredTemplateID = "discovered"

// document is the on-disk shape (spec §6). It is the JSON-facing
// twin of State, which additionally carries the mutex and path.
type document struct {
	Instances      map[string]*Instance                  `json:"instances"`
	Templates      map[string]*template.Template          `json:"templates"`
	Resources      map[string]*registry.Resource          `json:"resources"`
	Counters       map[string]int                         `json:"counters"`
	Types          map[string]*registry.ResourceType       `json:"types"`
	RemotesAllowed map[string]bool                        `json:"remotes_allowed"`
}

func newDocument() document {
	return document{
		Instances:      make(map[string]*Instance),
		Templates:      make(map[string]*template.Template),
		Resources:      make(map[string]*registry.Resource),
		Counters:       make(map[string]int),
		Types:          registry.DefaultResourceTypes(),
		RemotesAllowed: make(map[string]bool),
	}
}

// State is the durable document plus the mutex guarding every
// read-modify-write against it, and the path it is persisted to.
type State struct {
	mu   sync.Mutex
	path string
	doc  document
	log  *slog.Logger
}

// DefaultPath resolves $HOME/.vibeprocess/state.json, falling back to
// the password-entry home directory, then /tmp.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".vibeprocess", "state.json")
	}
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return filepath.Join(u.HomeDir, ".vibeprocess", "state.json")
	}
	return filepath.Join(os.TempDir(), ".vibeprocess", "state.json")
}

// Open loads path if it exists, seeding defaults on a missing file or
// a parse error (never corrupting a subsequent save). log may be nil.
func Open(path string, log *slog.Logger) (*State, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &State{path: path, doc: newDocument(), log: log}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("state file unreadable, starting fresh", "path", path, "error", err)
		}
		seedDefaultTemplates(&s.doc)
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Warn("state file corrupt, starting fresh", "path", path, "error", err)
		seedDefaultTemplates(&s.doc)
		return s, nil
	}

	if doc.Instances == nil {
		doc.Instances = make(map[string]*Instance)
	}
	if doc.Templates == nil {
		doc.Templates = make(map[string]*template.Template)
	}
	if doc.Resources == nil {
		doc.Resources = make(map[string]*registry.Resource)
	}
	if doc.Counters == nil {
		doc.Counters = make(map[string]int)
	}
	if doc.Types == nil || len(doc.Types) == 0 {
		doc.Types = registry.DefaultResourceTypes()
	}
	if doc.RemotesAllowed == nil {
		doc.RemotesAllowed = make(map[string]bool)
	}
	s.doc = doc
	if len(doc.Templates) == 0 {
		seedDefaultTemplates(&s.doc)
	}
	return s, nil
}

// seedDefaultTemplates installs the built-in postgres/node-express/qemu
// templates (spec §6), used only when the loaded (or freshly created)
// state has no templates at all.
func seedDefaultTemplates(doc *document) {
	doc.Templates["postgres"] = &template.Template{
		ID:        "postgres",
		Label:     "PostgreSQL",
		Command:   "postgres -D ${datadir} -p ${tcpport}",
		Resources: []string{"tcpport", "datadir"},
		Vars:      map[string]string{"datadir": "/tmp/pgdata"},
	}
	doc.Templates["node-express"] = &template.Template{
		ID:        "node-express",
		Label:     "Node/Express",
		Command:   "node server.js --port ${tcpport}",
		Resources: []string{"tcpport"},
	}
	doc.Templates["qemu"] = &template.Template{
		ID:        "qemu",
		Label:     "QEMU",
		Command:   "qemu-system-x86_64 -vnc :${vncport} -serial tcp::${serialport},server,nowait ${args}",
		Resources: []string{"vncport", "serialport"},
		Vars:      map[string]string{"args": "-m 2G"},
	}
}

// Save writes the document to a temp file in the same directory and
// renames it over path, so a crash mid-write never corrupts the
// previous good copy. File mode is restricted to owner read/write.
func (s *State) Save() error {
	s.mu.Lock()
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Lock and Unlock expose the store's mutex to callers (the Instance
// Manager) that need to hold it across several store mutations plus a
// Registry call, matching spec §5's single coarse mutex over the
// whole document.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// Instances returns the live instances map. Callers must hold the lock
// (via Lock/Unlock) when mutating it.
func (s *State) Instances() map[string]*Instance { return s.doc.Instances }

// Templates returns the templates map.
func (s *State) Templates() map[string]*template.Template { return s.doc.Templates }

// registry.Backend implementation -- the Registry mutates Types,
// Resources ("claims"), and Counters directly through these accessors,
// sharing this State's mutex.

func (s *State) Types() map[string]*registry.ResourceType { return s.doc.Types }
func (s *State) Claims() map[string]*registry.Resource     { return s.doc.Resources }
func (s *State) Counters() map[string]int                  { return s.doc.Counters }
func (s *State) Persist() error                            { return s.Save() }

// Mutex returns the store's mutex so a Registry can be constructed
// sharing it (registry.New takes a *sync.Mutex).
func (s *State) Mutex() *sync.Mutex { return &s.mu }

// RemotesAllowed returns the opaque remote-origin allow-list the HTTP
// layer owns; the core never interprets its contents.
func (s *State) RemotesAllowed() map[string]bool { return s.doc.RemotesAllowed }

// Package instance implements the Instance Manager: template-driven
// fork/exec, command interpolation, reaper supervision, adoption of
// foreign processes, and the periodic reconciliation sweep.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/vibeproc/vibeprocessd/internal/history"
	"github.com/vibeproc/vibeprocessd/internal/procfs"
	"github.com/vibeproc/vibeprocessd/internal/registry"
	"github.com/vibeproc/vibeprocessd/internal/vpstate"
	"github.com/vibeproc/vibeprocessd/pkg/template"
)

var (
	ErrAlreadyExists   = errors.New("instance already exists")
	ErrNotFound        = errors.New("instance not found")
	ErrNotStopped      = errors.New("instance is not stopped")
	ErrForkFailed      = errors.New("fork failed")
	ErrProbeFailure    = errors.New("unable to read process")
	ErrResourceConflict = errors.New("previously held resource is no longer available")
	ErrNotManaged      = errors.New("instance is not managed by this supervisor")
)

const (
	stopPollInterval = 100 * time.Millisecond
	stopGraceTimeout = 2 * time.Second
	stopForceWait    = 100 * time.Millisecond
	watcherInterval  = 2 * time.Second
)

// Manager is the Instance Manager. It coordinates the Durable State
// Store and the Resource Registry to run spec §4.3's operations.
type Manager struct {
	state *vpstate.State
	reg   *registry.Registry
	probe *procfs.Probe
	log   *slog.Logger

	mu      sync.Mutex          // guards cmds/watchers, distinct from state's mutex
	cmds    map[string]*exec.Cmd // live *exec.Cmd for processes this run started
	stopWatch map[string]chan struct{}

	hist *history.Sink // optional; nil means history recording is disabled
}

// New constructs a Manager over state, sharing state's mutex with the
// given registry (they must be the same store).
func New(state *vpstate.State, reg *registry.Registry, probe *procfs.Probe, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		state:     state,
		reg:       reg,
		probe:     probe,
		log:       log,
		cmds:      make(map[string]*exec.Cmd),
		stopWatch: make(map[string]chan struct{}),
	}
}

// WithHistory attaches an optional history sink; every subsequent
// lifecycle transition is additionally appended there. Passing nil
// disables recording (the default).
func (m *Manager) WithHistory(h *history.Sink) *Manager {
	m.hist = h
	return m
}

// record appends e to the history sink if one is attached, logging (but
// not returning) any failure: the history sink is never authoritative.
func (m *Manager) record(e history.Event) {
	if m.hist == nil {
		return
	}
	e.OccurredAt = time.Now()
	if err := m.hist.Record(context.Background(), e); err != nil {
		m.log.Warn("history record failed", "instance", e.Instance, "event", e.Type, "error", err)
	}
}

// Start launches tmpl as a new instance named name with caller-supplied
// variable overrides (spec §4.3.1).
func (m *Manager) Start(tmpl *template.Template, name string, vars map[string]string) (*vpstate.Instance, error) {
	m.state.Lock()
	if _, exists := m.state.Instances()[name]; exists {
		m.state.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadyExists)
	}
	m.state.Unlock()

	effective := template.MergeVars(tmpl.Vars, vars)
	claimed := make(map[string]string) // type -> value, for rollback and for the resources map

	rollback := func() {
		m.reg.ReleaseAll(name)
	}

	for _, rtype := range tmpl.Resources {
		requested := effective[rtype]
		value, err := m.reg.Allocate(rtype, requested)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("allocating %s for %s: %w", rtype, name, err)
		}
		m.reg.Claim(rtype, value, name)
		claimed[rtype] = value
		effective[rtype] = value
	}

	command := template.ExpandVars(tmpl.Command, effective)
	command, err := m.interpolateCounters(command, name, claimed)
	if err != nil {
		rollback()
		return nil, err
	}

	action := template.ExpandVars(tmpl.Action, template.MergeVars(effective, claimed))

	cwd := ""
	if wd, ok := claimed["workdir"]; ok {
		cwd = wd
	}

	pid, cmd, err := forkExec(command, cwd)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("%s: %w: %v", name, ErrForkFailed, err)
	}

	inst := &vpstate.Instance{
		Name:      name,
		Template:  tmpl.ID,
		Command:   command,
		PID:       pid,
		Status:    vpstate.StatusRunning,
		Resources: claimed,
		Started:   time.Now(),
		Cwd:       cwd,
		Managed:   true,
		Action:    action,
	}

	m.state.Lock()
	m.state.Instances()[name] = inst
	m.state.Unlock()
	if err := m.state.Save(); err != nil {
		m.log.Error("persist after start failed", "instance", name, "error", err)
	}

	m.mu.Lock()
	m.cmds[name] = cmd
	m.mu.Unlock()

	m.armReaper(name, pid, cmd)

	m.log.Info("instance started", "instance", name, "template", tmpl.ID, "pid", pid, "command", command)
	m.record(history.Event{Type: history.EventStart, Instance: name, PID: pid, Template: tmpl.ID})
	return inst, nil
}

// interpolateCounters resolves every %identifier token in command,
// left to right, allocating a fresh counter value per occurrence and
// claiming it under owner.
func (m *Manager) interpolateCounters(command, owner string, claimed map[string]string) (string, error) {
	for {
		name, ok := template.NextCounterToken(command)
		if !ok {
			return command, nil
		}
		value, err := m.reg.Allocate(name, "")
		if err != nil {
			return "", fmt.Errorf("allocating counter %s for %s: %w", name, owner, err)
		}
		m.reg.Claim(name, value, owner)
		claimed[name] = value
		command = template.ReplaceFirstToken(command, name, value)
	}
}

// forkExec starts "/bin/sh -c command" in a new process group, in cwd
// if non-empty. Returns the child's pid.
//
// cwd is deliberately not passed through cmd.Dir: Go's exec package
// performs chdir(2) on the child side of fork/exec and surfaces a
// failure there as a Start() error indistinguishable from a genuine
// fork failure, which would make a bad workdir look like ErrForkFailed
// and roll back claims that were never actually invalid. Instead the
// cd is folded into the shell command itself, so a chdir failure is
// just the child exiting 126, observed later by the reaper exactly
// like any other early exit.
func forkExec(command, cwd string) (int, *exec.Cmd, error) {
	shellCommand := command
	if cwd != "" {
		shellCommand = fmt.Sprintf("cd %q || exit 126\n%s", cwd, command)
	}
	cmd := exec.Command("/bin/sh", "-c", shellCommand)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	return cmd.Process.Pid, cmd, nil
}

// armReaper spawns the goroutine that blocks on cmd.Wait() and flips
// the instance to stopped once the child exits, provided the recorded
// pid still matches (spec §4.3.1 step 8).
func (m *Manager) armReaper(name string, pid int, cmd *exec.Cmd) {
	go func() {
		_ = cmd.Wait()

		m.mu.Lock()
		delete(m.cmds, name)
		m.mu.Unlock()

		m.state.Lock()
		inst := m.state.Instances()[name]
		if inst == nil || inst.PID != pid {
			m.state.Unlock()
			return // superseded by a restart; no-op
		}
		inst.Status = vpstate.StatusStopped
		inst.PID = 0
		m.state.Unlock()

		if err := m.state.Save(); err != nil {
			m.log.Error("persist after reap failed", "instance", name, "error", err)
		}
		m.log.Info("instance reaped", "instance", name)
		m.record(history.Event{Type: history.EventReap, Instance: name, PID: pid})
	}()
}

// Stop transitions a running instance through the graceful/forced
// signal escalation and marks it stopped (spec §4.3.2). Only managed
// instances may be signaled (P4); calling Stop on an adopted instance
// returns ErrNotManaged without sending any signal.
func (m *Manager) Stop(name string) error {
	m.state.Lock()
	inst := m.state.Instances()[name]
	if inst == nil {
		m.state.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if !inst.Managed {
		m.state.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotManaged)
	}
	if inst.PID <= 0 {
		m.state.Unlock()
		return nil
	}
	pid := inst.PID
	inst.Status = vpstate.StatusStopping
	m.state.Unlock()
	if err := m.state.Save(); err != nil {
		m.log.Warn("persist stopping status failed", "instance", name, "error", err)
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.Now().Add(stopGraceTimeout)
	for time.Now().Before(deadline) {
		if !m.probe.IsProcessRunning(pid) {
			break
		}
		time.Sleep(stopPollInterval)
	}
	if m.probe.IsProcessRunning(pid) {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		time.Sleep(stopForceWait)
	}

	m.state.Lock()
	inst = m.state.Instances()[name]
	if inst != nil {
		inst.Status = vpstate.StatusStopped
		inst.PID = 0
	}
	m.state.Unlock()

	// Open Question #1 resolution: stop releases all claims of managed
	// instances; adopted instances never reach this point.
	m.reg.ReleaseAll(name)

	if err := m.state.Save(); err != nil {
		m.log.Error("persist after stop failed", "instance", name, "error", err)
	}
	m.log.Info("instance stopped", "instance", name)
	m.record(history.Event{Type: history.EventStop, Instance: name, PID: pid})
	return nil
}

// Restart re-verifies every previously claimed resource, re-claims it,
// and re-execs the stored final command with no re-interpolation
// (spec §4.3.3). Only valid from status stopped.
func (m *Manager) Restart(name string) (*vpstate.Instance, error) {
	m.state.Lock()
	inst := m.state.Instances()[name]
	if inst == nil {
		m.state.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if inst.Status != vpstate.StatusStopped {
		m.state.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrNotStopped)
	}
	command := inst.Command
	cwd := inst.Cwd
	resources := make(map[string]string, len(inst.Resources))
	for k, v := range inst.Resources {
		resources[k] = v
	}
	m.state.Unlock()

	reclaimed := make(map[string]string)
	for rtype, value := range resources {
		ok, err := m.reg.Check(rtype, value)
		if err != nil {
			m.markError(name, err.Error())
			return nil, err
		}
		if !ok {
			m.reg.ReleaseAll(name)
			m.markError(name, ErrResourceConflict.Error())
			return nil, fmt.Errorf("%s %s for %s: %w", rtype, value, name, ErrResourceConflict)
		}
		m.reg.Claim(rtype, value, name)
		reclaimed[rtype] = value
	}

	pid, cmd, err := forkExec(command, cwd)
	if err != nil {
		m.reg.ReleaseAll(name)
		m.markError(name, err.Error())
		return nil, fmt.Errorf("%s: %w: %v", name, ErrForkFailed, err)
	}

	m.state.Lock()
	inst = m.state.Instances()[name]
	inst.PID = pid
	inst.Status = vpstate.StatusRunning
	inst.Started = time.Now()
	inst.Resources = reclaimed
	inst.Error = ""
	m.state.Unlock()
	if err := m.state.Save(); err != nil {
		m.log.Error("persist after restart failed", "instance", name, "error", err)
	}

	m.mu.Lock()
	m.cmds[name] = cmd
	m.mu.Unlock()
	m.armReaper(name, pid, cmd)

	m.log.Info("instance restarted", "instance", name, "pid", pid)
	m.record(history.Event{Type: history.EventRestart, Instance: name, PID: pid, Template: inst.Template})
	return inst, nil
}

func (m *Manager) markError(name, msg string) {
	m.state.Lock()
	if inst := m.state.Instances()[name]; inst != nil {
		inst.Status = vpstate.StatusError
		inst.Error = msg
	}
	m.state.Unlock()
	_ = m.state.Save()
}

// Monitor adopts a live external process as an unmanaged instance
// (spec §4.3.4).
func (m *Manager) Monitor(pid int, name string) (*vpstate.Instance, error) {
	m.state.Lock()
	if _, exists := m.state.Instances()[name]; exists {
		m.state.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadyExists)
	}
	m.state.Unlock()

	if !m.probe.IsProcessRunning(pid) {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrProbeFailure)
	}
	info := m.probe.ReadProcessInfo(pid)
	if info == nil {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrProbeFailure)
	}

	resources := make(map[string]string)
	ports := m.probe.GetPortsForProcess(pid)
	for i, port := range ports {
		key := "tcpport"
		if i > 0 {
			key = fmt.Sprintf("tcpport%d", i)
		}
		value := fmt.Sprintf("%d", port)
		m.reg.Claim(key, value, name)
		resources[key] = value
	}
	if info.Cwd != "" {
		m.reg.Claim("workdir", info.Cwd, name)
		resources["workdir"] = info.Cwd
	}

	inst := &vpstate.Instance{
		Name:      name,
		Template:  vpstate.DiscoveredTemplateID,
		Command:   info.Cmdline,
		PID:       pid,
		Status:    vpstate.StatusRunning,
		Resources: resources,
		Started:   time.Now(),
		Cwd:       info.Cwd,
		Managed:   false,
	}

	m.state.Lock()
	m.state.Instances()[name] = inst
	m.state.Unlock()
	if err := m.state.Save(); err != nil {
		m.log.Error("persist after monitor failed", "instance", name, "error", err)
	}

	m.armWatcher(name, pid)
	m.log.Info("instance adopted", "instance", name, "pid", pid)
	m.record(history.Event{Type: history.EventMonitor, Instance: name, PID: pid, Template: vpstate.DiscoveredTemplateID})
	return inst, nil
}

// armWatcher polls a monitored instance every 2s and flips it to
// stopped once the underlying process dies. It never sends a signal
// (P4): monitored instances are never managed.
func (m *Manager) armWatcher(name string, pid int) {
	stop := make(chan struct{})
	m.mu.Lock()
	m.stopWatch[name] = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(watcherInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if m.probe.IsProcessRunning(pid) {
					continue
				}
				m.state.Lock()
				inst := m.state.Instances()[name]
				if inst != nil && inst.PID == pid {
					inst.Status = vpstate.StatusStopped
					inst.PID = 0
				}
				m.state.Unlock()
				if err := m.state.Save(); err != nil {
					m.log.Error("persist after watcher stop failed", "instance", name, "error", err)
				}
				return
			}
		}
	}()
}

// Discover builds a ProcessInfo for pid, without mutating state.
func (m *Manager) Discover(pid int) *procfs.ProcessInfo {
	return m.probe.DiscoverProcess(pid)
}

// DiscoverOnPort resolves the process(es) listening on port and
// discovers the first one.
func (m *Manager) DiscoverOnPort(port int) *procfs.ProcessInfo {
	return m.probe.DiscoverProcessOnPort(port)
}

// DiscoverAll enumerates every PID under /proc, dropping kernel threads
// and PIDs already recorded as instance pids; if portsOnly, also drops
// entries with no listening ports (spec §4.3.4).
func (m *Manager) DiscoverAll(portsOnly bool) []*procfs.ProcessInfo {
	m.state.Lock()
	known := make(map[int]bool, len(m.state.Instances()))
	for _, inst := range m.state.Instances() {
		if inst.PID > 0 {
			known[inst.PID] = true
		}
	}
	m.state.Unlock()

	portMap := m.probe.BuildPortToPIDMap()
	pidToPorts := make(map[int][]int)
	for port, pids := range portMap {
		for _, pid := range pids {
			pidToPorts[pid] = append(pidToPorts[pid], port)
		}
	}

	var results []*procfs.ProcessInfo
	for _, pid := range procfs.ListPIDs() {
		if known[pid] {
			continue
		}
		info := m.probe.ReadProcessInfo(pid)
		if info == nil || info.KernelThread {
			continue
		}
		info.ListeningPorts = pidToPorts[pid]
		if portsOnly && len(info.ListeningPorts) == 0 {
			continue
		}
		results = append(results, info)
	}
	return results
}

// Reconcile refreshes status and CPU time for every running instance:
// alive instances get an updated CPU-seconds figure; dead ones are
// marked stopped with pid 0 and CPU 0 (spec §4.3.5).
func (m *Manager) Reconcile() {
	m.state.Lock()
	type pidCheck struct {
		name string
		pid  int
	}
	var checks []pidCheck
	for name, inst := range m.state.Instances() {
		if inst.Status == vpstate.StatusRunning {
			checks = append(checks, pidCheck{name, inst.PID})
		}
	}
	m.state.Unlock()

	for _, c := range checks {
		info := m.probe.ReadProcessInfo(c.pid)
		m.state.Lock()
		inst := m.state.Instances()[c.name]
		if inst == nil {
			m.state.Unlock()
			continue
		}
		if info != nil {
			inst.CPUTime = info.CPUSeconds
		} else {
			inst.Status = vpstate.StatusStopped
			inst.PID = 0
			inst.CPUTime = 0
		}
		m.state.Unlock()
	}

	if err := m.state.Save(); err != nil {
		m.log.Error("persist after reconcile failed", "error", err)
	}
}

// ReconcileAndReattach runs Reconcile, then additionally attempts to
// reattach instances whose pid went stale (status stopped, pid 0)
// because the supervisor itself restarted, by matching a live,
// not-yet-claimed process whose cmdline equals the instance's stored
// command. This never changes an instance the plain Reconcile
// wouldn't already leave alone; it only recovers instances Reconcile
// would otherwise strand as permanently stopped.
func (m *Manager) ReconcileAndReattach() {
	m.Reconcile()

	m.state.Lock()
	var stale []*vpstate.Instance
	claimed := make(map[int]bool)
	for _, inst := range m.state.Instances() {
		if inst.Status == vpstate.StatusStopped && inst.Managed {
			stale = append(stale, inst)
		}
		if inst.PID > 0 {
			claimed[inst.PID] = true
		}
	}
	m.state.Unlock()
	if len(stale) == 0 {
		return
	}

	for _, pid := range procfs.ListPIDs() {
		if claimed[pid] {
			continue
		}
		info := m.probe.ReadProcessInfo(pid)
		if info == nil || info.KernelThread {
			continue
		}
		for _, inst := range stale {
			if inst.Command == "" || inst.Command != info.Cmdline {
				continue
			}
			m.state.Lock()
			if cur := m.state.Instances()[inst.Name]; cur != nil && cur.Status == vpstate.StatusStopped {
				cur.PID = pid
				cur.Status = vpstate.StatusRunning
				claimed[pid] = true
			}
			m.state.Unlock()
			break
		}
	}

	if err := m.state.Save(); err != nil {
		m.log.Error("persist after reattach failed", "error", err)
	}
}

// ExecuteAction runs inst's already-interpolated action string as a
// detached background shell command and reports whether the shell
// accepted it. Not part of the lifecycle (spec §4.3.6).
func ExecuteAction(action string) error {
	if action == "" {
		return fmt.Errorf("no action defined")
	}
	cmd := exec.Command("/bin/sh", "-c", action)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd.Start()
}

// Delete removes name from the store outright, stopping it first if it
// is a running managed instance, and releasing any claims it still
// holds. A running adopted instance is not signaled.
func (m *Manager) Delete(name string) error {
	m.state.Lock()
	inst := m.state.Instances()[name]
	m.state.Unlock()
	if inst == nil {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if inst.Status == vpstate.StatusRunning && inst.Managed {
		if err := m.Stop(name); err != nil {
			return err
		}
	}
	m.reg.ReleaseAll(name)

	m.mu.Lock()
	if stop, ok := m.stopWatch[name]; ok {
		close(stop)
		delete(m.stopWatch, name)
	}
	m.mu.Unlock()

	m.state.Lock()
	delete(m.state.Instances(), name)
	m.state.Unlock()
	return m.state.Save()
}

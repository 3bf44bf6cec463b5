// Package procfs implements read-only introspection of Linux processes
// and listening sockets via /proc. Every operation tolerates a process
// vanishing mid-read: a missing or unparsable /proc entry is treated as
// "no such process", never as an error worth raising.
package procfs

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tklauser/go-sysconf"
)

// ShellNames are the shells whose immediate child is credited as a
// "launch script" rather than as the shell itself.
var ShellNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "ksh": true, "tcsh": true, "csh": true,
}

// ProcessInfo is a point-in-time snapshot of one process. It is never
// persisted; the Instance Manager copies the fields it cares about into
// durable state.
type ProcessInfo struct {
	PID            int
	PPID           int
	Name           string
	Cmdline        string
	Exe            string
	Cwd            string
	Env            map[string]string
	ListeningPorts []int
	CPUSeconds     float64
	KernelThread   bool
}

// Probe answers queries about local processes without mutating anything.
type Probe struct {
	clockTicks int64
}

// New constructs a Probe, resolving the kernel's clock-tick rate once.
// Falls back to 100Hz (the historically near-universal default) if the
// rate cannot be determined.
func New() *Probe {
	p := &Probe{clockTicks: 100}
	if clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && clk > 0 {
		p.clockTicks = clk
	}
	return p
}

func procDir(pid int) string {
	return "/proc/" + strconv.Itoa(pid)
}

// IsProcessRunning reports whether pid names a live process. pid<=0 is
// never running.
func (p *Probe) IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if _, err := os.Stat(procDir(pid)); err != nil {
		return false
	}
	return true
}

// ReadProcessInfo returns a snapshot of pid, or nil if the PID does not
// exist. Kernel threads are returned with KernelThread set and their
// Exe/Cwd/Env/ListeningPorts omitted.
func (p *Probe) ReadProcessInfo(pid int) *ProcessInfo {
	statPath := procDir(pid) + "/stat"
	raw, err := os.ReadFile(statPath)
	if err != nil {
		return nil
	}
	info := &ProcessInfo{PID: pid}
	line := string(raw)
	nameStart := strings.IndexByte(line, '(')
	nameEnd := strings.LastIndexByte(line, ')')
	if nameStart < 0 || nameEnd < 0 || nameEnd < nameStart {
		return nil
	}
	info.Name = line[nameStart+1 : nameEnd]
	rest := strings.Fields(strings.TrimSpace(line[nameEnd+1:]))
	// rest[0] = state, rest[1] = ppid, ... rest[11]/rest[12] = utime/stime (fields 14/15 overall)
	if len(rest) > 1 {
		if ppid, err := strconv.Atoi(rest[1]); err == nil {
			info.PPID = ppid
		}
	}
	if len(rest) > 12 {
		utime, uerr := strconv.ParseInt(rest[11], 10, 64)
		stime, serr := strconv.ParseInt(rest[12], 10, 64)
		if uerr == nil && serr == nil {
			info.CPUSeconds = float64(utime+stime) / float64(p.clockTicks)
		}
	}

	cmdline := readCmdline(pid)
	info.Cmdline = cmdline

	info.KernelThread = isKernelThread(info.PPID, cmdline, info.Name)
	if info.KernelThread {
		return info
	}

	if exe, err := os.Readlink(procDir(pid) + "/exe"); err == nil {
		info.Exe = exe
	}
	if cwd, err := os.Readlink(procDir(pid) + "/cwd"); err == nil {
		info.Cwd = cwd
	}
	info.Env = readEnviron(pid)
	return info
}

func isKernelThread(ppid int, cmdline, name string) bool {
	if (ppid == 0 || ppid == 2) && cmdline == "" {
		return true
	}
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		return true
	}
	return false
}

func readCmdline(pid int) string {
	raw, err := os.ReadFile(procDir(pid) + "/cmdline")
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	return strings.TrimSpace(strings.Join(parts, " "))
}

func readEnviron(pid int) map[string]string {
	raw, err := os.ReadFile(procDir(pid) + "/environ")
	if err != nil {
		return nil
	}
	env := make(map[string]string)
	for _, kv := range strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00") {
		if kv == "" {
			continue
		}
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env
}

// BuildPortToPIDMap parses the IPv4 and IPv6 TCP tables and returns,
// for every LISTEN-state local port, the set of PIDs whose file
// descriptors reference the underlying socket inode.
func (p *Probe) BuildPortToPIDMap() map[int][]int {
	inodeToPort := make(map[uint64]int)
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		parseTCPTable(path, inodeToPort)
	}
	if len(inodeToPort) == 0 {
		return map[int][]int{}
	}

	result := make(map[int][]int)
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return result
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := procDir(pid) + "/fd"
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(fdDir + "/" + fd.Name())
			if err != nil || !strings.HasPrefix(link, "socket:[") {
				continue
			}
			inodeStr := strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]")
			inode, err := strconv.ParseUint(inodeStr, 10, 64)
			if err != nil {
				continue
			}
			if port, ok := inodeToPort[inode]; ok {
				result[port] = append(result[port], pid)
			}
		}
	}
	return result
}

// parseTCPTable reads a /proc/net/tcp{,6}-format file, recording the
// inode of every socket in LISTEN state keyed by its local port.
func parseTCPTable(path string, out map[uint64]int) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr := fields[1]
		state := fields[3]
		inodeStr := fields[9]
		if state != "0A" { // LISTEN
			continue
		}
		colon := strings.IndexByte(localAddr, ':')
		if colon < 0 {
			continue
		}
		portVal, err := strconv.ParseInt(localAddr[colon+1:], 16, 32)
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(inodeStr, 10, 64)
		if err != nil {
			continue
		}
		out[inode] = int(portVal)
	}
}

// ListPIDs enumerates every numeric entry under /proc.
func ListPIDs() []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, entry := range entries {
		if pid, err := strconv.Atoi(entry.Name()); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// GetPortsForProcess returns the ports pid is listening on, derived
// from BuildPortToPIDMap.
func (p *Probe) GetPortsForProcess(pid int) []int {
	m := p.BuildPortToPIDMap()
	var ports []int
	for port, pids := range m {
		for _, candidate := range pids {
			if candidate == pid {
				ports = append(ports, port)
				break
			}
		}
	}
	return ports
}

// GetParentChain walks pid's ancestry upward, starting with pid itself.
// It stops at pid 1, ppid 0, a repeated pid (cycle), or after 100 hops.
func (p *Probe) GetParentChain(pid int) []*ProcessInfo {
	var chain []*ProcessInfo
	seen := make(map[int]bool)
	current := pid
	for i := 0; i < 100; i++ {
		if current <= 0 || seen[current] {
			break
		}
		seen[current] = true
		info := p.ReadProcessInfo(current)
		if info == nil {
			break
		}
		chain = append(chain, info)
		if current == 1 || info.PPID == 0 {
			break
		}
		current = info.PPID
	}
	return chain
}

// FindLaunchScript returns the first entry in chain whose immediate
// parent (the next entry) is a known shell. If none qualifies, it
// falls back to the deepest ancestor that is neither pid 1 nor named
// systemd.
func FindLaunchScript(chain []*ProcessInfo) *ProcessInfo {
	for i, info := range chain {
		if i+1 >= len(chain) {
			break
		}
		parent := chain[i+1]
		if ShellNames[parent.Name] {
			return info
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		info := chain[i]
		if info.PID != 1 && info.Name != "systemd" {
			return info
		}
	}
	return nil
}

// DiscoverProcess builds a ProcessInfo for pid itself, without mutating
// any state. FindLaunchScript is a separate operation callers may run
// over the same chain; DiscoverProcess does not apply it.
func (p *Probe) DiscoverProcess(pid int) *ProcessInfo {
	chain := p.GetParentChain(pid)
	if len(chain) == 0 {
		return nil
	}
	target := chain[0]
	target.ListeningPorts = p.GetPortsForProcess(target.PID)
	return target
}

// DiscoverProcessOnPort resolves the PID(s) listening on port and
// discovers the first one.
func (p *Probe) DiscoverProcessOnPort(port int) *ProcessInfo {
	m := p.BuildPortToPIDMap()
	pids := m[port]
	if len(pids) == 0 {
		return nil
	}
	return p.DiscoverProcess(pids[0])
}

// BootTime returns the kernel boot time (from /proc/stat's btime), or
// zero if unavailable.
func BootTime() time.Time {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "btime ") {
			if v, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64); err == nil {
				return time.Unix(v, 0)
			}
		}
	}
	return time.Time{}
}

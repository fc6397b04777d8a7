package linutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// ProcPath returns the path of elem inside the /proc directory of pid.
func ProcPath(pid int, elem ...string) string {
	return filepath.Join(append([]string{"/proc", strconv.Itoa(pid)}, elem...)...)
}

// ListPids returns the ids of all processes visible in /proc, sorted in
// ascending order.
func ListPids() ([]int, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, err
	}
	pids := make([]int, len(procs))
	for i := range procs {
		pids[i] = procs[i].PID
	}
	sort.Ints(pids)
	return pids, nil
}

// ProcessState is the state letter of /proc/<pid>/stat.
type ProcessState byte

const (
	StateRunning     ProcessState = 'R'
	StateSleeping    ProcessState = 'S'
	StateDiskSleep   ProcessState = 'D'
	StateStopped     ProcessState = 'T'
	StateTracingStop ProcessState = 't'
	StateZombie      ProcessState = 'Z'
	StateDead        ProcessState = 'X'
	StateIdle        ProcessState = 'I'
)

func (s ProcessState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateDiskSleep:
		return "disk sleep"
	case StateStopped:
		return "stopped"
	case StateTracingStop:
		return "tracing stop"
	case StateZombie:
		return "zombie"
	case StateDead:
		return "dead"
	case StateIdle:
		return "idle"
	}
	return fmt.Sprintf("ProcessState(%q)", byte(s))
}

// ProcStat holds the fields of /proc/<pid>/stat used by procmem.
type ProcStat struct {
	Pid        int
	Comm       string
	State      ProcessState
	Ppid       int
	NumThreads int
	StartTime  uint64
	Vsize      uint64
	Rss        int64
}

// ReadStat reads /proc/<pid>/stat.
func ReadStat(pid int) (*ProcStat, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return readStat(fs, pid)
}

func readStat(fs procfs.FS, pid int) (*ProcStat, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	st, err := p.Stat()
	if err != nil {
		return nil, err
	}
	if len(st.State) != 1 {
		return nil, fmt.Errorf("malformed stat: state %q", st.State)
	}
	return &ProcStat{
		Pid:        st.PID,
		Comm:       st.Comm,
		State:      ProcessState(st.State[0]),
		Ppid:       st.PPID,
		NumThreads: st.NumThreads,
		StartTime:  st.Starttime,
		Vsize:      uint64(st.VSize),
		Rss:        int64(st.RSS),
	}, nil
}

// ProcStatus holds the fields of /proc/<pid>/status used to locate and
// attach to processes.
type ProcStatus struct {
	Name      string
	State     ProcessState
	Tgid      int
	Pid       int
	PPid      int
	TracerPid int
	Uid       [4]int // real, effective, saved, filesystem
}

// ParseStatus parses the contents of a /proc/<pid>/status file.
func ParseStatus(r io.Reader) (*ProcStatus, error) {
	var st ProcStatus
	s := bufio.NewScanner(r)
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		var err error
		switch key {
		case "Name":
			st.Name = value
		case "State":
			if value != "" {
				st.State = ProcessState(value[0])
			}
		case "Tgid":
			st.Tgid, err = strconv.Atoi(value)
		case "Pid":
			st.Pid, err = strconv.Atoi(value)
		case "PPid":
			st.PPid, err = strconv.Atoi(value)
		case "TracerPid":
			st.TracerPid, err = strconv.Atoi(value)
		case "Uid":
			for i, f := range strings.Fields(value) {
				if i >= len(st.Uid) {
					break
				}
				if st.Uid[i], err = strconv.Atoi(f); err != nil {
					break
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("malformed status field %s: %v", key, err)
		}
	}
	return &st, s.Err()
}

// ReadStatus reads /proc/<pid>/status.
func ReadStatus(pid int) (*ProcStatus, error) {
	f, err := os.Open(ProcPath(pid, "status"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseStatus(f)
}

// ReadComm returns the command name of pid.
func ReadComm(pid int) (string, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return "", err
	}
	return p.Comm()
}

// ReadCmdline returns the arguments of pid. Kernel threads and zombies have
// an empty command line.
func ReadCmdline(pid int) ([]string, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}
	args, err := p.CmdLine()
	if err != nil || len(args) == 0 {
		return nil, err
	}
	return args, nil
}

// FormatCmdline joins args quoting the ones that contain spaces.
func FormatCmdline(args []string) string {
	quoted := make([]string, len(args))
	for i := range args {
		quoted[i] = args[i]
		if strings.Contains(args[i], " ") {
			quoted[i] = strconv.Quote(args[i])
		}
	}
	return strings.Join(quoted, " ")
}

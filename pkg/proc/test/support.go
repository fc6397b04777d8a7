package test

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

// Fixtures is a map of Fixture.Name to Fixture.
var Fixtures = make(map[string]Fixture)

var fixturesMu sync.Mutex

func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture compiles _fixtures/<name>.go into a temporary file.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := Fixtures[name]; ok {
		return f
	}

	fixturesDir := FindFixturesDir()

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	path := filepath.Join(fixturesDir, name+".go")
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	cmd := exec.Command("go", "build", "-o", tmpfile, name+".go")
	cmd.Dir = fixturesDir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Error compiling %s: %v\n%s", path, err, out)
	}

	source, _ := filepath.Abs(path)
	source = filepath.ToSlash(source)

	Fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: source}
	return Fixtures[name]
}

// RunTestsWithFixtures will pre-compile test fixtures before running test
// methods. Test binaries are deleted before exiting.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	// Remove the fixtures.
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}

// Target is a running fixture.
type Target struct {
	Cmd *exec.Cmd
	// Values are the "name value..." lines printed by the fixture before
	// "ready".
	Values map[string][]string

	stdin io.WriteCloser
}

// Pid returns the process id of the target.
func (tgt *Target) Pid() int {
	return tgt.Cmd.Process.Pid
}

// Addr returns the address printed by the fixture on the line starting
// with name.
func (tgt *Target) Addr(t testing.TB, name string) uint64 {
	t.Helper()
	v := tgt.Values[name]
	if len(v) == 0 {
		t.Fatalf("fixture did not print %q", name)
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(v[0], "0x"), 16, 64)
	if err != nil {
		t.Fatalf("bad address for %q: %v", name, err)
	}
	return addr
}

// Kill kills the target and waits for it to exit.
func (tgt *Target) Kill() {
	tgt.Cmd.Process.Kill()
	tgt.Cmd.Wait()
}

// Stop closes the standard input of the target, which makes it exit, and
// waits for it.
func (tgt *Target) Stop() {
	tgt.stdin.Close()
	tgt.Cmd.Wait()
}

// StartFixture starts fixture at path, possibly renamed to exe, and waits
// for it to print "ready". The target is stopped when the test ends.
func StartFixture(t testing.TB, fixture Fixture, exe string) *Target {
	t.Helper()
	path := fixture.Path
	if exe != "" {
		path = filepath.Join(t.TempDir(), exe)
		if err := os.Link(fixture.Path, path); err != nil {
			buf, err := os.ReadFile(fixture.Path)
			if err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, buf, 0o755); err != nil {
				t.Fatal(err)
			}
		}
	}
	cmd := exec.Command(path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	tgt := &Target{Cmd: cmd, Values: make(map[string][]string), stdin: stdin}

	s := bufio.NewScanner(stdout)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "ready" {
			break
		}
		tgt.Values[fields[0]] = fields[1:]
	}
	if err := s.Err(); err != nil {
		tgt.Kill()
		t.Fatalf("reading fixture output: %v", err)
	}
	t.Cleanup(func() {
		if tgt.Cmd.ProcessState == nil {
			tgt.Kill()
		}
	})
	return tgt
}

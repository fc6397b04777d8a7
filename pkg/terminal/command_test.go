package terminal

import (
	"bytes"
	"debug/elf"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/procmem/pkg/config"
	"github.com/go-delve/procmem/pkg/logflags"
	"github.com/go-delve/procmem/pkg/proc/native"
	"github.com/go-delve/procmem/pkg/proc/test"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(test.RunTestsWithFixtures(m))
}

type FakeTerminal struct {
	*Term
	t   testing.TB
	tgt *test.Target
}

const logCommandOutput = false

func (ft *FakeTerminal) Exec(cmdstr string) (outstr string, err error) {
	var buf bytes.Buffer
	w := ft.Term.stdout.pw.w
	ft.Term.stdout.pw.w = &buf
	defer func() {
		ft.Term.stdout.pw.w = w
		outstr = buf.String()
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", cmdstr, outstr)
		}
	}()
	err = ft.cmds.Call(cmdstr, ft.Term)
	return
}

func (ft *FakeTerminal) ExecStarlark(starlarkProgram string) (outstr string, err error) {
	var buf bytes.Buffer
	w := ft.Term.stdout.pw.w
	ft.Term.stdout.pw.w = &buf
	defer func() {
		ft.Term.stdout.pw.w = w
		outstr = buf.String()
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", starlarkProgram, outstr)
		}
	}()
	_, err = ft.Term.starlarkEnv.Execute("<stdin>", starlarkProgram, "main", nil)
	return
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Errorf("output of %q: %q", cmdstr, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) MustExecStarlark(starlarkProgram string) string {
	outstr, err := ft.ExecStarlark(starlarkProgram)
	if err != nil {
		ft.t.Errorf("output of %q: %q", starlarkProgram, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", starlarkProgram, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if !strings.Contains(err.Error(), tgterr) {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

func withTestTerminal(t *testing.T, fn func(*FakeTerminal)) {
	os.Setenv("TERM", "dumb")
	tgt := test.StartFixture(t, test.BuildFixture(t, "memtarget"), "")
	h, err := native.FindByPid(tgt.Pid())
	require.NoError(t, err)
	sess, err := native.Open(h, native.OpenOptions{})
	require.NoError(t, err)
	defer sess.Close()

	ft := &FakeTerminal{
		t:    t,
		tgt:  tgt,
		Term: New(sess, &config.Config{}),
	}
	defer ft.Close()
	fn(ft)
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existant-command")
	)

	err := cmd(nil, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandEmpty(t *testing.T) {
	cmds := MemoryCommands()
	if err := cmds.Find("")(nil, ""); err != nil {
		t.Fatalf("empty command returned %v", err)
	}
}

func TestIssue354(t *testing.T) {
	term := New(nil, nil)
	defer term.Close()
	if err := term.cmds.Call("", term); err != nil {
		t.Fatal(err)
	}
	if err := term.cmds.Call("   ", term); err != nil {
		t.Fatal(err)
	}
}

func TestNoTarget(t *testing.T) {
	ft := &FakeTerminal{t: t, Term: New(nil, nil)}
	defer ft.Close()
	ft.AssertExecError("maps", "no target")
	ft.AssertExecError("read 0x1000", "no target")
	out := ft.MustExec("help")
	assert.Contains(t, out, "Reading and writing memory")
	assert.Contains(t, out, "read (alias: x | examinemem)")
	out = ft.MustExec("help write")
	assert.Contains(t, out, "write -s <address> <string>")
}

func TestConfig(t *testing.T) {
	var term Term
	term.conf = &config.Config{}
	term.cmds = MemoryCommands()
	term.stdout = &transcriptWriter{pw: &pagingWriter{w: new(bytes.Buffer)}}

	err := configureCmd(&term, "max-dump-bytes 128")
	require.NoError(t, err)
	assert.Equal(t, 128, term.conf.GetMaxDumpBytes())

	err = configureCmd(&term, "force-trace-attach true")
	require.NoError(t, err)
	assert.True(t, term.conf.ForceTraceAttach)

	err = configureCmd(&term, "force-trace-attach maybe")
	assert.Error(t, err)

	err = configureCmd(&term, "hexdump-width 8")
	require.NoError(t, err)
	assert.Equal(t, 8, term.conf.GetHexdumpWidth())

	err = configureCmd(&term, "nonexistent-parameter 10")
	assert.Error(t, err)

	err = configureCmd(&term, "alias read dd")
	require.NoError(t, err)
	assert.Equal(t, []string{"dd"}, term.conf.Aliases["read"])
	err = term.cmds.Find("dd")(&term, "")
	assert.NotEqual(t, noCmdError, err)

	err = configureCmd(&term, "alias dd")
	require.NoError(t, err)
	assert.Empty(t, term.conf.Aliases["read"])
	err = term.cmds.Find("dd")(&term, "")
	assert.Equal(t, noCmdError, err)

	err = configureCmd(&term, `alias "read" 'rd'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"rd"}, term.conf.Aliases["read"])
	assert.Error(t, configureCmd(&term, "alias read rd extra"))
	assert.Error(t, configureCmd(&term, "alias read | rd"))

	buf := new(bytes.Buffer)
	term.stdout.pw.w = buf
	require.NoError(t, configureCmd(&term, "-list"))
	assert.Contains(t, buf.String(), "max-dump-bytes")
	assert.Contains(t, buf.String(), "addr-cache-size")
	assert.Contains(t, buf.String(), "<not defined>")
}

func TestHexdump(t *testing.T) {
	var buf bytes.Buffer
	data := []byte("0123456789abcdef\x00\x01\x02")
	hexdump(&buf, 0x1000, data, 16)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "0x1000: 30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0x1010: 00 01 02 "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], "|...|"), lines[1])
}

func TestPrettyExamineMemory(t *testing.T) {
	data := []byte{0x01, 0x00, 0x02, 0x00, 0xff, 0xff, 0x10, 0x00}
	out := prettyExamineMemory(0xc000, data, 'x', 2)
	assert.Equal(t, "0xc000:   0x0001   0x0002   0xffff   0x0010   \n", out)
	out = prettyExamineMemory(0xc000, data[:4], 'd', 4)
	assert.Equal(t, "0xc000:   000000131073   \n", out)
	out = prettyExamineMemory(0xc000, data[:1], 'b', 1)
	assert.Equal(t, "0xc000:   00000001   \n", out)
}

func TestMapsAndModules(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", term.tgt.Pid()))
		require.NoError(t, err)

		out := term.MustExec("maps")
		assert.Contains(t, out, exe)
		assert.Contains(t, out, "stack")

		out = term.MustExec("maps " + filepath.Base(exe))
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			assert.Contains(t, line, exe)
		}

		out = term.MustExec("modules")
		assert.Contains(t, out, exe)

		out = term.MustExec("refresh")
		assert.Contains(t, out, "generation 2")

		out = term.MustExec("info")
		assert.Regexp(t, fmt.Sprintf(`(?m)^Pid +%d$`, term.tgt.Pid()), out)
		assert.Contains(t, out, "direct")
		assert.Regexp(t, `(?m)^Entry point +0x[0-9a-f]+$`, out)
		assert.Regexp(t, `(?m)^Program headers +0x[0-9a-f]+$`, out)
		assert.NotContains(t, out, "Interpreter", "static executable")

		out = term.MustExec("libs")
		assert.Equal(t, "no shared libraries\n", out)
	})
}

func TestSymbolCommands(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		bufAddr := term.tgt.Addr(t, "buf")

		out := term.MustExec("sym main.buf")
		assert.True(t, strings.HasPrefix(out, fmt.Sprintf("%#x main.buf size 8192", bufAddr)), out)

		exe := filepath.Base(term.sess.Handle().Cmdline()[0])
		out = term.MustExec("sym " + exe + "!main.buf")
		assert.Contains(t, out, fmt.Sprintf("%#x", bufAddr))

		term.AssertExecError("sym main.doesnotexist", "could not find symbol main.doesnotexist")

		out = term.MustExec(fmt.Sprintf("addr %#x", bufAddr+16))
		assert.Equal(t, fmt.Sprintf("%#x %s!main.buf+0x10\n", bufAddr+16, exe), out)

		out = term.MustExec("addr main.marker")
		assert.Contains(t, out, "!main.marker\n")

		out = term.MustExec("syms main.ma")
		assert.Contains(t, out, "main.main")
		assert.Contains(t, out, "main.marker")

		assert.Contains(t, term.complete("sym main.bu"), "sym main.buf")
		assert.Empty(t, term.complete("help main.bu"))
		assert.Contains(t, term.complete("he"), "help")
	})
}

func TestReadWriteCommands(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		bufAddr := term.tgt.Addr(t, "buf")

		out := term.MustExec("read -len 16 main.buf")
		assert.Equal(t, fmt.Sprintf("%#x: 00 01 02 03 04 05 06 07  08 09 0a 0b 0c 0d 0e 0f  |................|\n", bufAddr), out)

		out = term.MustExec("read -fmt hex -size 4 -len 2 main.buf+4")
		assert.Contains(t, out, "0x07060504")
		assert.Contains(t, out, "0x0b0a0908")

		term.AssertExecError("read -len 100000 main.buf", "must be less than or equal to")
		term.AssertExecError("read -fmt hexx main.buf", "not a valid format")
		term.AssertExecError("read -len 0 main.buf", "must be a positive integer")
		term.AssertExecError("read -size 3 main.buf", "size must be one of")
		term.AssertExecError("read -foo main.buf", "unknown option")

		out = term.MustExec("write main.buf+0x20 de ad be ef")
		assert.Equal(t, fmt.Sprintf("4 bytes written at %#x\n", bufAddr+0x20), out)
		out = term.MustExec("read -fmt hex -size 4 -len 1 main.buf+0x20")
		assert.Contains(t, out, "0xefbeadde")

		term.MustExec(fmt.Sprintf(`write -s %#x "hello world"`, bufAddr+0x100))
		term.MustExec(fmt.Sprintf("write %#x 00", bufAddr+0x10b))
		out = term.MustExec(fmt.Sprintf("str %#x", bufAddr+0x100))
		assert.Equal(t, "\"hello world\"\n", out)

		term.AssertExecError("write main.buf zz", "could not parse data")
		term.AssertExecError("write main.marker 90", "not writable")

		term.MustExec(fmt.Sprintf("write main.buf+0x200 %016x", swap64(bufAddr+0x10)))
		out = term.MustExec("ptr main.buf+0x200")
		assert.Contains(t, out, fmt.Sprintf("%#x <", bufAddr+0x10))
		assert.Contains(t, out, "!main.buf+0x10>")
	})
}

// swap64 reverses the byte order of v.
func swap64(v uint64) uint64 {
	var r uint64
	for i := 0; i < 8; i++ {
		r = r<<8 | v&0xff
		v >>= 8
	}
	return r
}

func TestDumpCommand(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "core")
		out := term.MustExec("dump " + path)
		assert.Contains(t, out, "regions")
		f, err := elf.Open(path)
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, elf.ET_CORE, f.Type)
	})
}

func TestTranscript(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "transcript")
		term.MustExec("transcript -t " + path)
		term.MustExec("sym main.buf")
		term.MustExec("transcript -off")
		buf, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(buf), "main.buf size 8192")
	})
}

func TestSourceFile(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "cmds")
		require.NoError(t, os.WriteFile(path, []byte("# a comment\nsym main.buf\n\nnotacommand\nrefresh\n"), 0o644))
		out := term.MustExec("source " + path)
		assert.Contains(t, out, "main.buf size 8192")
		assert.Contains(t, out, ":4: command not available")
		assert.Contains(t, out, "generation 2")

		path = filepath.Join(t.TempDir(), "exit")
		require.NoError(t, os.WriteFile(path, []byte("exit\nsym main.buf\n"), 0o644))
		_, err := term.Exec("source " + path)
		_, isExit := err.(ExitRequestError)
		assert.True(t, isExit)
	})
}

func TestStarlark(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		bufAddr := term.tgt.Addr(t, "buf")

		out := term.MustExecStarlark(`def main():
	sym = resolve("main.buf")
	print(hex(sym.Addr), sym.Size)
	data = read(sym.Addr + 1, 3)
	print(data == b"\x01\x02\x03")
	print(write(sym.Addr + 0x300, "abc\x00"))
	print(read_string(sym.Addr + 0x300))
	print(resolve_addr(sym.Addr + 5).Name)
	m, s = symbolize(sym.Addr)
	print(s.Name, m.Path == executable().Path)
	print(len([r for r in maps() if r.Kind == "stack"]))
	print(session_info().Pid)
`)
		lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
		require.Len(t, lines, 7, out)
		assert.Equal(t, fmt.Sprintf("%#x 8192", bufAddr), lines[0])
		assert.Equal(t, "True", lines[1])
		assert.Equal(t, "4", lines[2])
		assert.Equal(t, "abc", lines[3])
		assert.Equal(t, "main.buf", lines[4])
		assert.Equal(t, "main.buf True", lines[5])
		assert.Equal(t, "1", lines[6])

		out = term.MustExecStarlark(`def main():
	print(session_info().Pid)
	print(refresh())
	mods = modules()
	print(len([m for m in mods if m.Path == executable().Path]))
	print(len(symbols("main.mar")) > 0, len(symbols("main.", executable())) > 0)
`)
		lines = strings.Split(strings.TrimRight(out, "\n"), "\n")
		require.Len(t, lines, 4, out)
		assert.Equal(t, fmt.Sprint(term.tgt.Pid()), lines[0])
		assert.Equal(t, "2", lines[1])
		assert.Equal(t, "1", lines[2])
		assert.Equal(t, "True True", lines[3])

		_, err := term.ExecStarlark(`def main():
	resolve("main.nope")
`)
		assert.Error(t, err)
		_, err = term.ExecStarlark(`def main():
	read(1)
`)
		assert.Error(t, err)
	})
}

func TestStarlarkCommand(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		term.MustExecStarlark(`def command_bufsize(args):
	"Prints the size of a symbol."
	print(resolve(args).Size)
`)
		out := term.MustExec("bufsize main.buf")
		assert.Equal(t, "8192\n", out)
		out = term.MustExec("help bufsize")
		assert.Equal(t, "Prints the size of a symbol.\n", out)

		out = term.MustExecStarlark(`def main():
	procmem_command("sym", "main.buf")
`)
		assert.Contains(t, out, "main.buf size 8192")
	})
}

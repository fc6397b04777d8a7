package starbind

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/go-delve/procmem/pkg/proc"
	"github.com/go-delve/procmem/pkg/proc/native"
	"github.com/go-delve/procmem/pkg/proc/test"
)

func TestMain(m *testing.M) {
	os.Exit(test.RunTestsWithFixtures(m))
}

type fakeContext struct {
	sess *proc.Session
}

func (ctx fakeContext) Session() *proc.Session                            { return ctx.sess }
func (ctx fakeContext) RegisterCommand(string, string, func(string) error) {}
func (ctx fakeContext) CallCommand(string) error                          { return nil }
func (ctx fakeContext) MaxReadBytes() int                                 { return 4096 }

func TestReplNoTarget(t *testing.T) {
	env := &Env{ctx: fakeContext{}, env: starlark.StringDict{"maps": starlark.None}}
	globals := env.replGlobals()
	assert.Contains(t, globals, "maps")
	assert.NotContains(t, globals, "pid")
	assert.Equal(t, "procmem>>> ", replPrompt(nil))
	assert.Equal(t, "42", annotateValue(nil, starlark.MakeInt(42)))
	assert.Equal(t, `"abc"`, annotateValue(nil, starlark.String("abc")))
}

func TestReplAnnotate(t *testing.T) {
	tgt := test.StartFixture(t, test.BuildFixture(t, "memtarget"), "")
	h, err := native.FindByPid(tgt.Pid())
	require.NoError(t, err)
	sess, err := native.Open(h, native.OpenOptions{})
	require.NoError(t, err)
	defer sess.Close()

	exe, err := sess.Executable()
	require.NoError(t, err)
	name := filepath.Base(exe.Path)
	bufAddr := tgt.Addr(t, "buf")

	env := &Env{ctx: fakeContext{sess: sess}, env: starlark.StringDict{}}
	globals := env.replGlobals()
	assert.Equal(t, starlark.MakeInt(tgt.Pid()), globals["pid"])
	assert.Equal(t, fmt.Sprintf("procmem[%d]>>> ", tgt.Pid()), replPrompt(sess))

	assert.Equal(t, fmt.Sprintf("%d <%s!main.buf>", bufAddr, name), annotateValue(sess, starlark.MakeUint64(bufAddr)))
	assert.Equal(t, fmt.Sprintf("%d <%s!main.buf+0x10>", bufAddr+16, name), annotateValue(sess, starlark.MakeUint64(bufAddr+16)))
	assert.Equal(t, "3", annotateValue(sess, starlark.MakeInt(3)))
	assert.Equal(t, "-1", annotateValue(sess, starlark.MakeInt(-1)))
}

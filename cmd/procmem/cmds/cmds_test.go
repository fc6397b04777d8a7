package cmds

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestJoin(t *testing.T) {
	testCases := []struct {
		cmd  string
		args []string
		tgt  string
	}{
		{"maps", nil, "maps"},
		{"read", []string{"-len", "16", "main.buf"}, "read -len 16 main.buf"},
		{"write", []string{"-s", "0x1000", "hello world"}, `write -s 0x1000 "hello world"`},
	}
	for _, tc := range testCases {
		if out := join(tc.cmd, tc.args...); out != tc.tgt {
			t.Errorf("expected %q, got %q", tc.tgt, out)
		}
	}
}

func TestPidArgs(t *testing.T) {
	testCases := []struct {
		lo, hi int
		args   []string
		ok     bool
	}{
		{1, 1, []string{"10"}, true},
		{1, 1, []string{}, false},
		{1, 1, []string{"10", "x"}, false},
		{1, 1, []string{"x"}, false},
		{1, 1, []string{"-3"}, false},
		{3, -1, []string{"10", "0x10", "de", "ad"}, true},
	}
	for _, tc := range testCases {
		err := pidArgs(tc.lo, tc.hi)(&cobra.Command{}, tc.args)
		if (err == nil) != tc.ok {
			t.Errorf("%d %d %q: unexpected error %v", tc.lo, tc.hi, tc.args, err)
		}
	}
}

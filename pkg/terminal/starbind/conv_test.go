package starbind

import (
	"testing"

	"go.starlark.net/starlark"

	"github.com/go-delve/procmem/pkg/proc"
)

func TestConv(t *testing.T) {
	script := `
# A list global that we'll unmarshal into a slice.
x = [1,2]
`
	globals, err := starlark.ExecFile(&starlark.Thread{}, "test.star", script, nil)
	if err != nil {
		t.Fatal(err)
	}
	starlarkVal, ok := globals["x"]
	if !ok {
		t.Fatal("missing global 'x'")
	}
	var x []int
	err = unmarshalStarlarkValue(starlarkVal, &x, "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(x) != 2 || x[0] != 1 || x[1] != 2 {
		t.Fatalf("expected [1 2], got: %v", x)
	}

	var data []byte
	if err := unmarshalStarlarkValue(starlark.String("abc"), &data, "Data"); err != nil || string(data) != "abc" {
		t.Fatalf("string to bytes: %q %v", data, err)
	}
	if err := unmarshalStarlarkValue(starlark.Bytes("\x00\x01"), &data, "Data"); err != nil || string(data) != "\x00\x01" {
		t.Fatalf("bytes: %q %v", data, err)
	}
	var addr uint64
	if err := unmarshalStarlarkValue(starlark.MakeInt(-1), &addr, "Addr"); err == nil {
		t.Fatalf("negative address accepted")
	}
}

func TestConvRegions(t *testing.T) {
	env := &Env{}
	regions := []proc.MemoryRegion{
		{Start: 0x1000, End: 0x2000, Perm: proc.PermRead | proc.PermExec, Path: "/bin/cat", Kind: proc.FileBacked},
		{Start: 0x3000, End: 0x4000, Perm: proc.PermRead | proc.PermWrite, Kind: proc.Heap, Path: "[heap]"},
	}
	v := env.interfaceToStarlarkValue(regions)
	seq, ok := v.(starlark.Indexable)
	if !ok {
		t.Fatalf("slice converted to %T", v)
	}
	if seq.Len() != 2 {
		t.Fatalf("wrong length %d", seq.Len())
	}
	r, ok := seq.Index(0).(starlark.HasAttrs)
	if !ok {
		t.Fatalf("region converted to %T", seq.Index(0))
	}
	start, err := r.Attr("Start")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := starlark.AsInt32(start); n != 0x1000 {
		t.Errorf("wrong start %v", start)
	}
	perm, err := r.Attr("Perm")
	if err != nil {
		t.Fatal(err)
	}
	if perm != starlark.String(proc.Perm(proc.PermRead|proc.PermExec).String()) {
		t.Errorf("wrong permissions %v", perm)
	}
	if _, err := r.Attr("nope"); err == nil {
		t.Errorf("expected error for a missing field")
	}
	for _, name := range r.AttrNames() {
		if _, err := r.Attr(name); err != nil {
			t.Errorf("field %s: %v", name, err)
		}
	}
}

func TestUnpackArgs(t *testing.T) {
	names := []string{"Addr", "Max?"}
	vals, err := unpackArgs(starlark.Tuple{starlark.MakeInt(10)}, nil, names)
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != starlark.MakeInt(10) || vals[1] != starlark.None {
		t.Errorf("wrong values %v", vals)
	}
	vals, err = unpackArgs(nil, []starlark.Tuple{{starlark.String("Max"), starlark.MakeInt(3)}, {starlark.String("Addr"), starlark.MakeInt(1)}}, names)
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != starlark.MakeInt(1) || vals[1] != starlark.MakeInt(3) {
		t.Errorf("wrong values %v", vals)
	}
	for _, tc := range []struct {
		args   starlark.Tuple
		kwargs []starlark.Tuple
	}{
		{nil, nil},
		{starlark.Tuple{starlark.MakeInt(1), starlark.MakeInt(2), starlark.MakeInt(3)}, nil},
		{starlark.Tuple{starlark.MakeInt(1)}, []starlark.Tuple{{starlark.String("Addr"), starlark.MakeInt(1)}}},
		{starlark.Tuple{starlark.MakeInt(1)}, []starlark.Tuple{{starlark.String("Other"), starlark.MakeInt(1)}}},
	} {
		if _, err := unpackArgs(tc.args, tc.kwargs, names); err == nil {
			t.Errorf("%v %v: expected error", tc.args, tc.kwargs)
		}
	}
}

package starbind

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/go-delve/procmem/pkg/proc"
)

// SessionInfo is returned by the session_info builtin.
type SessionInfo struct {
	ID         string
	Pid        int
	Comm       string
	Cmdline    []string
	Width      int
	Mode       string
	State      string
	Generation uint64
}

type sessionBuiltin struct {
	name string
	args []string // names of the arguments, optional ones end with '?'
	doc  string
	fn   func(s *proc.Session, args []starlark.Value) (interface{}, error)
}

func (env *Env) sessionBuiltins() []sessionBuiltin {
	return []sessionBuiltin{
		{"maps", nil, "returns the memory regions of the last snapshot of the memory map.", func(s *proc.Session, _ []starlark.Value) (interface{}, error) {
			snap, err := s.Snapshot()
			if err != nil {
				return nil, err
			}
			return snap.Regions(), nil
		}},
		{"refresh", nil, "reads the memory map again and returns its generation.", func(s *proc.Session, _ []starlark.Value) (interface{}, error) {
			snap, err := s.Refresh()
			if err != nil {
				return nil, err
			}
			return snap.Generation(), nil
		}},
		{"modules", nil, "returns the loaded modules.", func(s *proc.Session, _ []starlark.Value) (interface{}, error) {
			return s.Modules()
		}},
		{"find_module", []string{"Query"}, "returns the module named Query (a path or a base name) or containing the address Query.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			return moduleArg(s, args[0])
		}},
		{"executable", nil, "returns the module of the executable.", func(s *proc.Session, _ []starlark.Value) (interface{}, error) {
			return s.Executable()
		}},
		{"resolve", []string{"Name", "Module?"}, "returns the symbol called Name in Module, the executable by default.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			var name string
			if err := unmarshalStarlarkValue(args[0], &name, "Name"); err != nil {
				return nil, err
			}
			m, err := moduleArg(s, args[1])
			if err != nil {
				return nil, err
			}
			return s.Resolve(m, name)
		}},
		{"resolve_addr", []string{"Addr", "Module?"}, "returns the symbol containing Addr. Without Module the module containing Addr is searched.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			var addr uint64
			if err := unmarshalStarlarkValue(args[0], &addr, "Addr"); err != nil {
				return nil, err
			}
			if args[1] == nil || args[1] == starlark.None {
				_, sym, err := s.Symbolize(addr)
				return sym, err
			}
			m, err := moduleArg(s, args[1])
			if err != nil {
				return nil, err
			}
			return s.ResolveAddr(m, addr)
		}},
		{"symbolize", []string{"Addr"}, "returns a (module, symbol) tuple for Addr.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			var addr uint64
			if err := unmarshalStarlarkValue(args[0], &addr, "Addr"); err != nil {
				return nil, err
			}
			m, sym, err := s.Symbolize(addr)
			if err != nil {
				return nil, err
			}
			return starlark.Tuple{env.interfaceToStarlarkValue(m), env.interfaceToStarlarkValue(sym)}, nil
		}},
		{"symbols", []string{"Prefix?", "Module?"}, "returns the symbols of Module, the executable by default, whose name starts with Prefix.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			var prefix string
			if err := unmarshalStarlarkValue(args[0], &prefix, "Prefix"); err != nil {
				return nil, err
			}
			m, err := moduleArg(s, args[1])
			if err != nil {
				return nil, err
			}
			return s.SymbolsWithPrefix(m, prefix)
		}},
		{"read", []string{"Addr", "Len"}, "reads Len bytes at Addr.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			var addr uint64
			var n int
			if err := unmarshalStarlarkValue(args[0], &addr, "Addr"); err != nil {
				return nil, err
			}
			if err := unmarshalStarlarkValue(args[1], &n, "Len"); err != nil {
				return nil, err
			}
			if limit := env.ctx.MaxReadBytes(); n > limit {
				return nil, fmt.Errorf("can not read more than %d bytes", limit)
			}
			return s.Read(addr, n)
		}},
		{"read_pointer", []string{"Addr"}, "reads a pointer sized value at Addr.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			var addr uint64
			if err := unmarshalStarlarkValue(args[0], &addr, "Addr"); err != nil {
				return nil, err
			}
			return s.ReadPointer(addr)
		}},
		{"read_string", []string{"Addr", "Max?"}, "reads a NUL terminated string of at most Max bytes at Addr.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			var addr uint64
			limit := env.ctx.MaxReadBytes()
			if err := unmarshalStarlarkValue(args[0], &addr, "Addr"); err != nil {
				return nil, err
			}
			if err := unmarshalStarlarkValue(args[1], &limit, "Max"); err != nil {
				return nil, err
			}
			return s.ReadCString(addr, limit)
		}},
		{"write", []string{"Addr", "Data"}, "writes Data, a bytes or string value, at Addr and returns the number of bytes written.", func(s *proc.Session, args []starlark.Value) (interface{}, error) {
			var addr uint64
			var data []byte
			if err := unmarshalStarlarkValue(args[0], &addr, "Addr"); err != nil {
				return nil, err
			}
			if err := unmarshalStarlarkValue(args[1], &data, "Data"); err != nil {
				return nil, err
			}
			return s.WriteMemory(addr, data)
		}},
		{"entry_point", nil, "returns the entry point of the executable.", func(s *proc.Session, _ []starlark.Value) (interface{}, error) {
			return s.EntryPoint()
		}},
		{"link_map", nil, "returns the objects loaded by the dynamic linker.", func(s *proc.Session, _ []starlark.Value) (interface{}, error) {
			return s.LinkMap()
		}},
		{"session_info", nil, "returns information about the target and the session.", func(s *proc.Session, _ []starlark.Value) (interface{}, error) {
			h := s.Handle()
			return SessionInfo{
				ID:         s.ID(),
				Pid:        h.Pid(),
				Comm:       h.Comm(),
				Cmdline:    h.Cmdline(),
				Width:      int(h.Width()),
				Mode:       h.Mode().String(),
				State:      h.State().String(),
				Generation: s.Generation(),
			}, nil
		}},
	}
}

// starlarkPredeclare returns the builtins operating on the session of
// the context and their documentation.
func (env *Env) starlarkPredeclare() (starlark.StringDict, map[string]string) {
	r := starlark.StringDict{}
	doc := make(map[string]string)

	for _, b := range env.sessionBuiltins() {
		b := b
		r[b.name] = starlark.NewBuiltin(b.name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := isCancelled(thread); err != nil {
				return starlark.None, decorateError(thread, err)
			}
			s := env.ctx.Session()
			if s == nil {
				return starlark.None, decorateError(thread, errors.New("no target"))
			}
			vals, err := unpackArgs(args, kwargs, b.args)
			if err != nil {
				return starlark.None, decorateError(thread, err)
			}
			ret, err := b.fn(s, vals)
			if err != nil {
				return starlark.None, decorateError(thread, err)
			}
			return env.interfaceToStarlarkValue(ret), nil
		})
		names := make([]string, len(b.args))
		for i := range b.args {
			names[i] = strings.TrimSuffix(b.args[i], "?")
		}
		doc[b.name] = fmt.Sprintf("builtin %s(%s)\n\n%s %s", b.name, strings.Join(names, ", "), b.name, b.doc)
	}
	return r, doc
}

// unpackArgs matches positional and keyword arguments to names. Arguments
// that are not passed are nil, missing arguments without a '?' suffix are
// an error.
func unpackArgs(args starlark.Tuple, kwargs []starlark.Tuple, names []string) ([]starlark.Value, error) {
	if len(args) > len(names) {
		return nil, fmt.Errorf("too many arguments, expected at most %d", len(names))
	}
	vals := make([]starlark.Value, len(names))
	copy(vals, args)
	for _, kv := range kwargs {
		name, _ := kv[0].(starlark.String)
		found := false
		for i := range names {
			if strings.TrimSuffix(names[i], "?") == string(name) {
				if vals[i] != nil {
					return nil, fmt.Errorf("argument %s passed twice", name)
				}
				vals[i] = kv[1]
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown argument %q", kv[0])
		}
	}
	for i := range names {
		if vals[i] == nil {
			if !strings.HasSuffix(names[i], "?") {
				return nil, fmt.Errorf("missing argument %s", names[i])
			}
			vals[i] = starlark.None
		}
	}
	return vals, nil
}

// moduleArg converts a module name, an address or a module returned by
// another builtin to a module. None is the executable.
func moduleArg(s *proc.Session, v starlark.Value) (*proc.Module, error) {
	switch v := v.(type) {
	case nil, starlark.NoneType:
		return s.Executable()
	case starlark.String:
		return s.FindModule(string(v))
	case starlark.Int:
		addr, ok := v.Uint64()
		if !ok {
			return nil, fmt.Errorf("bad address %v", v)
		}
		return s.FindModuleByAddr(addr)
	case structAsStarlarkValue:
		if !v.v.CanAddr() {
			break
		}
		if m, ok := v.v.Addr().Interface().(*proc.Module); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("can not convert %s to a module", v)
}

package policy

import (
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"
)

// LoadLua builds a registry from a Lua policy file. The script runs exactly
// once, in a sandbox with no I/O and no nondeterminism, and must define a
// global 'tools' table mapping tool names to "read_only" or
// "side_effecting". The resulting registry is fixed; the script is never
// consulted again.
func LoadLua(scriptPath string) (*Registry, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	openSafeLibs(L)

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("failed to evaluate policy script: %w", err)
	}

	toolsVal := L.GetGlobal("tools")
	toolsTbl, ok := toolsVal.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("policy script must define a 'tools' table")
	}

	reg := NewRegistry()
	var loadErr error
	toolsTbl.ForEach(func(k, v lua.LValue) {
		if loadErr != nil {
			return
		}
		name, ok := k.(lua.LString)
		if !ok {
			loadErr = fmt.Errorf("policy: tool name must be a string, got %s", k.Type())
			return
		}
		class, ok := v.(lua.LString)
		if !ok {
			loadErr = fmt.Errorf("policy: classification for %q must be a string, got %s", name, v.Type())
			return
		}
		if err := reg.Register(string(name), Classification(class)); err != nil {
			loadErr = err
		}
	})
	if loadErr != nil {
		return nil, loadErr
	}

	return reg, nil
}

// openSafeLibs loads only deterministic, I/O-free standard libraries.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove anything that can load code or reach the filesystem
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

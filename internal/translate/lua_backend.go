package translate

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/petervdpas/chatbackbone/internal/logging"
)

// LuaBackend lets an operator drop in a script implementing a global
// `translate(text, targetLang)` function without a rebuild, adapted from
// the teacher's sandboxed-VM idiom (restricted stdlib, no dofile/require).
// One LState per call: gopher-lua's LState is not safe for concurrent use,
// and scripts here are assumed short-lived and side-effect free.
type LuaBackend struct {
	script string
}

// NewLuaBackend loads script source (not a path) to be executed fresh for
// every Translate call.
func NewLuaBackend(script string) *LuaBackend {
	return &LuaBackend{script: script}
}

// Translate runs the configured script in a sandboxed VM and calls its
// global `translate` function with (text, targetLang), returning its first
// string return value.
func (b *LuaBackend) Translate(text, targetLang string) (string, error) {
	L := newSandboxedVM()
	defer L.Close()

	if err := L.DoString(b.script); err != nil {
		return "", fmt.Errorf("translate: lua script error: %w", err)
	}

	fn := L.GetGlobal("translate")
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("translate: script does not define a global translate(text, targetLang) function")
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, lua.LString(text), lua.LString(targetLang)); err != nil {
		return "", fmt.Errorf("translate: lua call failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	s, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("translate: script returned non-string value %v", ret)
	}
	return string(s), nil
}

// newSandboxedVM builds a restricted gopher-lua state: only base/table/
// string/math libraries, no dofile/loadfile/require, no os/io — a pure
// text-transform sandbox, narrower even than the teacher's goop.* VM since
// a translation script has no business touching the network or filesystem.
func newSandboxedVM() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: 64,
		RegistrySize:  1024,
	})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		if err := L.PCall(1, 0, nil); err != nil {
			logging.Translate.Warnw("failed to open lua library", "lib", lib.name, "err", err)
		}
	}

	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	return L
}

package scripting

import (
	"errors"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a JSON-shaped Go value into a Lua value. Unsupported types
// become their fmt representation.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []any:
		t := L.NewTable()
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case []int:
		t := L.NewTable()
		for _, e := range x {
			t.Append(lua.LNumber(e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	case map[string]bool:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, lua.LBool(e))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// MaxTableDepth bounds how deeply nested a table returned by a script may be.
const MaxTableDepth = 32

// ErrCyclicTable is returned when a script returns a table that contains itself.
var ErrCyclicTable = errors.New("table refers to itself")

// toGo converts a Lua value into a JSON-shaped Go value. Tables whose keys
// are exactly 1..n become slices; other tables become maps keyed by the
// string form of each key. Integral numbers become int.
//
// Postcondition: Returns ErrCyclicTable for self-referencing tables and an
// error for nesting beyond MaxTableDepth. A table shared by two branches is
// converted twice.
func toGo(v lua.LValue) (any, error) {
	return (&converter{active: make(map[*lua.LTable]bool)}).value(v, 0)
}

type converter struct {
	active map[*lua.LTable]bool
}

func (c *converter) value(v lua.LValue, depth int) (any, error) {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LString:
		return string(x), nil
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int(f), nil
		}
		return f, nil
	case *lua.LTable:
		return c.table(x, depth)
	default:
		return v.String(), nil
	}
}

func (c *converter) table(t *lua.LTable, depth int) (any, error) {
	if depth >= MaxTableDepth {
		return nil, fmt.Errorf("table nested deeper than %d", MaxTableDepth)
	}
	if c.active[t] {
		return nil, ErrCyclicTable
	}
	c.active[t] = true
	defer delete(c.active, t)

	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			e, err := c.value(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}
	out := make(map[string]any, count)
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		var e any
		if e, err = c.value(v, depth+1); err == nil {
			out[k.String()] = e
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// sortedKeys returns the string keys of t in order, for deterministic iteration.
func sortedKeys(t *lua.LTable) []lua.LValue {
	var keys []lua.LValue
	t.ForEach(func(k, _ lua.LValue) { keys = append(keys, k) })
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

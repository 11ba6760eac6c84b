package command

import (
	"sort"
	"strconv"
	"strings"

	"github.com/lojhan/twolevel/internal/hashfn"
	"github.com/lojhan/twolevel/internal/resp"
	"github.com/lojhan/twolevel/internal/table"
)

func wrongArgs(name string) resp.Value {
	return resp.ErrorValue("ERR wrong number of arguments for '" + name + "' command")
}

// parseKey validates a key argument; the table itself accepts any int.
func parseKey(v resp.Value) (int, bool) {
	if v.Type != resp.BulkString {
		return 0, false
	}
	k, err := strconv.Atoi(v.Str)
	if err != nil {
		return 0, false
	}
	return k, true
}

var errKeyNotInteger = resp.ErrorValue("ERR key must be an integer")

func insertCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 2 {
			return wrongArgs("insert")
		}

		key, ok := parseKey(args[0])
		if !ok {
			return errKeyNotInteger
		}
		if args[1].Type != resp.BulkString {
			return resp.ErrorValue("ERR invalid value type")
		}

		e.table.Insert(key, args[1].Str)
		return resp.OKValue()
	}
}

func deleteCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 1 {
			return wrongArgs("delete")
		}

		key, ok := parseKey(args[0])
		if !ok {
			return errKeyNotInteger
		}
		return resp.BoolValue(e.table.Delete(key))
	}
}

func searchCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 1 {
			return wrongArgs("search")
		}

		key, ok := parseKey(args[0])
		if !ok {
			return errKeyNotInteger
		}

		values, found := e.table.Search(key)
		if !found {
			return resp.NullArrayValue()
		}
		return bulkArray(values)
	}
}

func containsCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 1 {
			return wrongArgs("contains")
		}

		key, ok := parseKey(args[0])
		if !ok {
			return errKeyNotInteger
		}
		return resp.BoolValue(e.table.ContainsKey(key))
	}
}

func clearCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArgs("clear")
		}
		e.table.Clear()
		return resp.OKValue()
	}
}

func rateCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArgs("rate")
		}
		return resp.BulkStringValue(strconv.FormatFloat(e.table.CollisionRate(), 'g', -1, 64))
	}
}

func primaryCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArgs("primary")
		}

		snapshot := e.table.PrimarySnapshot()
		out := make([]resp.Value, 0, 2*len(snapshot))
		for _, k := range sortedKeys(snapshot) {
			out = append(out, resp.BulkStringValue(strconv.Itoa(k)), resp.BulkStringValue(snapshot[k]))
		}
		return resp.ArrayValue(out...)
	}
}

func secondaryCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArgs("secondary")
		}

		snapshot := e.table.SecondarySnapshot()
		out := make([]resp.Value, 0, len(snapshot))
		for _, k := range sortedKeys(snapshot) {
			out = append(out, resp.ArrayValue(resp.BulkStringValue(strconv.Itoa(k)), bulkArray(snapshot[k])))
		}
		return resp.ArrayValue(out...)
	}
}

func rehashCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 1 || args[0].Type != resp.BulkString {
			return wrongArgs("rehash")
		}

		name := args[0].Str
		fn, err := hashfn.Lookup(name)
		if err != nil {
			return resp.ErrorValue("ERR " + err.Error())
		}
		if err := e.table.SetHash(table.HashFunc[int](fn)); err != nil {
			return resp.ErrorValue("ERR " + err.Error())
		}
		e.hashName = name
		return resp.OKValue()
	}
}

func hashFnCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		switch {
		case len(args) == 0:
			return resp.BulkStringValue(e.hashName)
		case len(args) == 1 && strings.EqualFold(args[0].Str, "list"):
			return bulkArray(hashfn.Names())
		default:
			return resp.ErrorValue("ERR syntax error")
		}
	}
}

func slotCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 1 {
			return wrongArgs("slot")
		}

		key, ok := parseKey(args[0])
		if !ok {
			return errKeyNotInteger
		}
		return resp.IntegerValue(int64(e.table.Slot(key)))
	}
}

func dbSizeCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArgs("dbsize")
		}
		return resp.IntegerValue(int64(e.table.Len()))
	}
}

func bulkArray(values []string) resp.Value {
	out := make([]resp.Value, len(values))
	for i, v := range values {
		out[i] = resp.BulkStringValue(v)
	}
	return resp.ArrayValue(out...)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

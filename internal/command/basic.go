package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lojhan/twolevel/internal/resp"
)

func PingCommand(args []resp.Value) resp.Value {
	if len(args) == 0 {
		return resp.PongValue()
	}

	if len(args) > 1 {
		return wrongArgs("ping")
	}

	if args[0].Type != resp.BulkString {
		return resp.ErrorValue("ERR invalid argument type")
	}

	return args[0]
}

func EchoCommand(args []resp.Value) resp.Value {
	if len(args) != 1 {
		return wrongArgs("echo")
	}

	if args[0].Type != resp.BulkString {
		return resp.ErrorValue("ERR invalid argument type")
	}

	return args[0]
}

func CommandCommand(args []resp.Value) resp.Value {
	return resp.ArrayValue()
}

func infoCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) > 1 {
			return wrongArgs("info")
		}

		t := e.table
		var b strings.Builder
		b.WriteString("# Table\r\n")
		fmt.Fprintf(&b, "capacity:%d\r\n", t.Capacity())
		fmt.Fprintf(&b, "hash_function:%s\r\n", e.hashName)
		fmt.Fprintf(&b, "inserts:%d\r\n", t.Inserts())
		fmt.Fprintf(&b, "collisions:%d\r\n", t.Collisions())
		fmt.Fprintf(&b, "collision_rate:%s\r\n", strconv.FormatFloat(t.CollisionRate(), 'g', -1, 64))
		fmt.Fprintf(&b, "entries:%d\r\n", t.Len())
		fmt.Fprintf(&b, "primary_entries:%d\r\n", len(t.PrimarySnapshot()))
		fmt.Fprintf(&b, "secondary_chains:%d\r\n", len(t.SecondarySnapshot()))

		b.WriteString("# Persistence\r\n")
		fmt.Fprintf(&b, "aof_enabled:%d\r\n", boolInt(e.aof != nil))
		fmt.Fprintf(&b, "redis_enabled:%d\r\n", boolInt(e.redis != nil))
		fmt.Fprintf(&b, "rdb_bgsave_in_progress:%d\r\n", boolInt(e.bgSaving.Load()))
		fmt.Fprintf(&b, "last_save_time:%d\r\n", e.lastSave.Load())

		return resp.BulkStringValue(b.String())
	}
}

func dumpCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArgs("dump")
		}

		var b strings.Builder
		if err := e.table.Dump(&b); err != nil {
			return resp.ErrorValue("ERR " + err.Error())
		}
		return resp.BulkStringValue(b.String())
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

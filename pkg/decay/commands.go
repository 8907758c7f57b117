package decay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
)

// Reply is the result of a command: "OK", an int64, or a map of pending
// decrements.
type Reply any

// ReplyOK acknowledges a command with no value.
const ReplyOK = "OK"

// commandPrefix is the module-style prefix command names may carry.
const commandPrefix = "LBUCKET."

type command struct {
	arity int
	usage string
	run   func(e *Engine, ctx context.Context, args []string) (Reply, error)
}

var commands = map[string]command{
	"COUNT": {
		arity: 2,
		usage: "COUNT key duration",
		run: func(e *Engine, ctx context.Context, args []string) (Reply, error) {
			secs, err := parseInt("duration", args[1])
			if err != nil {
				return nil, err
			}
			if err := e.Count(ctx, args[0], secs); err != nil {
				return nil, err
			}
			return ReplyOK, nil
		},
	},
	"BUCKET": {
		arity: 2,
		usage: "BUCKET key duration",
		run: func(e *Engine, ctx context.Context, args []string) (Reply, error) {
			secs, err := parseInt("duration", args[1])
			if err != nil {
				return nil, err
			}
			if err := e.CountBucket(ctx, args[0], secs); err != nil {
				return nil, err
			}
			return ReplyOK, nil
		},
	},
	"GET": {
		arity: 1,
		usage: "GET key",
		run: func(e *Engine, ctx context.Context, args []string) (Reply, error) {
			return e.Get(ctx, args[0])
		},
	},
	"DEL": {
		arity: 1,
		usage: "DEL key",
		run: func(e *Engine, ctx context.Context, args []string) (Reply, error) {
			existed, err := e.Delete(ctx, args[0])
			if err != nil {
				return nil, err
			}
			if existed {
				return int64(1), nil
			}
			return int64(0), nil
		},
	},
	"POCKET": {
		arity: 1,
		usage: "POCKET instant",
		run: func(e *Engine, ctx context.Context, args []string) (Reply, error) {
			instant, err := parseInt("instant", args[0])
			if err != nil {
				return nil, err
			}
			p, err := e.Pocket(ctx, instant)
			if err != nil {
				return nil, err
			}
			return p.Decrements, nil
		},
	},
}

// CommandName normalizes a command name: upper case, without the
// "lbucket." prefix.
func CommandName(name string) string {
	name = strings.ToUpper(name)
	return strings.TrimPrefix(name, commandPrefix)
}

// Exec runs one command given as its name followed by its arguments.
func (e *Engine) Exec(ctx context.Context, args []string) (Reply, error) {
	if len(args) == 0 {
		return nil, lberrors.NewValidationError("decay", "command", "", "cannot be empty")
	}
	name := CommandName(args[0])
	cmd, ok := commands[name]
	if !ok {
		e.metrics.CommandErrors.WithLabelValues("unknown").Inc()
		return nil, lberrors.NewValidationError("decay", "command", args[0], "unknown command").
			WithHint("use COUNT, BUCKET, GET, DEL or POCKET")
	}
	if len(args)-1 != cmd.arity {
		e.metrics.CommandErrors.WithLabelValues(name).Inc()
		return nil, lberrors.NewValidationError("decay", "arguments", len(args)-1, "wrong number of arguments").
			WithHint("usage: " + cmd.usage)
	}
	return cmd.run(e, ctx, args[1:])
}

func parseInt(field, s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, lberrors.NewValidationError("decay", field, s, "must be an integer").
			WithHint(fmt.Sprintf("got %q", s))
	}
	return v, nil
}

package app

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"deluge-rpc/client"
	"deluge-rpc/codec"
	"deluge-rpc/namespace"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func methodsCmd(o *options) *cli.Command {
	return &cli.Command{
		Name:  "methods",
		Usage: "List the methods the daemon exposes",
		Action: func(ctx *cli.Context) error {
			c, err := o.connect(ctx.Context)
			if err != nil {
				return err
			}
			defer c.Close()
			for _, m := range c.Methods() {
				fmt.Fprintln(ctx.App.Writer, m)
			}
			return nil
		},
	}
}

func callCmd(o *options) *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Call a method and print its result as JSON",
		ArgsUsage: "METHOD [JSON-ARG...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "kw", Usage: "keyword argument as key=JSON, repeatable"},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return errors.New("call: METHOD is required")
			}
			method := ctx.Args().First()
			args := parseArgs(ctx.Args().Tail())
			kwargs, err := parseKwargs(ctx.StringSlice("kw"))
			if err != nil {
				return err
			}
			if len(kwargs) > 0 {
				args = append(args, kwargs)
			}

			c, err := o.connect(ctx.Context)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.Call(ctx.Context, method, args...)
			if err != nil {
				return err
			}
			return printJSON(ctx, result)
		},
	}
}

func watchCmd(o *options) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Print events as they arrive until interrupted",
		ArgsUsage: "EVENT...",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return errors.New("watch: at least one EVENT is required")
			}
			c, err := o.connect(ctx.Context)
			if err != nil {
				return err
			}
			defer c.Close()

			var mu sync.Mutex // handlers of different events run concurrently
			for _, name := range ctx.Args().Slice() {
				event := client.EventName(name)
				err := c.Subscribe(ctx.Context, event, func(args []any) {
					mu.Lock()
					defer mu.Unlock()
					if err := printJSON(ctx, map[string]any{"event": event, "args": args}); err != nil {
						o.logger.Warn("cannot print event", zap.String("event", event), zap.Error(err))
					}
				})
				if err != nil {
					return err
				}
			}

			select {
			case <-ctx.Context.Done():
				return nil
			case err := <-c.Fatal():
				return err
			}
		},
	}
}

func parseArgs(raw []string) []any {
	var jc codec.JSONCodec
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		v, err := jc.Decode([]byte(s))
		if err != nil || len(v) != 1 {
			// bare words are strings, so torrent ids need no quoting
			args = append(args, s)
			continue
		}
		args = append(args, v[0])
	}
	return args
}

func parseKwargs(raw []string) (namespace.Kwargs, error) {
	var jc codec.JSONCodec
	kwargs := namespace.Kwargs{}
	for _, s := range raw {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("keyword argument %q is not key=JSON", s)
		}
		v, err := jc.Decode([]byte(value))
		if err != nil || len(v) != 1 {
			kwargs[key] = value
			continue
		}
		kwargs[key] = v[0]
	}
	return kwargs, nil
}

func printJSON(ctx *cli.Context, v any) error {
	out, err := (&codec.JSONCodec{Indent: "  "}).Encode(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, string(out))
	return err
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/tracekit/tracekit/tkweb"
)

// clientCommands builds one subcommand per lifecycle operation. Each talks to
// the server at --uri through the typed client.
func clientCommands(root *rootConfig, rootFlags *ff.FlagSet) []*ff.Command {
	oneName := func(args []string) (string, error) {
		if len(args) != 1 {
			return "", errors.New("exactly one session name is required")
		}
		return args[0], nil
	}

	createConfig := struct{ transport string }{}
	createFlags := ff.NewFlagSet("create").SetParent(rootFlags)
	createFlags.AddFlag(ff.FlagConfig{
		ShortName:   't',
		LongName:    "transport",
		Value:       ffval.NewValue(&createConfig.transport),
		Usage:       "transport to assign in the same call",
		Placeholder: "NAME",
	})

	channelConfig := struct {
		channel     string
		size        string
		count       int
		switchTimer time.Duration
		readTimer   time.Duration
		overwrite   bool
	}{}
	channelFlags := ff.NewFlagSet("set-channel").SetParent(rootFlags)
	channelFlags.AddFlag(ff.FlagConfig{
		LongName:    "channel",
		Value:       ffval.NewValue(&channelConfig.channel),
		Usage:       "channel to configure",
		Placeholder: "NAME",
	})
	channelFlags.AddFlag(ff.FlagConfig{
		LongName:    "size",
		Value:       ffval.NewValue(&channelConfig.size),
		Usage:       "sub-buffer size, e.g. 64KiB",
		Placeholder: "BYTES",
	})
	channelFlags.AddFlag(ff.FlagConfig{
		LongName:    "count",
		Value:       ffval.NewValue(&channelConfig.count),
		Usage:       "sub-buffer count",
		Placeholder: "N",
	})
	channelFlags.AddFlag(ff.FlagConfig{
		LongName: "switch-timer",
		Value:    ffval.NewValue(&channelConfig.switchTimer),
		Usage:    "periodic sub-buffer switch interval, e.g. 500ms",
	})
	channelFlags.AddFlag(ff.FlagConfig{
		LongName: "read-timer",
		Value:    ffval.NewValue(&channelConfig.readTimer),
		Usage:    "periodic read/flush interval, e.g. 1s",
	})
	channelFlags.AddFlag(ff.FlagConfig{
		LongName: "overwrite",
		Value:    ffval.NewValue(&channelConfig.overwrite),
		Usage:    "overwrite oldest data when full, instead of dropping new records",
	})

	filterConfig := struct{ message string }{}
	filterFlags := ff.NewFlagSet("filter").SetParent(rootFlags)
	filterFlags.AddFlag(ff.FlagConfig{
		ShortName:   'm',
		LongName:    "message",
		Value:       ffval.NewEnum(&filterConfig.message, "default-accept", "default-reject"),
		Usage:       "filter administration message",
		Placeholder: "MSG",
	})

	printJSON := func(v any) error {
		enc := json.NewEncoder(root.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	return []*ff.Command{
		{
			Name:      "create",
			Usage:     "tracekit create [--transport NAME] SESSION",
			ShortHelp: "create a session",
			Flags:     createFlags,
			Exec: func(ctx context.Context, args []string) error {
				name, err := oneName(args)
				if err != nil {
					return err
				}
				return root.client.Create(ctx, name, createConfig.transport)
			},
		},
		{
			Name:      "set-transport",
			Usage:     "tracekit set-transport SESSION TRANSPORT",
			ShortHelp: "assign a transport to a pending session",
			Exec: func(ctx context.Context, args []string) error {
				if len(args) != 2 {
					return errors.New("usage: set-transport SESSION TRANSPORT")
				}
				return root.client.SetTransport(ctx, args[0], args[1])
			},
		},
		{
			Name:      "set-channel",
			Usage:     "tracekit set-channel --channel NAME [flags] SESSION",
			ShortHelp: "configure one channel of a pending session",
			Flags:     channelFlags,
			Exec: func(ctx context.Context, args []string) error {
				name, err := oneName(args)
				if err != nil {
					return err
				}
				if channelConfig.channel == "" {
					return errors.New("--channel is required")
				}

				var update tkweb.ChannelUpdate
				if f, ok := channelFlags.GetFlag("size"); ok && f.IsSet() {
					n, err := humanize.ParseBytes(channelConfig.size)
					if err != nil {
						return errors.Wrapf(err, "size %q", channelConfig.size)
					}
					size := int(n)
					update.SubbufSize = &size
				}
				if f, ok := channelFlags.GetFlag("count"); ok && f.IsSet() {
					update.SubbufCount = &channelConfig.count
				}
				if f, ok := channelFlags.GetFlag("switch-timer"); ok && f.IsSet() {
					update.SwitchTimer = &channelConfig.switchTimer
				}
				if f, ok := channelFlags.GetFlag("read-timer"); ok && f.IsSet() {
					update.ReadTimer = &channelConfig.readTimer
				}
				if f, ok := channelFlags.GetFlag("overwrite"); ok && f.IsSet() {
					update.Overwrite = &channelConfig.overwrite
				}

				return root.client.SetChannel(ctx, name, channelConfig.channel, update)
			},
		},
		{
			Name:      "alloc",
			Usage:     "tracekit alloc SESSION",
			ShortHelp: "allocate a pending session's buffers and activate it",
			Exec: func(ctx context.Context, args []string) error {
				name, err := oneName(args)
				if err != nil {
					return err
				}
				return root.client.Allocate(ctx, name)
			},
		},
		{
			Name:      "start",
			Usage:     "tracekit start SESSION",
			ShortHelp: "enable capture on an allocated session",
			Exec: func(ctx context.Context, args []string) error {
				name, err := oneName(args)
				if err != nil {
					return err
				}
				return root.client.Start(ctx, name)
			},
		},
		{
			Name:      "stop",
			Usage:     "tracekit stop SESSION",
			ShortHelp: "disable capture on an allocated session",
			Exec: func(ctx context.Context, args []string) error {
				name, err := oneName(args)
				if err != nil {
					return err
				}
				return root.client.Stop(ctx, name)
			},
		},
		{
			Name:      "destroy",
			Usage:     "tracekit destroy SESSION",
			ShortHelp: "destroy a session",
			Exec: func(ctx context.Context, args []string) error {
				name, err := oneName(args)
				if err != nil {
					return err
				}
				return root.client.Destroy(ctx, name)
			},
		},
		{
			Name:      "filter",
			Usage:     "tracekit filter --message MSG SESSION",
			ShortHelp: "send a filter administration message",
			Flags:     filterFlags,
			Exec: func(ctx context.Context, args []string) error {
				name, err := oneName(args)
				if err != nil {
					return err
				}
				return root.client.Filter(ctx, name, filterConfig.message)
			},
		},
		{
			Name:      "status",
			Usage:     "tracekit status [SESSION]",
			ShortHelp: "describe one session, or all of them",
			Exec: func(ctx context.Context, args []string) error {
				switch len(args) {
				case 0:
					infos, err := root.client.List(ctx)
					if err != nil {
						return err
					}
					return printJSON(infos)
				case 1:
					info, err := root.client.Info(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(info)
				default:
					return errors.New("at most one session name")
				}
			},
		},
		{
			Name:      "transports",
			Usage:     "tracekit transports",
			ShortHelp: "list the server's registered transports",
			Exec: func(ctx context.Context, args []string) error {
				names, err := root.client.Transports(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(root.stdout, name)
				}
				return nil
			},
		},
	}
}

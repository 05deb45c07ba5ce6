package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/shaharia-lab/mcpstream/mcp"
	"github.com/shaharia-lab/mcpstream/trafficstore"
)

// connection is a connected client and everything that has to be released with it.
type connection struct {
	client *mcp.Client
	store  *trafficstore.Store
}

func (c *connection) Close() error {
	err := c.client.Close()
	if c.store != nil {
		err = errors.Join(err, c.store.Close())
	}
	return err
}

func (a *app) connect(ctx context.Context, cmd *cli.Command) (*connection, error) {
	server, err := a.cfg.Server(cmd.String("server"), cmd.String("url"))
	if err != nil {
		return nil, err
	}

	opts := server.TransportOptions(a.logger)
	conn := &connection{}
	if server.Traffic.Driver != "" {
		conn.store, err = trafficstore.Open(ctx, server.Traffic.Driver, server.Traffic.DSN, a.logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mcp.WithTrafficLogger(mcp.MultiTraffic{mcp.NewLoggerTraffic(a.logger), conn.store}))
	}

	transport := mcp.NewStreamableHTTPTransport(server.URL, opts...)
	transport.OnFailure(func(err error) {
		a.logger.WithErr(err).Error("Connection to MCP server failed")
	})
	conn.client = mcp.NewClient(transport, mcp.ClientConfig{
		ClientName:     "mcpstream",
		ClientVersion:  version,
		RequestTimeout: server.RequestTimeout,
		Logger:         a.logger,
	})

	if err := conn.client.Connect(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *app) toolsCommand() *cli.Command {
	return &cli.Command{
		Name:    "tools",
		Aliases: []string{"t"},
		Usage:   "List the tools exposed by the server",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "schema", Usage: "Print the input schema of every tool."},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conn, err := a.connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			tools, err := conn.client.ListTools(ctx)
			if err != nil {
				return err
			}
			return printTools(cmd.Root().Writer, tools, cmd.Bool("schema"))
		},
	}
}

func (a *app) callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Call a tool",
		ArgsUsage: "<tool>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "args",
				Aliases: []string{"a"},
				Value:   "{}",
				Usage:   "Tool arguments as a JSON object.",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return fmt.Errorf("tool name is required")
			}
			args := json.RawMessage(cmd.String("args"))
			if !json.Valid(args) {
				return fmt.Errorf("--args must be valid JSON")
			}

			conn, err := a.connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			// Fetch schemas so arguments are validated before the call.
			if _, err := conn.client.ListTools(ctx); err != nil {
				a.logger.WithErr(err).Warn("Could not list tools, calling without argument validation")
			}

			result, err := conn.client.CallTool(ctx, mcp.CallToolParams{Name: name, Arguments: args})
			if err != nil {
				return err
			}
			printResult(cmd.Root().Writer, result)
			if result.IsError {
				return fmt.Errorf("tool %s reported an error", name)
			}
			return nil
		},
	}
}

func (a *app) pingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Check that the server answers",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conn, err := a.connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			start := time.Now()
			if err := conn.client.Ping(ctx); err != nil {
				return err
			}
			info := conn.client.GetServerInfo()
			fmt.Fprintf(cmd.Root().Writer, "%s %s: ok (%s)\n", info.Name, info.Version, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func (a *app) trafficCommand() *cli.Command {
	return &cli.Command{
		Name:  "traffic",
		Usage: "Show traffic recorded in the configured traffic store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "Only show traffic of this session id."},
			&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of records."},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			server, err := a.cfg.Server(cmd.String("server"), "")
			if err != nil {
				return err
			}
			if server.Traffic.Driver == "" {
				return fmt.Errorf("server %q has no traffic store", cmd.String("server"))
			}

			store, err := trafficstore.Open(ctx, server.Traffic.Driver, server.Traffic.DSN, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(ctx, cmd.String("session"), int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			return printTraffic(cmd.Root().Writer, entries)
		},
	}
}

func printTools(w io.Writer, tools []mcp.Tool, schema bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, tool := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", tool.Name, tool.Description)
		if schema && len(tool.InputSchema) > 0 {
			fmt.Fprintf(tw, "\t%s\n", tool.InputSchema)
		}
	}
	return tw.Flush()
}

func printResult(w io.Writer, result mcp.CallToolResult) {
	for _, content := range result.Content {
		switch content.Type {
		case "text":
			fmt.Fprintln(w, content.Text)
		default:
			fmt.Fprintf(w, "[%s %s, %d bytes]\n", content.Type, content.MimeType, len(content.Data))
		}
	}
}

func printTraffic(w io.Writer, entries []trafficstore.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDIRECTION\tSESSION\tMETHOD\tID\tSTATUS\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Direction, e.SessionID, e.Method, e.RequestID, e.StatusCode, e.Duration)
	}
	return tw.Flush()
}

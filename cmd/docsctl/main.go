package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/i2y/docsgate/configs"
	"github.com/i2y/docsgate/pkg/docsclient"
	"github.com/i2y/docsgate/pkg/shared/toolwire"
)

type options struct {
	addr     string
	lineAddr string
	token    string
	timeout  time.Duration
	rawJSON  bool
	format   string
}

// errToolFailed signals a failure already printed from the response.
var errToolFailed = errors.New("tool call failed")

func main() {
	opts := options{
		addr:    "http://localhost:8080",
		token:   os.Getenv("DOCSGATE_TOKEN"),
		timeout: time.Minute,
	}
	root := newRootCmd(&opts, os.Stdout, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errToolFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd(opts *options, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "docsctl",
		Short:         "Query a running docsgate gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", opts.addr, "gateway HTTP base URL")
	root.PersistentFlags().StringVar(&opts.lineAddr, "line", "", "line channel address (host:port); overrides --addr")
	root.PersistentFlags().StringVar(&opts.token, "token", opts.token, "bearer token (default $DOCSGATE_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", opts.timeout, "per-call timeout")
	root.PersistentFlags().BoolVar(&opts.rawJSON, "json", false, "print the raw response object")
	root.PersistentFlags().StringVar(&opts.format, "format", "", "output format: markdown, text or html")

	run := func(cmd *cobra.Command, tool string, params map[string]any) error {
		if opts.format != "" && tool != "health_check" {
			params["format"] = opts.format
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		return call(cmd.Context(), opts, stdout, stderr, toolwire.Request{Tool: tool, Params: raw})
	}

	crate := &cobra.Command{
		Use:   "crate NAME",
		Short: "Show a crate's documentation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"name": args[0]}
			if v, _ := cmd.Flags().GetString("version"); v != "" {
				params["version"] = v
			}
			return run(cmd, "lookup_crate", params)
		},
	}
	crate.Flags().String("version", "", "crate version (default latest)")

	search := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search the registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"query": strings.Join(args, " ")}
			if cmd.Flags().Changed("limit") {
				limit, _ := cmd.Flags().GetInt("limit")
				params["limit"] = limit
			}
			return run(cmd, "search_crates", params)
		},
	}
	search.Flags().Int("limit", 10, "maximum number of results (1-100)")

	item := &cobra.Command{
		Use:   "item CRATE PATH",
		Short: "Show documentation for an item inside a crate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"name": args[0], "item_path": args[1]}
			if v, _ := cmd.Flags().GetString("version"); v != "" {
				params["version"] = v
			}
			return run(cmd, "lookup_item", params)
		},
	}
	item.Flags().String("version", "", "crate version (default latest)")

	health := &cobra.Command{
		Use:   "health [all|external|internal|docs|registry]",
		Short: "Run the gateway's health probes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 1 {
				params["check_type"] = args[0]
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				params["verbose"] = true
			}
			return run(cmd, "health_check", params)
		},
	}
	health.Flags().BoolP("verbose", "v", false, "include per-probe details")

	callCmd := &cobra.Command{
		Use:   "call TOOL [PARAMS_JSON]",
		Short: "Invoke any tool with a raw params object",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := toolwire.Request{Tool: args[0]}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params must be a JSON object, got %q", args[1])
				}
				req.Params = json.RawMessage(args[1])
			}
			return call(cmd.Context(), opts, stdout, stderr, req)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(stdout, "docsctl", configs.Version)
			return err
		},
	}

	configCmd := &cobra.Command{
		Use:   "config [PATH]",
		Short: "Write a default gateway config file (stdout when PATH is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return configs.Defaults().WriteYAML(stdout)
			}
			force, _ := cmd.Flags().GetBool("force")
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(args[0], flags, 0o644)
			if err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
			if err := configs.Defaults().WriteYAML(f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(stderr, "Wrote", args[0])
			return nil
		},
	}
	configCmd.Flags().Bool("force", false, "overwrite an existing file")

	root.AddCommand(crate, search, item, health, callCmd, version, configCmd)
	return root
}

func newCaller(ctx context.Context, opts *options) (docsclient.Caller, error) {
	if opts.lineAddr != "" {
		return docsclient.DialLine(ctx, opts.lineAddr, opts.token)
	}
	return docsclient.NewHTTP(opts.addr, opts.token, nil), nil
}

func call(ctx context.Context, opts *options, stdout, stderr io.Writer, req toolwire.Request) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	caller, err := newCaller(ctx, opts)
	if err != nil {
		return err
	}
	defer caller.Close()

	resp, err := caller.Call(ctx, req)
	if err != nil {
		return err
	}
	if opts.rawJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		if resp.Error != nil {
			return errToolFailed
		}
		return nil
	}
	if resp.Error != nil {
		msg := fmt.Sprintf("%s: %s", resp.Error.Kind, resp.Error.Message)
		if resp.Error.RetryAfterMS > 0 {
			msg += fmt.Sprintf(" (retry after %dms)", resp.Error.RetryAfterMS)
		}
		fmt.Fprintln(stderr, msg)
		return errToolFailed
	}
	if resp.Result != nil {
		fmt.Fprintln(stdout, resp.Result.Content)
	}
	return nil
}

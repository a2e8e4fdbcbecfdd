package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/drivewire/internal/client"
	"github.com/codewiresh/drivewire/internal/config"
	"github.com/codewiresh/drivewire/internal/driver"
	"github.com/codewiresh/drivewire/internal/store"
	"github.com/codewiresh/drivewire/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	verboseFlag bool
	outputFlag  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "drivewire",
		Short:         "Transport layer for talking to a browser automation driver",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verboseFlag {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log transport activity to stderr")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(
		probeCmd(),
		connectCmd(),
		endpointCmd(),
		traceCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[drivewire] ERROR: %v\n", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// probeCmd
// ---------------------------------------------------------------------------

func probeCmd() *cobra.Command {
	var (
		driverPath string
		trace      bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run the handshake in-process and check the local driver install",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.DataDir()
			cfg, err := config.LoadConfig(dir)
			if err != nil {
				return err
			}
			if driverPath == "" {
				driverPath = cfg.Driver.Path
			}

			p, err := client.NewPrinter(outputFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rec, done, err := openRecorder(ctx, cfg, dir, trace, "loopback", "")
			if err != nil {
				return err
			}
			defer done()

			return client.Probe(ctx, driverPath, rec, p)
		},
	}

	cmd.Flags().StringVar(&driverPath, "driver", "", "Driver directory (default: config, $"+driver.EnvDriverPath+", or the user cache)")
	cmd.Flags().BoolVar(&trace, "trace", false, "Journal the session to the trace database")

	return cmd
}

// ---------------------------------------------------------------------------
// connectCmd
// ---------------------------------------------------------------------------

func connectCmd() *cobra.Command {
	var (
		headers       []string
		timeout       string
		slowMo        string
		exposeNetwork string
		trace         bool
	)

	cmd := &cobra.Command{
		Use:   "connect [endpoint]",
		Short: "Initialize a session with a remote driver and stay attached",
		Long: `Connect to a driver over a websocket (ws://, wss://) or a unix socket
(unix:///path). The endpoint may also name an entry saved with
'drivewire endpoint add'. Without an argument the configured
[remote] endpoint is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.DataDir()
			cfg, err := config.LoadConfig(dir)
			if err != nil {
				return err
			}

			remote := cfg.Remote
			if len(args) == 1 {
				remote.Endpoint = args[0]
			}
			if cmd.Flags().Changed("timeout") {
				remote.Timeout = timeout
			}
			if cmd.Flags().Changed("slow-mo") {
				remote.SlowMo = slowMo
			}
			if cmd.Flags().Changed("expose-network") {
				remote.ExposeNetwork = exposeNetwork
			}
			extra, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if len(extra) > 0 {
				merged := make(map[string]string, len(remote.Headers)+len(extra))
				for k, v := range remote.Headers {
					merged[k] = v
				}
				for k, v := range extra {
					merged[k] = v
				}
				remote.Headers = merged
			}

			saved, err := config.LoadEndpointsConfig(dir)
			if err != nil {
				return err
			}
			remote = saved.Resolve(remote)
			if remote.Endpoint == "" {
				return fmt.Errorf("no endpoint: pass one or set [remote] endpoint in %s/config.toml", dir)
			}

			opts, err := remote.Options()
			if err != nil {
				return err
			}

			p, err := client.NewPrinter(outputFlag)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			rec, done, err := openRecorder(ctx, cfg, dir, trace, "socket-pipe", opts.Endpoint)
			if err != nil {
				return err
			}
			defer done()
			opts.Recorder = rec

			return client.Connect(ctx, opts, p)
		},
	}

	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra handshake header as key=value (repeatable)")
	cmd.Flags().StringVar(&timeout, "timeout", "", "Connect timeout, e.g. 30s (0 disables)")
	cmd.Flags().StringVar(&slowMo, "slow-mo", "", "Delay before every outbound message, e.g. 250ms")
	cmd.Flags().StringVar(&exposeNetwork, "expose-network", "", "Network the remote browser may reach, e.g. <loopback>")
	cmd.Flags().BoolVar(&trace, "trace", false, "Journal the session to the trace database")

	return cmd
}

func parseHeaders(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q (want key=value)", kv)
		}
		out[k] = v
	}
	return out, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "[drivewire] detaching...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// openRecorder opens the trace database when tracing is requested by flag
// or config. The returned recorder is a nil interface when tracing is off.
func openRecorder(ctx context.Context, cfg *config.Config, dir string, flag bool, kind, endpoint string) (transport.Recorder, func(), error) {
	if !flag && cfg.Trace.Path == nil {
		return nil, func() {}, nil
	}
	s, err := store.NewSQLiteStore(cfg.TracePath(dir))
	if err != nil {
		return nil, nil, err
	}
	rec, err := store.NewRecorder(ctx, s, kind, endpoint)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("starting trace session: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[drivewire] tracing to session %s\n", rec.Session())
	return rec, func() { s.Close() }, nil
}

// ---------------------------------------------------------------------------
// endpointCmd
// ---------------------------------------------------------------------------

func endpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage saved driver endpoints",
	}

	cmd.AddCommand(
		endpointAddCmd(),
		endpointRemoveCmd(),
		endpointListCmd(),
	)

	return cmd
}

func endpointAddCmd() *cobra.Command {
	var headers []string

	cmd := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Save an endpoint under a name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, url := args[0], args[1]
			if err := config.ValidateEndpointName(name); err != nil {
				return err
			}
			h, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			dir := config.DataDir()
			endpoints, err := config.LoadEndpointsConfig(dir)
			if err != nil {
				return err
			}

			entry := config.EndpointEntry{URL: url}
			if len(h) > 0 {
				entry.Headers = h
			}
			endpoints.Endpoints[name] = entry

			if err := endpoints.Save(dir); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Endpoint %q added\n", name)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header sent on every connect, key=value (repeatable)")

	return cmd
}

func endpointRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a saved endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			dir := config.DataDir()

			endpoints, err := config.LoadEndpointsConfig(dir)
			if err != nil {
				return err
			}

			if _, ok := endpoints.Endpoints[name]; !ok {
				return fmt.Errorf("endpoint %q not found", name)
			}

			delete(endpoints.Endpoints, name)

			if err := endpoints.Save(dir); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Endpoint %q removed\n", name)
			return nil
		},
	}
}

func endpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints, err := config.LoadEndpointsConfig(config.DataDir())
			if err != nil {
				return err
			}

			if len(endpoints.Endpoints) == 0 {
				fmt.Println("No saved endpoints")
				return nil
			}

			names := make([]string, 0, len(endpoints.Endpoints))
			for name := range endpoints.Endpoints {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("%-20s %s\n", "NAME", "URL")
			for _, name := range names {
				fmt.Printf("%-20s %s\n", name, endpoints.Endpoints[name].URL)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// traceCmd
// ---------------------------------------------------------------------------

func traceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect the trace database",
	}

	cmd.AddCommand(
		traceListCmd(),
		traceShowCmd(),
		tracePruneCmd(),
	)

	return cmd
}

// withTraceStore opens the configured trace database for one command.
func withTraceStore(fn func(store.TraceStore) error) error {
	dir := config.DataDir()
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return err
	}
	s, err := store.NewSQLiteStore(cfg.TracePath(dir))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func traceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List trace sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := client.NewPrinter(outputFlag)
			if err != nil {
				return err
			}
			return withTraceStore(func(s store.TraceStore) error {
				return client.TraceList(cmd.Context(), s, p)
			})
		},
	}
}

func traceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session>",
		Short: "Show the events and messages of a trace session (id or unique prefix)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := client.NewPrinter(outputFlag)
			if err != nil {
				return err
			}
			return withTraceStore(func(s store.TraceStore) error {
				return client.TraceShow(cmd.Context(), s, args[0], p)
			})
		},
	}
}

func tracePruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old trace sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTraceStore(func(s store.TraceStore) error {
				return client.TracePrune(cmd.Context(), s, olderThan)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Delete sessions started longer ago than this")

	return cmd
}

// ---------------------------------------------------------------------------
// versionCmd
// ---------------------------------------------------------------------------

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drivewire %s (driver %s, %s %s/%s)\n", version, driver.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

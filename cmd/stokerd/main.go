// stokerd serves executable pages: it watches the compute sessions
// behind each page, runs their cells, and relays the output back.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stokehold/stoker/internal/api/middleware"
	"github.com/stokehold/stoker/internal/document"
	"github.com/stokehold/stoker/internal/infrastructure/config"
	"github.com/stokehold/stoker/internal/kernels"
	"github.com/stokehold/stoker/internal/server"
)

// Version information set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stokerd",
		Short:         "Session daemon for executable pages",
		Long:          "stokerd keeps one compute session alive per page, runs page cells\nagainst it, and replaces the session when it dies.",
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = versionString()

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daemon (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "scan [root]",
			Short: "List the documents a content root would serve",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runScan,
		},
		&cobra.Command{
			Use:   "hash-token <token>",
			Short: "Print the bcrypt hash for STOKER_AUTH_TOKEN_HASH",
			Args:  cobra.ExactArgs(1),
			RunE:  runHashToken,
		},
		newSessionsCmd(),
	)
	return root
}

func versionString() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("%s (%s)", version, commit)
	}
	return version
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	return g.Wait()
}

func runScan(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	manifest, err := document.LoadManifest(root)
	if err != nil {
		return err
	}

	refs, err := document.NewScanner(root, manifest).Scan(cmd.Context())
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no documents found")
		return nil
	}
	for _, ref := range refs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\n", ref.Path, ref.Size)
	}
	return nil
}

func runHashToken(cmd *cobra.Command, args []string) error {
	hash, err := middleware.HashToken(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func newSessionsCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "sessions <server-url>",
		Short: "List the sessions running on a compute server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, args[0], token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the server")
	return cmd
}

func runSessions(cmd *cobra.Command, rawURL, token string) error {
	conn, err := kernels.Derive(rawURL, token)
	if err != nil {
		return err
	}

	sessions, err := kernels.NewClient(conn).ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions running")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tconnections=%d\tlast_activity=%s\n",
			s.ID, s.Kind.Name, s.Connections, s.LastActivity.Format(time.RFC3339))
	}
	return nil
}

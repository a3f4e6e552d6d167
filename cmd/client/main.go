package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/spf13/cobra"

	"github.com/danmuck/dps_sync/cmd/internal/logcfg"
	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/api/rpc"
	"github.com/danmuck/dps_sync/src/client"
	"github.com/danmuck/dps_sync/src/config"
)

var (
	cfgFile string
	timeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "client",
		Short: "Sync files with a dps_sync cluster",
		Long: `Upload, download and delete files stored as content-addressed blocks
across the cluster's block shards.

Examples:
  client --config config.txt upload ./notes.txt
  client --config config.txt download notes.txt ./out
  client --config config.txt delete notes.txt
  client --config config.txt sync ./shared`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.txt", "cluster config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "overall deadline for the command, none when zero")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a local file under its base name",
		Args:  cobra.ExactArgs(1),
		RunE: withReconciler(func(ctx context.Context, r *client.Reconciler, args []string) error {
			return r.Upload(ctx, args[0])
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "download <filename> <destDir>",
		Short: "Download a file into destDir, reusing blocks already there",
		Args:  cobra.ExactArgs(2),
		RunE: withReconciler(func(ctx context.Context, r *client.Reconciler, args []string) error {
			return r.Download(ctx, args[0], args[1])
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "delete <filename>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: withReconciler(func(ctx context.Context, r *client.Reconciler, args []string) error {
			return r.Delete(ctx, args[0])
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync <baseDir>",
		Short: "Two-way sync of the files in baseDir, tracked by " + client.IndexFileName,
		Args:  cobra.ExactArgs(1),
		RunE: withReconciler(func(ctx context.Context, r *client.Reconciler, args []string) error {
			report, err := r.Sync(ctx, args[0])
			for _, name := range report.Uploaded {
				fmt.Println("uploaded  ", name)
			}
			for _, name := range report.Downloaded {
				fmt.Println("downloaded", name)
			}
			for _, name := range report.Deleted {
				fmt.Println("deleted   ", name)
			}
			for _, name := range report.Removed {
				fmt.Println("removed   ", name)
			}
			return err
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check the metadata service and every block shard",
		Args:  cobra.NoArgs,
		RunE: withReconciler(func(ctx context.Context, r *client.Reconciler, args []string) error {
			return r.Ping(ctx)
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List files known to the metadata service",
		Args:  cobra.NoArgs,
		RunE:  runList,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective cluster config as TOML",
		Long: `Print the cluster config after defaults are applied. Legacy config.txt
files come out in the TOML layout, so the output can replace them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return cfg.WriteTOML(os.Stdout)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

type action func(ctx context.Context, r *client.Reconciler, args []string) error

// withReconciler connects to the cluster, runs fn and prints its outcome.
func withReconciler(fn action) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		r, closeAll, err := connect()
		if err != nil {
			return err
		}
		defer closeAll()

		err = fn(ctx, r, args)
		switch {
		case err == nil:
			fmt.Println("OK")
			return nil
		case errors.Is(err, api.ErrNotFound):
			logs.Debugf("%s: %v", cmd.Name(), err)
			fmt.Println("Not Found")
			return nil
		default:
			return err
		}
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	r, closeAll, err := connect()
	if err != nil {
		return err
	}
	defer closeAll()

	files, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		state := fmt.Sprintf("%d block(s)", len(f.Hashlist))
		if f.Deleted() {
			state = "deleted"
		}
		fmt.Printf("%-32s v%-6d %s\n", f.Filename, f.Version, state)
	}
	return nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// loadConfig reads the cluster config and configures logging from the
// smplog config next to it.
func loadConfig() (config.ClusterConfig, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logs.Configure(logcfg.Load())
		return config.ClusterConfig{}, err
	}
	logs.Configure(logcfg.Load(cfg.Dir()))
	return cfg, nil
}

// connect builds a reconciler over remote stubs for every service in the
// cluster config. Connections are dialed on first use.
func connect() (*client.Reconciler, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	meta := rpc.NewMetaClient(cfg.Metadata)
	blocks := make([]*rpc.BlockClient, len(cfg.Blocks))
	shards := make([]api.BlockService, len(cfg.Blocks))
	for i, addr := range cfg.Blocks {
		blocks[i] = rpc.NewBlockClient(addr)
		shards[i] = blocks[i]
	}
	closeAll := func() {
		meta.Close()
		for _, b := range blocks {
			b.Close()
		}
	}

	r, err := client.NewReconciler(meta, shards, client.OptionsFromConfig(cfg.Client))
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return r, closeAll, nil
}

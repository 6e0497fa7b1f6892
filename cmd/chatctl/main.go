// Command chatctl 是运维工具，用于查看和清理可恢复流状态。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"polychat-go/internal/config"
	"polychat-go/internal/repository"
	"polychat-go/pkg/database"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Inspect and maintain resumable chat streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "path to config.yaml")

	open := func() (repository.StreamStateRepository, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if cfg.Stream.Backend == "memory" {
			return nil, fmt.Errorf("stream backend is in-process memory; nothing to inspect from outside the server")
		}
		rdb := database.NewRedisClient(cfg.Database.Redis)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return repository.NewRedisStreamStateRepository(rdb, cfg.Stream.StateTTL), nil
	}

	streams := &cobra.Command{Use: "streams", Short: "Manage stream states"}
	streams.AddCommand(newListCmd(open), newSweepCmd(open))
	root.AddCommand(streams)
	return root
}

type opener func() (repository.StreamStateRepository, error)

func newListCmd(open opener) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incomplete streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := open()
			if err != nil {
				return err
			}
			states, err := repo.ListIncomplete(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STREAM\tCONVERSATION\tMESSAGE\tUSER\tCHUNKS\tMODEL\tLAST UPDATE")
			for _, s := range states {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", s.StreamID, s.ConversationID, s.MessageID, s.UserID, s.ChunkIndex, s.Model, s.LastUpdate.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newSweepCmd(open opener) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete completed stream states older than --older-than",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			repo, err := open()
			if err != nil {
				return err
			}
			n, err := repo.Sweep(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stream states\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum age since last update")
	return cmd
}

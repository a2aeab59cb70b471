package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xmtp-go/mlscore/internal/syncloop"
)

var syncWatch bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Publish pending intents and pull new messages and welcomes",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "keep syncing every few seconds until interrupted")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, paths, err := getStateRootAndPaths()
	if err != nil {
		return err
	}
	passphrase, err := promptPassphrase(false)
	if err != nil {
		return err
	}
	client, _, cleanup, err := bootstrapClient(ctx, paths, passphrase)
	if err != nil {
		return err
	}
	defer cleanup()

	loop := syncloop.New(client)
	loop.OnTickError = func(err error) {
		logger.Error("sync tick failed", "error", err)
	}

	if !syncWatch {
		if err := loop.Tick(ctx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		groups, err := client.Store.ListGroups(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Synced. %d group(s) known locally.\n", len(groups))
		return nil
	}

	watchCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Printf("Syncing every %s. Press Ctrl+C to stop.\n", syncloop.DefaultInterval)
	if err := loop.Run(watchCtx); err != nil && watchCtx.Err() == nil {
		return err
	}
	fmt.Println("Stopped.")
	return nil
}

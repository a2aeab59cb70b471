package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xmtp-go/mlscore/internal/group"
)

var groupRemoveCmd = &cobra.Command{
	Use:   "remove [group-id] [inbox-id...]",
	Short: "Remove members from a group by inbox id",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runGroupRemove,
}

func init() {
	groupCmd.AddCommand(groupRemoveCmd)
}

func runGroupRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	groupID, inboxIDs := args[0], args[1:]
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

	g := group.FromID(groupID)
	intentID, err := group.RemoveMembers(ctx, client, g, inboxIDs)
	if err != nil {
		return fmt.Errorf("enqueue remove members: %w", err)
	}
	if err := group.SyncUntilIntentResolved(ctx, client, g, intentID); err != nil {
		return fmt.Errorf("publish remove members: %w", err)
	}

	fmt.Printf("Removed %d member(s) from group %s.\n", len(inboxIDs), groupID)
	return nil
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xmtp-go/mlscore/internal/group"
)

var lsGroupID string

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List local groups, or members of one group with --group",
	RunE:  runLs,
}

func init() {
	lsCmd.Flags().StringVar(&lsGroupID, "group", "", "show the member roster of this group id instead of listing groups")
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
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

	if lsGroupID != "" {
		info, err := group.Describe(ctx, client, group.FromID(lsGroupID))
		if err != nil {
			return fmt.Errorf("describe group: %w", err)
		}
		fmt.Printf("Group %s (%s, %s, epoch %d, you are %s)\n", info.ID, info.Name, info.Purpose, info.Epoch, info.OwnRole)
		fmt.Printf("Members (%d):\n", info.MemberCount)
		for _, inboxID := range info.MemberInboxIDs {
			fmt.Printf("  %s\n", inboxID)
		}
		return nil
	}

	rows, err := client.Store.ListGroups(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No groups.")
		return nil
	}

	fmt.Printf("Groups (%d):\n\n", len(rows))
	for _, row := range rows {
		info, err := group.Describe(ctx, client, group.FromID(row.ID))
		if err != nil {
			fmt.Printf("  %s [state: %v] (could not load: %v)\n", row.ID, row.MembershipState, err)
			continue
		}
		fmt.Printf("  %s  %-20s  %-8s  %-9s  epoch %d  %d member(s)\n",
			info.ID, info.Name, info.Purpose, info.MembershipState, info.Epoch, info.MemberCount)
	}
	return nil
}

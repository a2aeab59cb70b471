package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xmtp-go/mlscore/internal/group"
)

var groupSendCmd = &cobra.Command{
	Use:   "send [group-id] [message...]",
	Short: "Send an application message to a group",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runGroupSend,
}

func init() {
	groupCmd.AddCommand(groupSendCmd)
}

func runGroupSend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	groupID := args[0]
	message := strings.Join(args[1:], " ")
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
	intentID, err := group.Send(ctx, client, g, []byte(message))
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	if err := group.SyncUntilIntentResolved(ctx, client, g, intentID); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	fmt.Printf("Sent to group %s.\n", groupID)
	return nil
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xmtp-go/mlscore/internal/group"
	"github.com/xmtp-go/mlscore/internal/mlscore"
)

var (
	groupCreateName    string
	groupCreatePurpose string
	groupCreatePolicy  string
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create and manage groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new group with the local identity as its sole member",
	RunE:  runGroupCreate,
}

var groupAddCmd = &cobra.Command{
	Use:   "add [group-id] [address...]",
	Short: "Add members to a group by account address",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runGroupAdd,
}

func init() {
	groupCreateCmd.Flags().StringVar(&groupCreateName, "name", "", "group display name")
	groupCreateCmd.Flags().StringVar(&groupCreatePurpose, "purpose", "conversation", "conversation or sync")
	groupCreateCmd.Flags().StringVar(&groupCreatePolicy, "policy", "all-members", "all-members or admins-only")
	groupCmd.AddCommand(groupCreateCmd, groupAddCmd)
	rootCmd.AddCommand(groupCmd)
}

func parsePurpose(s string) (mlscore.GroupPurpose, error) {
	switch s {
	case "conversation", "":
		return mlscore.PurposeConversation, nil
	case "sync":
		return mlscore.PurposeSync, nil
	default:
		return 0, fmt.Errorf("unknown purpose %q (want conversation or sync)", s)
	}
}

func parsePolicy(s string) (mlscore.Preset, error) {
	switch s {
	case "all-members", "":
		return mlscore.PresetAllMembers, nil
	case "admins-only":
		return mlscore.PresetAdminsOnly, nil
	default:
		return 0, fmt.Errorf("unknown policy %q (want all-members or admins-only)", s)
	}
}

func runGroupCreate(cmd *cobra.Command, args []string) error {
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

	purpose, err := parsePurpose(groupCreatePurpose)
	if err != nil {
		return err
	}
	policy, err := parsePolicy(groupCreatePolicy)
	if err != nil {
		return err
	}

	g, err := group.CreateGroup(ctx, client, purpose, groupCreateName, policy)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}

	fmt.Printf("Group created: %s\n", g.ID())
	if groupCreateName != "" {
		fmt.Printf("  Name: %s\n", groupCreateName)
	}
	fmt.Printf("  Purpose: %s\n", groupCreatePurpose)
	return nil
}

func runGroupAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	groupID, addresses := args[0], args[1:]
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
	intentID, err := group.AddMembers(ctx, client, g, addresses)
	if err != nil {
		return fmt.Errorf("enqueue add members: %w", err)
	}
	if err := group.SyncUntilIntentResolved(ctx, client, g, intentID); err != nil {
		return fmt.Errorf("publish add members: %w", err)
	}

	fmt.Printf("Added %d member(s) to group %s.\n", len(addresses), groupID)
	return nil
}

package cli

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xmtp-go/mlscore/internal/config"
	"github.com/xmtp-go/mlscore/internal/crypto"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the local identity and configuration",
	RunE:  runWhoami,
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

func runWhoami(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	root, paths, err := getStateRootAndPaths()
	if err != nil {
		return err
	}

	inboxID, address, err := readIdentityTOML(paths.IdentityTOML())
	if err != nil {
		return fmt.Errorf("no local identity found; run 'mlsclient identity init' first")
	}

	cfg, err := config.Load(paths.ConfigTOML())
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

	groups, err := client.Store.ListGroups(ctx)
	if err != nil {
		return err
	}

	installPub := client.Identity.InstallationPrivateKey().Public().(ed25519.PublicKey)
	fp, _ := crypto.PublicKeyFingerprint(installPub)

	fmt.Printf("State dir:    %s\n", root)
	fmt.Printf("Inbox ID:     %s\n", inboxID)
	fmt.Printf("Address:      %s\n", address)
	fmt.Printf("Install key:  %s\n", fp)
	fmt.Printf("API endpoint: %s\n", cfg.APIEndpoint)
	fmt.Printf("Ciphersuite:  %d\n", cfg.CipherSuite)
	fmt.Printf("Groups known: %d\n", len(groups))
	return nil
}

package cli

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xmtp-go/mlscore/internal/api"
	"github.com/xmtp-go/mlscore/internal/api/grpcapi"
	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/config"
	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/group"
	"github.com/xmtp-go/mlscore/internal/identity"
	"github.com/xmtp-go/mlscore/internal/store"
	"github.com/xmtp-go/mlscore/internal/verifier"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage this installation's inbox identity",
}

var identityInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Register a new inbox and installation in the current directory",
	RunE:  runIdentityInit,
}

var identityLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Replay the local inbox's association state history",
	RunE:  runIdentityLog,
}

func init() {
	identityCmd.AddCommand(identityInitCmd, identityLogCmd)
	rootCmd.AddCommand(identityCmd)
}

func runIdentityInit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	root, paths, err := getStateRootAndPaths()
	if err != nil {
		return err
	}
	if _, err := os.Stat(paths.IdentityTOML()); err == nil {
		return fmt.Errorf(".mlsclient/ already has a registered identity")
	}
	if err := paths.EnsureDir(); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	passphrase, err := promptPassphrase(true)
	if err != nil {
		return err
	}

	// There is no external wallet to delegate to here, so the CLI
	// generates its own secp256k1 key and signs with it locally; the
	// resulting ERC-191 signatures are indistinguishable on the wire
	// from ones a browser extension would have produced.
	var walletSeed [32]byte
	if _, err := rand.Read(walletSeed[:]); err != nil {
		return fmt.Errorf("generate wallet key: %w", err)
	}
	walletPriv := secp256k1.PrivKeyFromBytes(walletSeed[:])
	address := verifier.AddressFromPubkey(walletPriv.PubKey())

	installPriv, installPub, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}

	inboxID := assoc.GenerateInboxID(address, 0)
	id := identity.New(inboxID, installPriv, installPub)

	req := id.BeginRegistration(address, 0)
	for _, slot := range req.PendingDigests() {
		if err := req.AddSignature(slot.Name, verifier.SignPersonal(walletPriv, slot.Digest)); err != nil {
			return fmt.Errorf("sign %s: %w", slot.Name, err)
		}
	}

	cfg := config.Default()
	apiClient, err := grpcapi.Dial(ctx, cfg.APIEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.APIEndpoint, err)
	}
	defer apiClient.Close()

	db, err := store.Open(ctx, store.Persistent, paths.DBFile(), deriveDBKey(passphrase))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := id.Register(ctx, db, group.NewIdentityPublisher(apiClient)); err != nil {
		return fmt.Errorf("register inbox: %w", err)
	}

	// Self-associate this installation as a member of its own inbox: a
	// second signature request distinct from registration, where the
	// address vouches for the new installation and the installation
	// proves it holds the key it claims.
	assocReq := identity.NewAddAssociationRequest(inboxID, 1, assoc.Address(address), assoc.Installation(installPub))
	for _, slot := range assocReq.PendingDigests() {
		var sig []byte
		if slot.Kind == assoc.SignatureInstallationKey {
			sig = id.Sign(slot.Digest)
		} else {
			sig = verifier.SignPersonal(walletPriv, slot.Digest)
		}
		if err := assocReq.AddSignature(slot.Name, sig); err != nil {
			return fmt.Errorf("sign %s: %w", slot.Name, err)
		}
	}
	update, err := assocReq.ToIdentityUpdate()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if _, err := apiClient.PublishIdentityUpdate(ctx, api.IdentityUpdateEnvelope{InboxID: inboxID, Payload: payload}); err != nil {
		return fmt.Errorf("publish self-association: %w", err)
	}

	installPEM, err := crypto.PrivateKeyToPEM(installPriv, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(paths.InstallationPEM(), []byte(installPEM), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(paths.WalletKey(), []byte(fmt.Sprintf("%x", walletSeed)), 0o600); err != nil {
		return err
	}
	if err := writeIdentityTOML(paths.IdentityTOML(), inboxID, address); err != nil {
		return err
	}
	cfgText, err := cfg.ToTOML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(paths.ConfigTOML(), []byte(cfgText), 0o644); err != nil {
		return err
	}

	fp, _ := crypto.PublicKeyFingerprint(installPub)
	fmt.Printf("Identity registered in %s\n", root)
	fmt.Printf("  Inbox ID:    %s\n", inboxID)
	fmt.Printf("  Address:     %s\n", address)
	fmt.Printf("  Install key: %s\n", fp)
	fmt.Println()
	fmt.Println("Next: run 'mlsclient group create --name <name>' or 'mlsclient sync'.")
	return nil
}

func runIdentityLog(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, paths, err := getStateRootAndPaths()
	if err != nil {
		return err
	}
	inboxID, _, err := readIdentityTOML(paths.IdentityTOML())
	if err != nil {
		return fmt.Errorf("no local identity found; run 'mlsclient identity init' first")
	}

	passphrase, err := promptPassphrase(false)
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, store.Persistent, paths.DBFile(), deriveDBKey(passphrase))
	if err != nil {
		return err
	}
	defer db.Close()

	updates, err := db.ListIdentityUpdates(ctx, inboxID)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		fmt.Println("No identity updates recorded locally. Run 'mlsclient sync' first.")
		return nil
	}

	v := verifier.New()
	var prev *assoc.AssociationState
	for i := range updates {
		state, err := assoc.GetState(v, updates[:i+1])
		if err != nil {
			return fmt.Errorf("replay update %d: %w", i, err)
		}
		if prev == nil {
			fmt.Printf("== update %d: inbox created, %d member(s) ==\n", i, state.MemberCount())
		} else {
			diff := prev.Diff(state)
			fmt.Printf("== update %d: +%d/-%d member(s) ==\n", i, len(diff.NewMembers), len(diff.RemovedMembers))
			if diff.Rendered != "" {
				fmt.Println(diff.Rendered)
			}
		}
		prev = state
	}

	fmt.Printf("\nCurrent members (%d):\n", prev.MemberCount())
	for _, m := range prev.SortedMemberKeys() {
		fmt.Printf("  %s\n", m.String())
	}
	return nil
}

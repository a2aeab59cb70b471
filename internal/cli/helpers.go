package cli

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xmtp-go/mlscore/internal/api/grpcapi"
	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/config"
	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/group"
	"github.com/xmtp-go/mlscore/internal/identity"
	"github.com/xmtp-go/mlscore/internal/store"
	"github.com/xmtp-go/mlscore/internal/verifier"
)

// Paths resolves the on-disk layout under a client's state directory,
// ".mlsclient/" by convention, mirroring what config.FindStateRoot
// walks up from cwd looking for.
type Paths struct {
	Root string
}

func (p Paths) Dir() string             { return filepath.Join(p.Root, ".mlsclient") }
func (p Paths) ConfigTOML() string      { return filepath.Join(p.Dir(), "config.toml") }
func (p Paths) IdentityTOML() string    { return filepath.Join(p.Dir(), "identity.toml") }
func (p Paths) InstallationPEM() string { return filepath.Join(p.Dir(), "installation.pem") }
func (p Paths) WalletKey() string       { return filepath.Join(p.Dir(), "wallet.key") }
func (p Paths) DBFile() string          { return filepath.Join(p.Dir(), "store.db") }

func (p Paths) EnsureDir() error { return os.MkdirAll(p.Dir(), 0o700) }

func getStateRootAndPaths() (string, Paths, error) {
	root, err := config.FindStateRoot("")
	if err != nil {
		return "", Paths{}, err
	}
	return root, Paths{Root: root}, nil
}

type identityDoc struct {
	Identity struct {
		InboxID        string `toml:"inbox_id"`
		AccountAddress string `toml:"account_address"`
	} `toml:"identity"`
}

func writeIdentityTOML(path, inboxID, address string) error {
	var doc identityDoc
	doc.Identity.InboxID = inboxID
	doc.Identity.AccountAddress = address
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(doc); err != nil {
		return fmt.Errorf("encode identity toml: %w", err)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func readIdentityTOML(path string) (inboxID, address string, err error) {
	var doc identityDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return "", "", fmt.Errorf("decode identity toml: %w", err)
	}
	return doc.Identity.InboxID, doc.Identity.AccountAddress, nil
}

// promptPassphrase reads the store/installation-key passphrase from
// MLSCLIENT_PASSPHRASE if set (for non-interactive and CI use), else
// prompts the terminal, asking twice when confirm is true.
func promptPassphrase(confirm bool) ([]byte, error) {
	if env := os.Getenv(crypto.PassphraseEnv); env != "" {
		return []byte(env), nil
	}
	fmt.Print("Passphrase: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if confirm {
		fmt.Print("Confirm passphrase: ")
		pw2, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		if string(pw) != string(pw2) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	return pw, nil
}

// deriveDBKey turns an operator passphrase into the 32-byte key
// store.Open requires, the same direct-hash approach used elsewhere in
// this module to turn free-form input into a fixed-size opaque value.
func deriveDBKey(passphrase []byte) []byte {
	h := sha256.Sum256(append([]byte("mlsclient-store-key:"), passphrase...))
	return h[:]
}

// bootstrapClient loads the local identity and config, opens the
// encrypted store and dials the configured API endpoint, and wires
// them into a *group.Client ready to create, join, or sync groups.
// The returned cleanup func closes the store and API connection; the
// caller must defer it.
func bootstrapClient(ctx context.Context, paths Paths, passphrase []byte) (*group.Client, config.Config, func(), error) {
	if _, err := os.Stat(paths.IdentityTOML()); err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("no local identity found; run 'mlsclient identity init' first")
	}
	inboxID, _, err := readIdentityTOML(paths.IdentityTOML())
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	cfg, err := config.Load(paths.ConfigTOML())
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	pemBytes, err := os.ReadFile(paths.InstallationPEM())
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("read installation key: %w", err)
	}
	installPriv, err := crypto.LoadPrivateKey(string(pemBytes), passphrase)
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("unlock installation key: %w", err)
	}
	installPub := installPriv.Public().(ed25519.PublicKey)
	id := identity.New(inboxID, installPriv, installPub)

	apiClient, err := grpcapi.Dial(ctx, cfg.APIEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("dial %s: %w", cfg.APIEndpoint, err)
	}

	dbPath := cfg.StorePath
	if dbPath == "" {
		dbPath = paths.DBFile()
	}
	db, err := store.Open(ctx, store.Persistent, dbPath, deriveDBKey(passphrase))
	if err != nil {
		apiClient.Close()
		return nil, config.Config{}, nil, err
	}

	assocLog := assoc.NewLog(db, group.NewRemoteLog(apiClient), verifier.New())
	client := group.New(db, apiClient, id, assocLog)
	client.MaxGroupSize = cfg.MaxGroupSize

	cleanup := func() {
		db.Close()
		apiClient.Close()
	}
	return client, cfg, cleanup, nil
}

package cli

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/xmtp-go/mlscore/internal/api/grpcapi"
	"github.com/xmtp-go/mlscore/internal/api/memapi"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local in-memory backend for demos and testing",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:5556", "address to listen on")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", serveAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", serveAddr, err)
	}

	backend := memapi.New()
	s := grpc.NewServer()
	grpcapi.NewServer(backend).Register(s)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	fmt.Printf("Backend listening on %s. Set MLSCLIENT_API_ENDPOINT=%s and run 'mlsclient identity init'.\n", serveAddr, serveAddr)
	fmt.Println("Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
		s.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

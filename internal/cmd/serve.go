package cmd

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/willfong/workload-generator/internal/client/socketclient"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory target server for the socket protocol",
	Long: `Start a small in-memory key store speaking the socket protocol.

It is meant for trying out workloads and measuring the generator itself
without a directory or database server. Entries live only as long as the
process. Stop it with Ctrl+C.

Example:
  workgen serve --listen 127.0.0.1:7389
  workgen run --address 127.0.0.1:7389 --duration 30s`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "address to listen on (default: socket.address)")
	serveCmd.Flags().String("secret", "", "password accepted by AUTH (default: socket.secret)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.Socket.Address = addr
	}
	if secret, _ := cmd.Flags().GetString("secret"); secret != "" {
		cfg.Socket.Secret = secret
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	u := newUI()

	l, err := net.Listen("tcp", cfg.Socket.Address)
	if err != nil {
		fmt.Println(u.Error(err.Error()))
		return err
	}

	fmt.Println(u.Header("Socket Target Server"))
	fmt.Println()
	fmt.Println(u.KeyValue("Listening", l.Addr().String()))
	fmt.Println(u.Muted("  Press Ctrl+C to stop"))
	fmt.Println()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := socketclient.NewServer(log, cfg.Socket.Secret)
	if err := srv.Serve(ctx, l); err != nil {
		return err
	}
	fmt.Println(u.Success(fmt.Sprintf("Server stopped with %d entries", srv.Len())))
	return nil
}

package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"easyconnect/models"
	"easyconnect/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise this device and receive text and files",
	Long: `Advertise this device on the local network and accept inbound transfers
until interrupted. Received files are stored in the configured receive directory.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("name", "", "Device name to advertise (overrides config)")
	serveCmd.Flags().String("receive-dir", "", "Directory for received files (overrides config)")
	serveCmd.Flags().Int("port", 0, "Transfer port (overrides config)")
	serveCmd.Flags().Duration("status-interval", 0, "Log the number of known peers at this interval (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.DeviceName = name
	}
	if dir, _ := cmd.Flags().GetString("receive-dir"); dir != "" {
		cfg.ReceiveDir = dir
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.TransferPort = port
	}
	statusInterval, _ := cmd.Flags().GetDuration("status-interval")

	logger := newLogger(cfg)
	out := cmd.OutOrStdout()

	// Events print in order on one goroutine.
	executor := node.NewSerialExecutor(64)
	defer executor.Close()

	n, err := node.New(node.Options{
		Config:   cfg,
		Listener: eventPrinter(out),
		Executor: executor,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Device Name:    %s\n", n.DeviceName())
	fmt.Fprintf(out, "Listening On:   %s\n", n.Addr())
	fmt.Fprintf(out, "Receive Dir:    %s\n", cfg.ReceiveDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		return n.Stop()
	})
	if statusInterval > 0 {
		group.Go(func() error {
			reportPeers(groupCtx, logger, n, statusInterval)
			return nil
		})
	}
	return group.Wait()
}

func reportPeers(ctx context.Context, logger *slog.Logger, n *node.Node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("peer status", slog.Int("peers", len(n.Peers())))
		}
	}
}

func eventPrinter(out io.Writer) node.Listener {
	return node.ListenerFuncs{
		OnPeerFound: func(peer models.Peer) {
			fmt.Fprintf(out, "+ peer %s at %s\n", peer.DisplayName, peer.Endpoint())
		},
		OnPeerLost: func(address string) {
			fmt.Fprintf(out, "- peer at %s\n", address)
		},
		OnTextReceived: func(sender, text string) {
			fmt.Fprintf(out, "[%s] %s\n", sender, text)
		},
		OnFileReceived: func(sender, fileName, path string) {
			fmt.Fprintf(out, "[%s] sent %s -> %s\n", sender, fileName, path)
		},
	}
}

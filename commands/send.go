package commands

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"easyconnect/discovery"
	"easyconnect/models"
	"easyconnect/network"
)

// sendCmd is the parent command for send subcommands
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send text or a file to a peer",
	Long: `Send text or a file to a peer. The target is an address, an address:port
pair, or the display name of a peer currently advertising on the network.`,
}

var sendTextCmd = &cobra.Command{
	Use:   "text <target> <message...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sender, peer, err := prepareSend(cmd, args[0])
		if err != nil {
			return err
		}

		text := strings.Join(args[1:], " ")
		if err := sender.SendText(cmd.Context(), peer, text); err != nil {
			return describeSendError(peer, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Delivered to %s\n", peerLabel(peer))
		return nil
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "file <target> <path>",
	Short: "Send a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sender, peer, err := prepareSend(cmd, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		progress := newProgressPrinter(out, isTerminal(out), args[1])
		err = sender.SendFile(cmd.Context(), peer, args[1], progress.update)
		progress.finish(err == nil)
		if err != nil {
			return describeSendError(peer, err)
		}
		fmt.Fprintf(out, "Delivered %s to %s\n", args[1], peerLabel(peer))
		return nil
	},
}

func init() {
	sendCmd.PersistentFlags().Duration("discover-timeout", 3*time.Second, "How long to look for a peer given by name")

	sendCmd.AddCommand(sendTextCmd)
	sendCmd.AddCommand(sendFileCmd)
}

func prepareSend(cmd *cobra.Command, target string) (*network.Sender, models.Peer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, models.Peer{}, err
	}
	logger := newLogger(cfg)

	discoverTimeout, _ := cmd.Flags().GetDuration("discover-timeout")
	peer, err := resolvePeer(cmd.Context(), target, cfg.TransferPort, func(ctx context.Context) ([]models.Peer, error) {
		return discovery.Scan(ctx, discovery.Config{
			DeviceName:  cfg.DeviceName,
			ScanTimeout: discoverTimeout,
			Logger:      logger,
		})
	})
	if err != nil {
		return nil, models.Peer{}, err
	}

	sender, err := network.NewSender(network.SenderOptions{
		DeviceName:     cfg.DeviceName,
		ConnectTimeout: time.Duration(cfg.ConnectTimeout),
		ReadTimeout:    time.Duration(cfg.ReadTimeout),
		ChunkSize:      cfg.ChunkSize,
		Logger:         logger,
	})
	if err != nil {
		return nil, models.Peer{}, err
	}
	return sender, peer, nil
}

// parseTarget accepts "address" or "address:port". ok is false when target
// is neither and should be looked up by name.
func parseTarget(target string, defaultPort int) (models.Peer, bool, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return models.Peer{}, false, fmt.Errorf("empty target")
	}

	if host, rawPort, err := net.SplitHostPort(target); err == nil {
		port, err := strconv.Atoi(rawPort)
		if err != nil || port < 1 || port > 65535 {
			return models.Peer{}, false, fmt.Errorf("invalid port in %q", target)
		}
		return models.Peer{DisplayName: host, Address: host, Port: port}, true, nil
	}

	if ip := net.ParseIP(strings.Trim(target, "[]")); ip != nil {
		return models.Peer{DisplayName: ip.String(), Address: ip.String(), Port: defaultPort}, true, nil
	}
	return models.Peer{}, false, nil
}

type scanFunc func(ctx context.Context) ([]models.Peer, error)

func resolvePeer(ctx context.Context, target string, defaultPort int, scan scanFunc) (models.Peer, error) {
	peer, ok, err := parseTarget(target, defaultPort)
	if err != nil || ok {
		return peer, err
	}

	peers, err := scan(ctx)
	if err != nil {
		return models.Peer{}, fmt.Errorf("look up %q: %w", target, err)
	}

	var matches []models.Peer
	for _, candidate := range peers {
		if strings.EqualFold(candidate.DisplayName, target) {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return models.Peer{}, fmt.Errorf("no peer named %q found", target)
	case 1:
		return matches[0], nil
	default:
		return models.Peer{}, fmt.Errorf("%d peers are named %q, use an address instead", len(matches), target)
	}
}

func peerLabel(peer models.Peer) string {
	if peer.DisplayName == "" || peer.DisplayName == peer.Address {
		return peer.Endpoint()
	}
	return fmt.Sprintf("%s (%s)", peer.DisplayName, peer.Endpoint())
}

func describeSendError(peer models.Peer, err error) error {
	var reason string
	switch network.OutcomeOf(err) {
	case network.ErrConnectFailed:
		reason = "could not connect"
	case network.ErrTimeout:
		reason = "peer did not answer in time"
	case network.ErrPeerRejected:
		reason = "peer did not accept the transfer"
	case network.ErrProtocol:
		reason = "peer spoke an unexpected protocol"
	case network.ErrLocalIO:
		reason = "could not read the file"
	case network.ErrCancelled:
		reason = "cancelled"
	default:
		return err
	}
	return fmt.Errorf("send to %s failed: %s: %w", peerLabel(peer), reason, err)
}

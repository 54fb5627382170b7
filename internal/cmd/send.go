package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/fluxbridge/internal/node"
	"github.com/rudransh-shrivastava/fluxbridge/internal/peer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transfer"
)

var connectTimeout time.Duration

var errPeerNotFound = errors.New("peer not found")

var sendCmd = &cobra.Command{
	Use:   "send peer file",
	Short: "send a file to a peer",
	Long:  `waits until the peer (id or display name) is connected, sends the file and exits`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, path := args[0], args[1]

		stat, err := os.Stat(path)
		if err != nil {
			return err
		}
		if stat.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.node.Start(ctx); err != nil {
			return err
		}

		peerID, err := waitConnected(ctx, a.node, query, connectTimeout)
		if err != nil {
			return err
		}
		return sendWithProgress(ctx, a.node, peerID, path, stat.Size())
	},
}

func init() {
	sendCmd.Flags().DurationVar(&connectTimeout, "timeout", 30*time.Second, "how long to wait for the peer")
}

// waitConnected resolves query to a discovered peer and waits until a
// connection to it is up.
func waitConnected(ctx context.Context, n *node.Node, query string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	connected := func(peerID string) bool {
		for _, snap := range n.Connections() {
			if snap.PeerID == peerID && snap.State == peer.StateConnected {
				return true
			}
		}
		return false
	}

	peerID := ""
	for {
		if peerID == "" {
			if p, ok := n.ResolvePeer(query); ok {
				peerID = p.ID
			}
		}
		if peerID != "" && connected(peerID) {
			return peerID, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			if peerID == "" {
				return "", fmt.Errorf("%w: %s", errPeerNotFound, query)
			}
			return "", fmt.Errorf("%w: %s", peer.ErrNotConnected, query)
		case _, ok := <-n.Events():
			if !ok {
				return "", node.ErrClosed
			}
		}
	}
}

func sendWithProgress(ctx context.Context, n *node.Node, peerID, path string, size int64) error {
	bar := progressbar.DefaultBytes(size, "sending "+filepath.Base(path))

	result := make(chan error, 1)
	go func() {
		_, err := n.SendFile(ctx, peerID, path)
		result <- err
	}()

	for {
		select {
		case err := <-result:
			if err != nil {
				return err
			}
			return bar.Finish()
		case ev, ok := <-n.Events():
			if !ok {
				return node.ErrClosed
			}
			if ev.PeerID != peerID || ev.Transfer.Direction != transfer.Outbound {
				continue
			}
			if ev.Kind == node.TransferProgress {
				sent := int64(ev.Transfer.ChunksDone) * int64(ev.Transfer.ChunkSize)
				_ = bar.Set64(min(sent, size))
			}
		}
	}
}

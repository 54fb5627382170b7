package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rudransh-shrivastava/fluxbridge/internal/clipboard"
	"github.com/rudransh-shrivastava/fluxbridge/internal/config"
	"github.com/rudransh-shrivastava/fluxbridge/internal/db"
	"github.com/rudransh-shrivastava/fluxbridge/internal/discovery"
	"github.com/rudransh-shrivastava/fluxbridge/internal/node"
	"github.com/rudransh-shrivastava/fluxbridge/internal/store"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transport/webrtc"
)

// app is a node plus the resources it was built from.
type app struct {
	node    *node.Node
	history *gorm.DB
	logger  *slog.Logger
}

type appOptions struct {
	clipboard bool
}

func newApp(cfg config.Config, opts appOptions) (*app, error) {
	log := newLogger(cfg)

	backend, err := discovery.NewZeroconf(nil)
	if err != nil {
		return nil, fmt.Errorf("starting discovery: %w", err)
	}

	nodeOpts := node.Options{
		Config:    cfg,
		Logger:    log,
		Discovery: backend,
		Engine:    webrtc.New(webrtc.Config{STUNServers: cfg.ICE.STUNServers, Logger: log}),
	}

	if opts.clipboard && cfg.ClipboardEnabled() {
		sys, err := clipboard.NewSystem()
		if err != nil {
			log.Warn("Clipboard sync disabled", "error", err)
		} else {
			nodeOpts.Clipboard = sys
		}
	}

	a := &app{logger: log}
	if cfg.HistoryEnabled() {
		gdb, err := db.Open(cfg.HistoryPath())
		if err != nil {
			log.Warn("History disabled", "path", cfg.HistoryPath(), "error", err)
		} else {
			a.history = gdb
			nodeOpts.Transfers = store.NewTransferStore(gdb)
			nodeOpts.Peers = store.NewPeerStore(gdb)
		}
	}

	n, err := node.New(nodeOpts)
	if err != nil {
		a.closeHistory()
		return nil, err
	}
	a.node = n
	return a, nil
}

func (a *app) Close() {
	if err := a.node.Close(); err != nil {
		a.logger.Warn("Failed to stop node", "error", err)
	}
	a.closeHistory()
}

func (a *app) closeHistory() {
	if a.history == nil {
		return
	}
	if err := db.Close(a.history); err != nil {
		a.logger.Warn("Failed to close history", "error", err)
	}
	a.history = nil
}

// newFeed returns the logger that renders node events for the user.
func newFeed(cfg config.Config) *logrus.Logger {
	feed := logrus.New()
	feed.SetOutput(os.Stdout)
	feed.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.TimeOnly,
	})
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		feed.SetLevel(level)
	}
	return feed
}

func printEvent(feed *logrus.Logger, ev node.Event) {
	entry := feed.WithFields(logrus.Fields{
		"event": ev.Kind.String(),
		"peer":  ev.PeerID,
	})

	switch ev.Kind {
	case node.PeerDiscovered:
		entry.WithFields(logrus.Fields{
			"name": ev.Peer.DisplayName,
			"port": ev.Peer.Port,
		}).Info("Peer discovered")
	case node.PeerLost:
		entry.Info("Peer lost")
	case node.ConnectionStateChanged:
		if ev.Err != nil {
			entry.WithError(ev.Err).Warnf("Connection %s", ev.State)
			return
		}
		entry.Infof("Connection %s", ev.State)
	case node.TransferProgress:
		entry.WithFields(logrus.Fields{
			"file":     ev.Transfer.Filename,
			"progress": fmt.Sprintf("%.0f%%", ev.Transfer.Progress()*100),
		}).Debug("Transfer progress")
	case node.TransferComplete:
		entry.WithFields(logrus.Fields{
			"file":      ev.Transfer.Filename,
			"direction": ev.Transfer.Direction.String(),
			"path":      ev.Transfer.Path,
			"bytes":     ev.Transfer.TotalSize,
		}).Info("Transfer complete")
	case node.TransferFailed:
		entry.WithFields(logrus.Fields{
			"file":      ev.Transfer.Filename,
			"direction": ev.Transfer.Direction.String(),
		}).WithError(ev.Err).Warn("Transfer failed")
	case node.ClipboardReceived:
		entry.WithField("length", len(ev.Text)).Info("Clipboard updated")
	}
}

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run fluxbridge until interrupted",
	Long:  `announces this machine, connects to every peer found, syncs the clipboard and receives files into the download directory`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg, appOptions{clipboard: true})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.node.Start(ctx); err != nil {
			return err
		}

		feed := newFeed(cfg)
		feed.WithField("id", a.node.ID()).Infof("Running as %s, saving files to %s", cfg.Name, cfg.DownloadDir)

		events := a.node.Events()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				printEvent(feed, ev)
			}
		}
	},
}

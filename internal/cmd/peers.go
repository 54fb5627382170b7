package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/fluxbridge/internal/db"
	"github.com/rudransh-shrivastava/fluxbridge/internal/discovery"
	"github.com/rudransh-shrivastava/fluxbridge/internal/store"
)

var (
	browseFor  time.Duration
	knownPeers bool
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list peers on the network",
	Long:  `browses the local network for a while and prints the peers found; --known prints every peer seen before instead`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		if knownPeers {
			gdb, err := db.Open(cfg.HistoryPath())
			if err != nil {
				return err
			}
			defer db.Close(gdb)

			peers, err := store.NewPeerStore(gdb).GetPeers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESSES\tPORT\tLAST SEEN")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.PeerID, p.DisplayName, p.Addresses, p.Port, p.LastSeen.Format(time.DateTime))
			}
			return w.Flush()
		}

		backend, err := discovery.NewZeroconf(nil)
		if err != nil {
			return err
		}
		svc := discovery.NewService(discovery.Config{
			Backend:        backend,
			LocalID:        discovery.NewInstanceID(),
			BrowseInterval: browseFor,
			Logger:         log,
		})
		defer svc.Close()
		dir := discovery.NewDirectory(discovery.DirectoryConfig{Logger: log})

		ctx, cancel := context.WithTimeout(cmd.Context(), browseFor)
		defer cancel()
		for ev := range svc.Watch(ctx) {
			dir.Apply(ev)
		}

		peers := dir.List()
		if len(peers) == 0 {
			fmt.Println("No peers found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDRESSES\tPORT")
		for _, p := range peers {
			addrs := make([]string, 0, len(p.Addresses))
			for _, ip := range p.Addresses {
				addrs = append(addrs, ip.String())
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.ID, p.DisplayName, strings.Join(addrs, ","), p.Port)
		}
		return w.Flush()
	},
}

func init() {
	peersCmd.Flags().DurationVar(&browseFor, "wait", 3*time.Second, "how long to browse")
	peersCmd.Flags().BoolVar(&knownPeers, "known", false, "list peers from history instead of browsing")
}

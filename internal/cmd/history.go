package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/fluxbridge/internal/db"
	"github.com/rudransh-shrivastava/fluxbridge/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [transfer-id]",
	Short: "show recorded transfers",
	Long:  `prints the most recent transfers, or the full record of one transfer`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.HistoryEnabled() {
			return fmt.Errorf("history is disabled in the config")
		}

		gdb, err := db.Open(cfg.HistoryPath())
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		transfers := store.NewTransferStore(gdb)

		if len(args) == 1 {
			t, err := transfers.GetTransfer(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("transfer %s: %w", args[0], err)
			}
			fmt.Printf("id:        %s\n", t.TransferID)
			fmt.Printf("peer:      %s (%s)\n", t.PeerName, t.PeerID)
			fmt.Printf("direction: %s\n", t.Direction)
			fmt.Printf("file:      %s\n", t.Filename)
			fmt.Printf("path:      %s\n", t.Path)
			fmt.Printf("size:      %d bytes in %d chunks\n", t.Size, t.TotalChunks)
			fmt.Printf("state:     %s\n", t.State)
			if t.Error != "" {
				fmt.Printf("error:     %s\n", t.Error)
			}
			fmt.Printf("started:   %s\n", t.StartedAt.Format(time.DateTime))
			fmt.Printf("finished:  %s\n", t.FinishedAt.Format(time.DateTime))
			return nil
		}

		records, err := transfers.ListTransfers(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No transfers recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FINISHED\tDIRECTION\tPEER\tFILE\tSIZE\tSTATE")
		for _, t := range records {
			peer := t.PeerName
			if peer == "" {
				peer = t.PeerID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				t.FinishedAt.Format(time.DateTime), t.Direction, peer, t.Filename, t.Size, t.State)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of transfers to show")
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored checkpoints and bookkeeper cursors",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	err := storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		cps, err := checkpoint.New(uow.KeyValues()).All(ctx, "")
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(cps))
		for k := range cps {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "CHECKPOINT\tVALUE")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", k, cps[k])
		}
		_ = w.Flush()

		bks, err := uow.Bookkeepers().List(ctx)
		if err != nil {
			return err
		}
		if len(bks) == 0 {
			return nil
		}
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "ADDRESS\tNAME\tSTART\tLOWEST\tNEXT\tEND")
		for _, bk := range bks {
			end := "-"
			if bk.End != nil {
				end = fmt.Sprint(*bk.End)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", bk.Address, bk.Name, bk.Start, bk.LowestScanned, bk.NextToScanHigh, end)
		}
		return w.Flush()
	})
	if err != nil {
		slog.Error("Failed to read status", "error", err)
		os.Exit(1)
	}
}

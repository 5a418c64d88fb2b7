package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

var setCheckpointCmd = &cobra.Command{
	Use:   "set-checkpoint [key] [block]",
	Short: "Set a block checkpoint, e.g. to rescan a range",
	Long: `Set a block checkpoint. The scanner resumes at block+1 on its next round.
Keys are listed by the status command.`,
	Args: cobra.ExactArgs(2),
	Run:  runSetCheckpoint,
}

func init() {
	rootCmd.AddCommand(setCheckpointCmd)
}

func runSetCheckpoint(cmd *cobra.Command, args []string) {
	key := args[0]
	block, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	var prev int64
	err = storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		cps := checkpoint.New(uow.KeyValues())
		var err error
		if prev, err = cps.Block(ctx, key, -1); err != nil {
			return err
		}
		return cps.ForceBlock(ctx, key, block)
	})
	if err != nil {
		slog.Error("Failed to set checkpoint", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully set %s from %d to block %d\n", key, prev, block)
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridgemonitor/internal/control"
	"github.com/vietddude/bridgemonitor/internal/core/config"
	"github.com/vietddude/bridgemonitor/internal/core/worker"
	"github.com/vietddude/bridgemonitor/internal/indexing/emitter"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

var (
	addressStart uint64
	addressEnd   uint64
)

var addAddressCmd = &cobra.Command{
	Use:   "add-address [address] [name]",
	Short: "Track the value-transfer traces of an address",
	Long: `Track an address with the bookkeeper. Scanning starts just above the safe
head and proceeds backward to --start and forward to --end (if given).`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runAddAddress,
}

var removeAddressCmd = &cobra.Command{
	Use:   "remove-address [address]",
	Short: "Stop tracking an address; stored traces are kept",
	Args:  cobra.ExactArgs(1),
	Run:   runRemoveAddress,
}

func init() {
	addAddressCmd.Flags().Uint64Var(&addressStart, "start", 0, "lowest block to scan")
	addAddressCmd.Flags().Uint64Var(&addressEnd, "end", 0, "block to stop scanning at (0 scans forever)")
	rootCmd.AddCommand(addAddressCmd)
	rootCmd.AddCommand(removeAddressCmd)
}

// newBookkeeper builds a bookkeeper for one-off commands.
func newBookkeeper(cfg *config.AppConfig, store storage.Store) *worker.Bookkeeper {
	clients, _ := control.NewClients(cfg.Chains, nil)
	client, err := clients.EVM(cfg.Bookkeeper.Chain)
	if err != nil {
		slog.Error("Bookkeeper chain is not configured", "error", err)
		os.Exit(1)
	}
	var chainID int64
	if ch, ok := cfg.Chain(cfg.Bookkeeper.Chain); ok {
		chainID = ch.ChainID
	}
	return worker.NewBookkeeper(control.BookkeeperConfig(cfg.Bookkeeper, chainID), client, store, emitter.Null{})
}

func runAddAddress(cmd *cobra.Command, args []string) {
	address := args[0]
	var name string
	if len(args) > 1 {
		name = args[1]
	}
	var end *uint64
	if cmd.Flags().Changed("end") {
		end = &addressEnd
	}

	cfg := loadConfig()
	ctx := context.Background()
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	bk := newBookkeeper(cfg, store)
	initial, err := bk.InitialBlock(ctx)
	if err != nil {
		slog.Error("Failed to read chain head", "error", err)
		os.Exit(1)
	}
	added, err := bk.AddAddress(ctx, address, name, initial, addressStart, end)
	if err != nil {
		slog.Error("Failed to add address", "error", err)
		os.Exit(1)
	}
	if !added {
		fmt.Printf("Address %s is already tracked\n", address)
		return
	}
	fmt.Printf("Tracking %s from block %d\n", address, max(initial, addressStart))
}

func runRemoveAddress(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	if err := newBookkeeper(cfg, store).RemoveAddress(ctx, args[0]); err != nil {
		slog.Error("Failed to remove address", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Stopped tracking %s\n", args[0])
}

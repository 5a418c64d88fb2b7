package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridgemonitor/internal/control"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/indexing/replenisher"
)

var replenisherScanCmd = &cobra.Command{
	Use:   "replenisher-scan [chain]",
	Short: "Store new multisig replenisher transactions of a bidi FastBTC chain",
	Args:  cobra.ExactArgs(1),
	Run:   runReplenisherScan,
}

var btcTxCmd = &cobra.Command{
	Use:   "btc-tx [chain] [txid]",
	Short: "Print a BTC transaction as returned by Blockstream",
	Args:  cobra.ExactArgs(2),
	Run:   runBTCTx,
}

func init() {
	rootCmd.AddCommand(replenisherScanCmd)
	rootCmd.AddCommand(btcTxCmd)
}

func runReplenisherScan(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	bidiCfg, err := control.BidiConfig(cfg, domain.ChainName(args[0]))
	if err != nil {
		slog.Error("Invalid chain", "error", err)
		os.Exit(1)
	}
	explorer, err := control.NewExplorer(bidiCfg)
	if err != nil {
		slog.Error("Failed to create explorer", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	scanner, err := replenisher.NewScanner(bidiCfg.Chain, bidiCfg.BTCMultisigAddress, explorer, store)
	if err != nil {
		slog.Error("Failed to create scanner", "error", err)
		os.Exit(1)
	}
	res, err := scanner.Scan(ctx)
	if err != nil {
		slog.Error("Replenisher scan failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Checked %d transactions, stored %d, last txid %s\n", res.Checked, res.Inserted, res.LastTxID)
}

func runBTCTx(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	bidiCfg, err := control.BidiConfig(cfg, domain.ChainName(args[0]))
	if err != nil {
		slog.Error("Invalid chain", "error", err)
		os.Exit(1)
	}
	explorer, err := control.NewExplorer(bidiCfg)
	if err != nil {
		slog.Error("Failed to create explorer", "error", err)
		os.Exit(1)
	}

	tx, err := explorer.GetTransaction(context.Background(), args[1])
	if err != nil {
		slog.Error("Failed to fetch transaction", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(tx.Raw))
}

package checkpoint

import (
	"fmt"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
)

const (
	bidiPrefix        = "bidi-fastbtc"
	fastBTCInPrefix   = "fastbtc-in"
	replenisherPrefix = "bidi-fastbtc-replenisher"
)

// BridgeBlockKey is the token bridge scan position of chain.
func BridgeBlockKey(bridge string, chain domain.ChainName) string {
	return fmt.Sprintf("last-processed-block:%s:%s", bridge, chain)
}

// BridgeUpdatedKey is the time of the last successful token bridge round.
func BridgeUpdatedKey(bridge string) string {
	return "last-updated:" + bridge
}

func BidiBlockKey(chain domain.ChainName) string {
	return fmt.Sprintf("%s:last-processed-block:%s", bidiPrefix, chain)
}

func BidiUpdatedKey(chain domain.ChainName) string {
	return fmt.Sprintf("%s:last-updated:%s", bidiPrefix, chain)
}

func FastBTCInBlockKey(chain domain.ChainName) string {
	return fmt.Sprintf("%s:last-processed-block:%s", fastBTCInPrefix, chain)
}

func FastBTCInUpdatedKey(chain domain.ChainName) string {
	return fmt.Sprintf("%s:last-updated:%s", fastBTCInPrefix, chain)
}

// ReplenisherTxIDKey holds the newest BTC txid the replenisher scanner
// has stored for the given configured chain.
func ReplenisherTxIDKey(configChain domain.ChainName) string {
	return fmt.Sprintf("%s:last-processed-txid:%s", replenisherPrefix, configChain)
}

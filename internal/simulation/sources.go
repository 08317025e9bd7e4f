package simulation

import (
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/flashvault/internal/services/oracle"
)

// NewPriceSource wraps an exchange client into a price feed.
func NewPriceSource(client any) (oracle.Oracle, error) {
	switch c := client.(type) {
	case *binance.Client:
		return oracle.NewBinanceFeed(c), nil
	case *bybit.Client:
		return oracle.NewBybitFeed(c), nil
	case *hyperliquid.Info:
		return oracle.NewHyperliquidFeed(c), nil
	default:
		return nil, fmt.Errorf("unsupported client type: %T", client)
	}
}

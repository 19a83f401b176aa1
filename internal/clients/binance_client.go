package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient creates a spot client. Empty credentials give a public data only client.
func NewBinanceClient(apiKey, apiSecret string, testnet bool) *binance.Client {
	binance.UseTestnet = testnet
	return binance.NewClient(apiKey, apiSecret)
}

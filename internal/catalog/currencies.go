package catalog

import "strings"

// CryptoAsset is one currency/network pair accepted by the crypto processor.
type CryptoAsset struct {
	// Code is the processor's currency identifier, e.g. "USDT (TRC20)".
	Code    string
	Coin    string
	Network string
	// Stable marks dollar-pegged assets whose on-chain amount equals the
	// USDT package price.
	Stable bool
}

var supportedCrypto = []CryptoAsset{
	{Code: "USDT (TRC20)", Coin: "USDT", Network: "TRC20", Stable: true},
	{Code: "USDT (ERC20)", Coin: "USDT", Network: "ERC20", Stable: true},
	{Code: "USDT (BEP20)", Coin: "USDT", Network: "BEP20", Stable: true},
	{Code: "USDC (ERC20)", Coin: "USDC", Network: "ERC20", Stable: true},
	{Code: "BTC", Coin: "BTC", Network: "BTC"},
	{Code: "ETH", Coin: "ETH", Network: "ERC20"},
	{Code: "LTC", Coin: "LTC", Network: "LTC"},
	{Code: "TRX", Coin: "TRX", Network: "TRC20"},
	{Code: "TON", Coin: "TON", Network: "TON"},
}

var fiatCurrencyByBank = map[string]string{
	"BANK131":  "RUB",
	"UNLIMINT": "USD",
}

// DefaultBank is used when a fiat payment does not name a bank.
const DefaultBank = "BANK131"

// LookupCrypto resolves a processor currency code. Button payloads encode
// spaces as underscores, so both spellings are accepted.
func LookupCrypto(code string) (CryptoAsset, bool) {
	normalized := strings.TrimSpace(strings.ReplaceAll(code, "_", " "))
	for _, asset := range supportedCrypto {
		if strings.EqualFold(asset.Code, normalized) {
			return asset, true
		}
	}
	return CryptoAsset{}, false
}

// CryptoNetworks lists the assets available for a coin, in display order.
func CryptoNetworks(coin string) []CryptoAsset {
	var res []CryptoAsset
	for _, asset := range supportedCrypto {
		if strings.EqualFold(asset.Coin, coin) {
			res = append(res, asset)
		}
	}
	return res
}

// FiatCurrency returns the invoice currency for a Lava bank rail.
func FiatCurrency(bank string) (string, bool) {
	cur, ok := fiatCurrencyByBank[strings.ToUpper(strings.TrimSpace(bank))]
	return cur, ok
}

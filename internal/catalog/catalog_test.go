package catalog

import (
	"testing"
	"testing/fstest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPackagesAttachesOffers(t *testing.T) {
	pkgs, err := NewPackages(map[string]string{"single": " offer-1 "})
	require.NoError(t, err)

	single, ok := pkgs.Get(PackageSingle)
	require.True(t, ok)
	assert.Equal(t, "offer-1", single.OfferID)
	assert.Equal(t, int64(1), single.Generations)
	assert.True(t, single.PriceRUB.Equal(decimal.NewFromInt(500)))

	ten, _ := pkgs.Get(PackageTen)
	assert.Empty(t, ten.OfferID)
	assert.Len(t, pkgs.All(), 3)
}

func TestNewPackagesRejectsUnknownKeys(t *testing.T) {
	_, err := NewPackages(map[string]string{"mega": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mega")
}

func TestPricePerVideo(t *testing.T) {
	pkgs, err := NewPackages(nil)
	require.NoError(t, err)
	triple, _ := pkgs.Get(PackageTriple)
	assert.Equal(t, "430", triple.PricePerVideo().String())
}

func TestLookupCrypto(t *testing.T) {
	asset, ok := LookupCrypto("USDT_(TRC20)")
	require.True(t, ok)
	assert.True(t, asset.Stable)
	assert.Equal(t, "USDT (TRC20)", asset.Code)

	btc, ok := LookupCrypto("btc")
	require.True(t, ok)
	assert.False(t, btc.Stable)

	_, ok = LookupCrypto("DOGE")
	assert.False(t, ok)

	assert.Len(t, CryptoNetworks("USDT"), 3)
}

func TestFiatCurrency(t *testing.T) {
	cur, ok := FiatCurrency("bank131")
	require.True(t, ok)
	assert.Equal(t, "RUB", cur)

	_, ok = FiatCurrency("PAYPAL")
	assert.False(t, ok)
}

func TestDefaultMemes(t *testing.T) {
	memes, err := DefaultMemes()
	require.NoError(t, err)

	meme, ok := memes.Template("birthday_dance")
	require.True(t, ok)
	assert.True(t, meme.Available())

	soon, ok := memes.Template("space_launch")
	require.True(t, ok)
	assert.False(t, soon.Available())
}

func TestLoadMemesValidates(t *testing.T) {
	_, err := LoadMemes(fstest.MapFS{
		"bad.json": {Data: []byte(`{"name":"x","prompt":"no placeholder"}`)},
	})
	require.Error(t, err)

	memes, err := LoadMemes(fstest.MapFS{
		"cat.json":   {Data: []byte(`{"name":"Cat","prompt":"{name} and a cat"}`)},
		"readme.txt": {Data: []byte("ignored")},
	})
	require.NoError(t, err)
	meme, ok := memes.Template("cat")
	require.True(t, ok)
	assert.Equal(t, "Cat", meme.Name)
}

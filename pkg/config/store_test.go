package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/num"
)

func TestStore_DomainFallback(t *testing.T) {
	s := NewStore()

	// 默认值
	assert.True(t, s.Global(LiquidationFeeRatio).Eq(num.MustParse("0.0035")))
	assert.Equal(t, int64(3), s.Seconds(Global, MinOrderDelay))

	// 全局覆盖默认
	s.Set(Global, MaxLeverage, num.Wad(10))
	assert.True(t, s.Get("ETH", MaxLeverage).Eq(num.Wad(10)))

	// 资产覆盖全局
	s.Set("ETH", MaxLeverage, num.Wad(5))
	assert.True(t, s.Get("ETH", MaxLeverage).Eq(num.Wad(5)))
	assert.True(t, s.Get("BTC", MaxLeverage).Eq(num.Wad(10)))
}

func TestStore_SetStringUsesKeyUnit(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetString(Global, "min_keeper_fee", "1.5"))
	require.NoError(t, s.SetString(Global, "order_ttl", "60"))
	require.NoError(t, s.SetString("ETH", "soft_limit_ratio", "0.25"))

	assert.True(t, s.Global(MinKeeperFee).Eq(num.New(1_500_000)))
	assert.Equal(t, int64(60), s.Seconds(Global, OrderTTL))
	assert.True(t, s.Get("ETH", SoftLimitRatio).Eq(num.MustParse("0.25")))

	err := s.SetString(Global, "no_such_key", "1")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Error(t, s.SetString(Global, "max_leverage", "abc"))
}

func TestKeys_AllNamed(t *testing.T) {
	for _, k := range Keys() {
		assert.NotEqual(t, "UNKNOWN", k.String())
		back, err := ParseKey(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, back)
	}
}

func TestParse_MarketSection(t *testing.T) {
	content := []byte(`
storage:
  driver: none
snowflake:
  node_id: 1
market:
  base_token: USDC
  params:
    max_leverage: "25"
    min_order_delay: "5"
  assets:
    - symbol: ETH
      params:
        capacity_proportion: "0.6"
  collaterals:
    - symbol: USDC
      decimals: 6
      conversion_ratio: "1"
      floor_price_ratio: "1"
    - symbol: WBTC
      decimals: 8
      conversion_ratio: "0.9"
      floor_price_ratio: "0.95"
      cap: "100"
`)
	c, err := Parse(content)
	require.NoError(t, err)
	assert.Equal(t, "USDC", c.Market.BaseToken)
	require.Len(t, c.Market.Collaterals, 2)

	s, err := BuildStore(c.Market)
	require.NoError(t, err)
	assert.True(t, s.Global(MaxLeverage).Eq(num.Wad(25)))
	assert.Equal(t, int64(5), s.Seconds("ETH", MinOrderDelay))
	assert.True(t, s.Get("ETH", CapacityProportion).Eq(num.MustParse("0.6")))
}

func TestParse_RejectsBadStorageDriver(t *testing.T) {
	_, err := Parse([]byte(`
storage:
  driver: sqlite
market:
  base_token: USDC
  collaterals:
    - symbol: USDC
`))
	assert.Error(t, err)
}

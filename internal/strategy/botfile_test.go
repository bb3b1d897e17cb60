package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/db"
)

const validBotFile = `
schema_version: "1.0.0"
bots:
  - name: btc-swing
    pair: BTC-USD
    position_size_usd: 25
    confirmation_seconds: 300
    cooldown_seconds: 900
    signals:
      RSI:
        enabled: true
        weight: 0.4
        params:
          period: 14
          oversold: 30
          overbought: 70
      MA:
        enabled: true
        weight: 0.3
        params:
          fast_period: 10
          slow_period: 20
      MACD:
        enabled: false
        weight: 0.3
`

func TestParse_ValidFile(t *testing.T) {
	file, err := Parse([]byte(validBotFile))
	require.NoError(t, err)

	require.Len(t, file.Bots, 1)
	def := file.Bots[0]
	assert.Equal(t, "btc-swing", def.Name)
	assert.Equal(t, "BTC-USD", def.Pair)
	assert.Equal(t, 0.4, def.Signals["RSI"].Weight)
}

func TestParse_RejectsUnsupportedSchema(t *testing.T) {
	_, err := Parse([]byte(`
schema_version: "2.0.0"
bots: []
`))
	assert.ErrorContains(t, err, "unsupported schema_version")
}

func TestParse_RejectsMissingSchema(t *testing.T) {
	_, err := Parse([]byte(`bots: []`))
	assert.ErrorContains(t, err, "schema_version")
}

func TestParse_RejectsOverweightSignals(t *testing.T) {
	_, err := Parse([]byte(`
schema_version: "1.0.0"
bots:
  - name: b1
    pair: BTC-USD
    position_size_usd: 10
    signals:
      RSI: {enabled: true, weight: 0.7}
      MA: {enabled: true, weight: 0.7}
`))
	assert.ErrorContains(t, err, "weights must sum")
}

func TestParse_RejectsUnknownSignalKind(t *testing.T) {
	_, err := Parse([]byte(`
schema_version: "1.0.0"
bots:
  - name: b1
    pair: BTC-USD
    position_size_usd: 10
    signals:
      BOLLINGER: {enabled: true, weight: 0.5}
`))
	assert.ErrorContains(t, err, "unknown signal kind")
}

func TestToBot_AppliesDefaults(t *testing.T) {
	def := BotDefinition{
		Name:            "b1",
		Pair:            "BTC-USD",
		PositionSizeUSD: 10,
		Signals: map[string]SignalEntry{
			"RSI": {Enabled: true, Weight: 0.5},
		},
	}

	bot := def.ToBot()

	assert.Equal(t, 300, bot.ConfirmationSeconds)
	assert.Equal(t, 900, bot.CooldownSeconds)
	assert.True(t, bot.SkipOnLowBalance)
	assert.Equal(t, db.BotStateStopped, bot.State)
	assert.Nil(t, bot.BuyThreshold)
	assert.True(t, bot.SignalConfig[db.SignalKindRSI].Enabled)
}

func TestExportRoundTrip(t *testing.T) {
	file, err := Parse([]byte(validBotFile))
	require.NoError(t, err)

	bots := make([]*db.Bot, 0, len(file.Bots))
	for _, def := range file.Bots {
		bots = append(bots, def.ToBot())
	}

	data, err := Export(bots)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, again.Bots, 1)
	assert.Equal(t, "btc-swing", again.Bots[0].Name)
	assert.Equal(t, 0.4, again.Bots[0].Signals["RSI"].Weight)
}

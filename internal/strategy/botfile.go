// Package strategy handles declarative bot definition files: YAML
// import/export with a schema version gate.
package strategy

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/coinpilot/coinpilot/internal/db"
)

// CurrentSchemaVersion is written on export
const CurrentSchemaVersion = "1.0.0"

// supportedSchema is the constraint accepted on import
const supportedSchema = "^1.0"

// BotFile is a declarative set of bot definitions
type BotFile struct {
	SchemaVersion string          `yaml:"schema_version"`
	Bots          []BotDefinition `yaml:"bots"`
}

// BotDefinition declares one bot
type BotDefinition struct {
	Name                string                  `yaml:"name"`
	Pair                string                  `yaml:"pair"`
	PositionSizeUSD     float64                 `yaml:"position_size_usd"`
	ConfirmationSeconds int                     `yaml:"confirmation_seconds"`
	CooldownSeconds     int                     `yaml:"cooldown_seconds"`
	BuyThreshold        *float64                `yaml:"buy_threshold,omitempty"`
	SellThreshold       *float64                `yaml:"sell_threshold,omitempty"`
	SkipOnLowBalance    *bool                  `yaml:"skip_on_low_balance,omitempty"`
	Signals             map[string]SignalEntry `yaml:"signals"`
}

// SignalEntry declares one signal's settings
type SignalEntry struct {
	Enabled bool               `yaml:"enabled"`
	Weight  float64            `yaml:"weight"`
	Params  map[string]float64 `yaml:"params,omitempty"`
}

// Load reads and validates a bot definition file
func Load(path string) (*BotFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bot file: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("path", path).
		Int("bots", len(file.Bots)).
		Str("schema_version", file.SchemaVersion).
		Msg("Bot definition file loaded")

	return file, nil
}

// Parse decodes and validates a bot definition document
func Parse(data []byte) (*BotFile, error) {
	var file BotFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse bot file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks the schema version and every definition
func (f *BotFile) Validate() error {
	if f.SchemaVersion == "" {
		return fmt.Errorf("bot file missing schema_version")
	}

	version, err := semver.NewVersion(f.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", f.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(supportedSchema)
	if err != nil {
		return fmt.Errorf("invalid schema constraint: %w", err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("unsupported schema_version %s (supported: %s)", f.SchemaVersion, supportedSchema)
	}

	for i := range f.Bots {
		if err := f.Bots[i].validate(); err != nil {
			return fmt.Errorf("bot %d (%s): %w", i, f.Bots[i].Name, err)
		}
	}
	return nil
}

// validate checks one definition
func (d *BotDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Pair == "" {
		return fmt.Errorf("pair is required")
	}
	if d.PositionSizeUSD <= 0 {
		return fmt.Errorf("position_size_usd must be positive")
	}

	var weightSum float64
	for name, entry := range d.Signals {
		switch db.SignalKind(name) {
		case db.SignalKindRSI, db.SignalKindMA, db.SignalKindMACD:
		default:
			return fmt.Errorf("unknown signal kind %q", name)
		}
		if entry.Weight < 0 {
			return fmt.Errorf("signal %s weight must be non-negative", name)
		}
		if entry.Enabled {
			weightSum += entry.Weight
		}
	}
	if weightSum > 1.0+1e-9 {
		return fmt.Errorf("enabled signal weights must sum to <= 1.0, got %.4f", weightSum)
	}
	return nil
}

// ToBot converts a definition into the store model, applying defaults
func (d *BotDefinition) ToBot() *db.Bot {
	signalConfig := make(db.SignalConfig, len(d.Signals))
	for name, entry := range d.Signals {
		signalConfig[db.SignalKind(name)] = db.SignalSettings{
			Enabled: entry.Enabled,
			Weight:  entry.Weight,
			Params:  entry.Params,
		}
	}

	confirmation := d.ConfirmationSeconds
	if confirmation == 0 {
		confirmation = 300
	}
	cooldown := d.CooldownSeconds
	if cooldown == 0 {
		cooldown = 900
	}
	skip := true
	if d.SkipOnLowBalance != nil {
		skip = *d.SkipOnLowBalance
	}

	return &db.Bot{
		Name:                d.Name,
		Pair:                d.Pair,
		State:               db.BotStateStopped,
		SignalConfig:        signalConfig,
		ConfirmationSeconds: confirmation,
		CooldownSeconds:     cooldown,
		PositionSizeUSD:     d.PositionSizeUSD,
		BuyThreshold:        d.BuyThreshold,
		SellThreshold:       d.SellThreshold,
		SkipOnLowBalance:    skip,
	}
}

// Export renders bots back into a definition file
func Export(bots []*db.Bot) ([]byte, error) {
	file := BotFile{SchemaVersion: CurrentSchemaVersion}

	for _, bot := range bots {
		signals := make(map[string]SignalEntry, len(bot.SignalConfig))
		for kind, settings := range bot.SignalConfig {
			signals[string(kind)] = SignalEntry{
				Enabled: settings.Enabled,
				Weight:  settings.Weight,
				Params:  settings.Params,
			}
		}
		skip := bot.SkipOnLowBalance
		file.Bots = append(file.Bots, BotDefinition{
			Name:                bot.Name,
			Pair:                bot.Pair,
			PositionSizeUSD:     bot.PositionSizeUSD,
			ConfirmationSeconds: bot.ConfirmationSeconds,
			CooldownSeconds:     bot.CooldownSeconds,
			BuyThreshold:        bot.BuyThreshold,
			SellThreshold:       bot.SellThreshold,
			SkipOnLowBalance:    &skip,
			Signals:             signals,
		})
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bot file: %w", err)
	}
	return data, nil
}

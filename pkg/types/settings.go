package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

const (
	DefaultPollIntervalMinutes      = 60
	MinPollIntervalMinutes          = 5
	MaxPollIntervalMinutes          = 1440
	DefaultLowLevelThresholdPercent = 20
)

// Settings is the dynamic configuration stored in the database. These can
// be changed through the API without redeploying; the poll loop re-reads
// them at the start of every cycle.
type Settings struct {
	// Pause skips polling while still serving the last published snapshot.
	Pause bool `json:"pause"`

	// AccountID limits polling to one account. Empty (or "ALL") polls every
	// account discovered from the user lookup.
	AccountID string `json:"accountID,omitempty"`

	// PollIntervalMinutes is how often a cycle is scheduled.
	PollIntervalMinutes int `json:"pollIntervalMinutes"`

	// LowLevelThresholdPercent is passed through to the API consumer so it
	// can derive an alert state from a tank's current percent. The poll core
	// never evaluates it.
	LowLevelThresholdPercent int `json:"lowLevelThresholdPercent"`

	// FetchOrders controls whether delivery history is pulled per tank.
	FetchOrders bool `json:"fetchOrders"`
}

// DefaultSettings returns settings with every tunable at its default.
func DefaultSettings() Settings {
	return Settings{
		PollIntervalMinutes:      DefaultPollIntervalMinutes,
		LowLevelThresholdPercent: DefaultLowLevelThresholdPercent,
		FetchOrders:              true,
	}
}

// WithDefaults fills zero-valued tunables, for settings stored before a
// field existed.
func (s Settings) WithDefaults() Settings {
	if s.PollIntervalMinutes == 0 {
		s.PollIntervalMinutes = DefaultPollIntervalMinutes
	}
	if s.LowLevelThresholdPercent == 0 {
		s.LowLevelThresholdPercent = DefaultLowLevelThresholdPercent
	}
	return s
}

// Validate checks the tunables against their allowed bounds.
func (s Settings) Validate() error {
	if s.PollIntervalMinutes < MinPollIntervalMinutes || s.PollIntervalMinutes > MaxPollIntervalMinutes {
		return fmt.Errorf("pollIntervalMinutes must be between %d and %d, got %d",
			MinPollIntervalMinutes, MaxPollIntervalMinutes, s.PollIntervalMinutes)
	}
	if s.LowLevelThresholdPercent < 1 || s.LowLevelThresholdPercent > 100 {
		return fmt.Errorf("lowLevelThresholdPercent must be between 1 and 100, got %d",
			s.LowLevelThresholdPercent)
	}
	return nil
}

// PollInterval returns the poll interval as a duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMinutes) * time.Minute
}

// PollAllAccounts reports whether every discovered account should be polled.
func (s Settings) PollAllAccounts() bool {
	return s.AccountID == "" || s.AccountID == "ALL"
}

package config

import "time"

// StreamConfig describes one stream the node registers at startup.
type StreamConfig struct {
	ID          string        `mapstructure:"ID"          json:"id"          validate:"required,min=1,max=64"`
	Name        string        `mapstructure:"NAME"        json:"name"        validate:"required,min=1,max=64"`
	Description string        `mapstructure:"DESCRIPTION" json:"description" validate:"omitempty,max=200"`
	Kind        string        `mapstructure:"KIND"        json:"kind"        validate:"required,oneof=ticker randomwalk counter"`
	Interval    time.Duration `mapstructure:"INTERVAL"    json:"interval"    validate:"required,min=10ms,max=1m"`

	// randomwalk parameters.
	Step float64 `mapstructure:"STEP" json:"step" validate:"omitempty,gt=0"`
	Min  float64 `mapstructure:"MIN"  json:"min"`
	Max  float64 `mapstructure:"MAX"  json:"max"  validate:"omitempty,gtfield=Min"`

	// counter parameter.
	Limit int `mapstructure:"LIMIT" json:"limit" validate:"omitempty,min=1,max=1000000"`
}

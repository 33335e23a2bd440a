package config

import "time"

// BridgeConfig holds bridge and transport settings.
type BridgeConfig struct {
	Name             string           `mapstructure:"NAME"          json:"name"          validate:"required,min=1,max=30"`
	Description      string           `mapstructure:"DESCRIPTION"   json:"description"   validate:"omitempty,max=200"`
	WSAddr           string           `mapstructure:"WS_ADDR"       json:"ws_addr"       validate:"required,wsaddr"`
	IdleTimeout      time.Duration    `mapstructure:"IDLE_TIMEOUT"  json:"idle_timeout"  validate:"required,reasonable_duration"`
	WriteTimeout     time.Duration    `mapstructure:"WRITE_TIMEOUT" json:"write_timeout" validate:"required,reasonable_duration"`
	ThrottlingConfig ThrottlingConfig `mapstructure:"THROTTLING"    json:"throttling"    validate:"required"`
}

// ThrottlingConfig holds inbound limits for client connections.
type ThrottlingConfig struct {
	MaxConnections       int `mapstructure:"MAX_CONNECTIONS"         json:"max_connections"         validate:"required,min=1,max=100000"`
	MaxMessagesPerSecond int `mapstructure:"MAX_MESSAGES_PER_SECOND" json:"max_messages_per_second" validate:"required,min=1,max=10000"`
	BurstSize            int `mapstructure:"BURST_SIZE"              json:"burst_size"              validate:"required,min=1,max=1000"`
	MaxMessageBytes      int `mapstructure:"MAX_MESSAGE_BYTES"       json:"max_message_bytes"       validate:"required,min=256,max=1048576"`
}

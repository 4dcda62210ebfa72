package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for the relay server.
const (
	EnvRelayPort           = "TABCHAN_RELAY_PORT"
	EnvRelayTokenSecret    = "TABCHAN_RELAY_TOKEN_SECRET"
	EnvRelayTokenTTL       = "TABCHAN_RELAY_TOKEN_TTL"
	EnvRelayPersistence    = "TABCHAN_RELAY_PERSISTENCE"
	EnvRelayDataDir        = "TABCHAN_RELAY_DATA_DIR"
	EnvRelayRedisAddress   = "TABCHAN_RELAY_REDIS_ADDRESS"
	EnvRelayDisputePeriod  = "TABCHAN_RELAY_DISPUTE_PERIOD"
	EnvRelayChannelTimeout = "TABCHAN_RELAY_CHANNEL_TIMEOUT"
	EnvRelayVerbose        = "TABCHAN_RELAY_VERBOSE"
)

// Environment variable names for the client.
const (
	EnvClientRelayURL   = "TABCHAN_RELAY_URL"
	EnvClientPrivateKey = "TABCHAN_PRIVATE_KEY"
	EnvClientVerbose    = "TABCHAN_VERBOSE"
)

// Channel protocol constants.
const (
	// MinParticipants and MaxParticipants bound the participant set at
	// channel creation.
	MinParticipants = 2
	MaxParticipants = 50

	// DefaultDisputePeriod is the window during which a higher-nonce signed
	// state can override a pending close.
	DefaultDisputePeriod = 7 * 24 * time.Hour

	// DefaultChannelTimeout is how long after creation any participant may
	// force-close the channel regardless of signatures.
	DefaultChannelTimeout = 30 * 24 * time.Hour
)

// Relay connection protocol constants.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultAuthTimeout       = 15 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatGrace is the maximum silence tolerated before the
	// transport is considered dead.
	DefaultHeartbeatGrace = 90 * time.Second

	// DefaultResumeTokenTTL is how long a resume token issued by the relay
	// stays valid.
	DefaultResumeTokenTTL = 24 * time.Hour

	// DefaultAuthChallengeTTL bounds how long an issued challenge may be
	// answered.
	DefaultAuthChallengeTTL = 5 * time.Minute
)

// PersistenceType selects the channel store backend.
type PersistenceType string

const (
	PersistenceTypeMemory PersistenceType = "memory"
	PersistenceTypeBadger PersistenceType = "badger"
	PersistenceTypeRedis  PersistenceType = "redis"
)

// RelayServerConfig is the complete configuration for the relay daemon.
type RelayServerConfig struct {
	Port int `json:"port"`

	// TokenSecret is the HMAC secret used to sign resume tokens.
	TokenSecret string `json:"token_secret"`
	// TokenTTL is the resume token lifetime.
	TokenTTL time.Duration `json:"token_ttl"`

	// Persistence selects the channel store backend.
	Persistence PersistenceType `json:"persistence"`
	// DataDir is the badger database directory (badger backend only).
	DataDir string `json:"data_dir"`
	// RedisAddress is the host:port of the redis server (redis backend only).
	RedisAddress string `json:"redis_address"`

	// DisputePeriod and ChannelTimeout parameterize the channel ledger.
	DisputePeriod  time.Duration `json:"dispute_period"`
	ChannelTimeout time.Duration `json:"channel_timeout"`

	Debug bool `json:"debug"`
}

// Validate checks the relay server configuration and fills defaults.
func (c *RelayServerConfig) Validate() error {
	var allErrors field.ErrorList

	if c.Port < 1 || c.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("port"), c.Port, "port must be between 1-65535"))
	}
	if c.TokenSecret == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("tokenSecret"), "resume token secret is required"))
	}
	switch c.Persistence {
	case "", PersistenceTypeMemory:
		c.Persistence = PersistenceTypeMemory
	case PersistenceTypeBadger:
		if c.DataDir == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("dataDir"), "data dir is required for badger persistence"))
		}
	case PersistenceTypeRedis:
		if c.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("redisAddress"), "redis address is required for redis persistence"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("persistence"), c.Persistence, []string{
			string(PersistenceTypeMemory), string(PersistenceTypeBadger), string(PersistenceTypeRedis),
		}))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}

	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultResumeTokenTTL
	}
	if c.DisputePeriod == 0 {
		c.DisputePeriod = DefaultDisputePeriod
	}
	if c.ChannelTimeout == 0 {
		c.ChannelTimeout = DefaultChannelTimeout
	}
	return nil
}

// ClientConfig is the configuration for a state channel client process.
type ClientConfig struct {
	RelayURL string `json:"relay_url"`
	// Address is the participant identity the client authenticates as.
	Address string `json:"address"`
	Debug   bool   `json:"debug"`
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("relay URL cannot be empty")
	}
	if c.Address == "" {
		return fmt.Errorf("participant address cannot be empty")
	}
	if !common.IsHexAddress(c.Address) {
		return fmt.Errorf("invalid participant address format: %s", c.Address)
	}
	return nil
}

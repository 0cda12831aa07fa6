package livesync

import (
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/livesync/internal/errors"
)

const (
	defaultHeartbeatInterval  = 20 * time.Second
	defaultHeartbeatTimeout   = 10 * time.Second
	defaultPollInterval       = 5 * time.Second
	defaultExpiryTick         = time.Second
	defaultPollErrorThreshold = 3
	defaultWriteTimeout       = 10 * time.Second

	defaultReconnectBase        = time.Second
	defaultReconnectMax         = 30 * time.Second
	defaultReconnectMaxAttempts = 6
	defaultReconnectJitter      = 0.2
)

// Config holds the timing knobs for a session. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PollInterval      time.Duration
	Reconnect         ReconnectPolicy

	// ExpiryTick is how often the countdown to the resource deadline is
	// recomputed and reported.
	ExpiryTick time.Duration

	// PollErrorThreshold is the number of consecutive failed polls after
	// which the caller is told that polling is failing.
	PollErrorThreshold int

	// WriteTimeout bounds a single ping write on the push channel.
	WriteTimeout time.Duration
}

// DefaultConfig returns the configuration used by the dashboards.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		PollInterval:      defaultPollInterval,
		Reconnect: ReconnectPolicy{
			BaseDelay:   defaultReconnectBase,
			MaxDelay:    defaultReconnectMax,
			MaxAttempts: defaultReconnectMaxAttempts,
			JitterRatio: defaultReconnectJitter,
		},
		ExpiryTick:         defaultExpiryTick,
		PollErrorThreshold: defaultPollErrorThreshold,
		WriteTimeout:       defaultWriteTimeout,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", apperrors.ErrInvalidConfig)
	}

	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("%w: heartbeat timeout must be positive", apperrors.ErrInvalidConfig)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", apperrors.ErrInvalidConfig)
	}

	if c.ExpiryTick <= 0 {
		return fmt.Errorf("%w: expiry tick must be positive", apperrors.ErrInvalidConfig)
	}

	if c.PollErrorThreshold < 1 {
		return fmt.Errorf("%w: poll error threshold must be at least 1", apperrors.ErrInvalidConfig)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write timeout must be positive", apperrors.ErrInvalidConfig)
	}

	if err := c.Reconnect.Validate(); err != nil {
		return err
	}

	return nil
}

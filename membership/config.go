package membership

import (
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// Config is the immutable configuration record for a Service. It is
// validated once in New; there are no setters, matching the "already
// started" construction-time error called for by the teacher's observed
// builder-style-mutator replacement.
type Config struct {
	// Local is this node's own endpoint.
	Local Endpoint
	// LocalMetadata is attached to the local member. Immutable after
	// start() per §5.
	LocalMetadata map[string]string

	// SeedMembers bootstraps the initial SYNC and is the pool the Sync
	// Engine's running phase repeatedly samples from. May be empty.
	SeedMembers []Endpoint

	// SyncGroup partitions the cluster; payloads with a different group
	// are silently dropped.
	SyncGroup string

	// SyncPeriod is the interval between running-phase SYNC ticks.
	SyncPeriod time.Duration
	// SyncTimeout bounds how long a SYNC waits for its SYNC-ACK.
	SyncTimeout time.Duration

	// MaxSuspectTime is the SUSPECTED -> removed decay delay.
	MaxSuspectTime time.Duration
	// MaxShutdownTime is the SHUTDOWN -> removed decay delay.
	MaxShutdownTime time.Duration
}

// DefaultConfig returns a Config with every numeric/string field defaulted
// per §6. Local and SeedMembers are left zero-valued; the caller must set
// Local before passing the Config to New.
func DefaultConfig() *Config {
	return &Config{
		LocalMetadata:   map[string]string{},
		SyncGroup:       "default",
		SyncPeriod:      10 * time.Second,
		SyncTimeout:     3 * time.Second,
		MaxSuspectTime:  60 * time.Second,
		MaxShutdownTime: 60 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.Local.ID == "" {
		return fmt.Errorf("membership: Config.Local.ID must not be empty: %w", cerrdefs.ErrInvalidArgument)
	}
	if c.SyncGroup == "" {
		return fmt.Errorf("membership: Config.SyncGroup must not be empty: %w", cerrdefs.ErrInvalidArgument)
	}
	if c.SyncPeriod <= 0 {
		return fmt.Errorf("membership: Config.SyncPeriod must be positive: %w", cerrdefs.ErrInvalidArgument)
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("membership: Config.SyncTimeout must be positive: %w", cerrdefs.ErrInvalidArgument)
	}
	if c.MaxSuspectTime <= 0 {
		return fmt.Errorf("membership: Config.MaxSuspectTime must be positive: %w", cerrdefs.ErrInvalidArgument)
	}
	if c.MaxShutdownTime <= 0 {
		return fmt.Errorf("membership: Config.MaxShutdownTime must be positive: %w", cerrdefs.ErrInvalidArgument)
	}
	for _, s := range c.SeedMembers {
		if s.ID == c.Local.ID {
			return fmt.Errorf("membership: SeedMembers must not include the local endpoint: %w", cerrdefs.ErrInvalidArgument)
		}
	}
	return nil
}

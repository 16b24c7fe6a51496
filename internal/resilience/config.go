package resilience

import (
	"time"

	"github.com/merchwire/brief-engine/internal/config"
)

// FromEngineConfig builds the commit retry policy from engine settings.
// Zero values keep the defaults.
func FromEngineConfig(cfg config.EngineConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.CommitAttempts > 0 {
		rc.MaxAttempts = cfg.CommitAttempts
	}
	if cfg.CommitBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.CommitBackoffMs) * time.Millisecond
	}
	if cfg.CommitMaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(cfg.CommitMaxBackoffMs) * time.Millisecond
	}
	return rc
}

package driplimit

import (
	core "github.com/yourusername/driplimit/pkg/driplimit"
)

// Re-export main types for convenience
type (
	Config        = core.Config
	BucketConfig  = core.BucketConfig
	Params        = core.Params
	Result        = core.Result
	Limiter       = core.Limiter
	Option        = core.Option
	Event         = core.Event
	PingConfig    = core.PingConfig
	RetryConfig   = core.RetryConfig
	BreakerConfig = core.BreakerConfig
)

// New creates a new rate limiter
var New = core.New

// LoadBuckets reads bucket definitions from a YAML file
var LoadBuckets = core.LoadBuckets

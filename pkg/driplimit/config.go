package driplimit

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

const (
	msPerSecond = 1000
	msPerMinute = 60 * 1000
	msPerHour   = 60 * 60 * 1000
	msPerDay    = 24 * 60 * 60 * 1000

	// defaultGlobalTTL bounds the derived per-bucket TTL.
	defaultGlobalTTL = 7 * 24 * time.Hour

	// overridesCacheSize bounds the per-type regex match cache so unique
	// keys cannot grow it without limit.
	overridesCacheSize = 50
)

// BucketConfig defines a named bucket type: capacity, refill rate and
// override rules. The same schema is used for type defaults, for
// overrides nested inside a type, and for per-call config overrides.
//
// Refill rate is given either as interval/per_interval (interval in
// milliseconds) or through one of the per_second/per_minute/per_hour/
// per_day shortcuts. A config with no refill rate at all is a fixed
// bucket: it never drips and only Put restores tokens.
type BucketConfig struct {
	// Size is the bucket capacity (max burst). Defaults to PerInterval
	// when omitted.
	Size int64 `yaml:"size"`

	// PerInterval tokens are added every Interval milliseconds.
	PerInterval int64 `yaml:"per_interval"`
	Interval    int64 `yaml:"interval"`

	// Shortcuts for common intervals. Copied into PerInterval/Interval
	// during normalization.
	PerSecond int64 `yaml:"per_second"`
	PerMinute int64 `yaml:"per_minute"`
	PerHour   int64 `yaml:"per_hour"`
	PerDay    int64 `yaml:"per_day"`

	// Unlimited buckets answer without touching the store.
	Unlimited bool `yaml:"unlimited"`

	// SkipNCalls enables the opportunistic skip-cache: up to N takes per
	// bucket key may reuse the previous authoritative answer without a
	// store round trip. Off (0) by default.
	SkipNCalls int `yaml:"skip_n_calls"`

	// Match makes an override apply to every key accepted by this
	// case-insensitive regular expression instead of the override's name.
	Match string `yaml:"match"`

	// Until expires an override. A zero value never expires.
	Until time.Time `yaml:"until"`

	// Overrides specializes this type for individual keys (map key is
	// the bucket key, or a label when Match is set).
	Overrides map[string]*BucketConfig `yaml:"overrides"`
}

// bucketType is the canonical internal form of a BucketConfig.
type bucketType struct {
	name        string
	size        int64
	perInterval int64
	interval    int64 // ms

	msPerInterval  float64 // tokens per ms; 0 for fixed buckets
	dripIntervalMs float64 // ms per token; 0 for fixed buckets
	ttl            int64   // seconds

	unlimited  bool
	skipNCalls int
	until      time.Time

	overrides      map[string]*bucketType
	overridesMatch []*matchOverride
	overridesCache *lru.Cache[string, *bucketType]
}

type matchOverride struct {
	name string
	re   *regexp.Regexp
	cfg  *bucketType
}

// expired reports whether an override's validity window has passed.
func (t *bucketType) expired(now time.Time) bool {
	return !t.until.IsZero() && t.until.Before(now)
}

// normalizeBuckets turns the user-supplied bucket definitions into their
// canonical internal form. A malformed definition fails the whole load.
func normalizeBuckets(buckets map[string]*BucketConfig, globalTTL time.Duration, now time.Time) (map[string]*bucketType, error) {
	out := make(map[string]*bucketType, len(buckets))
	for name, cfg := range buckets {
		t, err := normalizeType(name, cfg, globalTTL, now)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

func normalizeType(name string, cfg *BucketConfig, globalTTL time.Duration, now time.Time) (*bucketType, error) {
	if cfg == nil {
		return nil, newValidationError(CodeInvalidConfig, fmt.Sprintf("bucket %q: nil config", name))
	}

	t := &bucketType{
		name:       name,
		size:       cfg.Size,
		unlimited:  cfg.Unlimited,
		skipNCalls: cfg.SkipNCalls,
		until:      cfg.Until,
	}
	if t.skipNCalls < 0 {
		return nil, newValidationError(CodeInvalidConfig, fmt.Sprintf("bucket %q: skip_n_calls must not be negative", name))
	}

	// Shortcut intervals win over an explicit interval/per_interval pair.
	t.perInterval, t.interval = cfg.PerInterval, cfg.Interval
	switch {
	case cfg.PerSecond > 0:
		t.perInterval, t.interval = cfg.PerSecond, msPerSecond
	case cfg.PerMinute > 0:
		t.perInterval, t.interval = cfg.PerMinute, msPerMinute
	case cfg.PerHour > 0:
		t.perInterval, t.interval = cfg.PerHour, msPerHour
	case cfg.PerDay > 0:
		t.perInterval, t.interval = cfg.PerDay, msPerDay
	}
	if t.perInterval < 0 || t.interval < 0 {
		return nil, newValidationError(CodeInvalidConfig, fmt.Sprintf("bucket %q: negative refill rate", name))
	}
	if t.perInterval > 0 && t.interval == 0 {
		return nil, newValidationError(CodeInvalidConfig, fmt.Sprintf("bucket %q: per_interval requires an interval", name))
	}

	if t.size == 0 {
		t.size = t.perInterval
	}
	if t.size < 1 && !t.unlimited {
		return nil, newValidationError(CodeInvalidConfig, fmt.Sprintf("bucket %q: size must be at least 1", name))
	}

	if globalTTL <= 0 {
		globalTTL = defaultGlobalTTL
	}
	maxTTL := int64(globalTTL / time.Second)
	if t.perInterval > 0 {
		t.msPerInterval = float64(t.perInterval) / float64(t.interval)
		t.dripIntervalMs = float64(t.interval) / float64(t.perInterval)

		ttl := int64(float64(t.size) * float64(t.interval) / float64(t.perInterval) / 1000)
		if ttl < 1 {
			ttl = 1
		}
		if ttl > maxTTL {
			ttl = maxTTL
		}
		t.ttl = ttl
	} else {
		// Fixed bucket: no drip, so nothing bounds its lifetime but the
		// global default.
		t.ttl = maxTTL
	}

	if len(cfg.Overrides) > 0 {
		if err := t.normalizeOverrides(cfg.Overrides, globalTTL, now); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// normalizeOverrides buckets the type's overrides into exact-name and
// regex-matched sets, dropping the already expired ones. Regex overrides
// keep a deterministic scan order (sorted by name) and share an LRU
// memoizing match results per key.
func (t *bucketType) normalizeOverrides(overrides map[string]*BucketConfig, globalTTL time.Duration, now time.Time) error {
	t.overrides = make(map[string]*bucketType)
	for name, cfg := range overrides {
		o, err := normalizeType(t.name+":"+name, cfg, globalTTL, now)
		if err != nil {
			return newValidationError(CodeInvalidOverride, fmt.Sprintf("bucket %q: override %q: %v", t.name, name, err))
		}
		if o.expired(now) {
			continue
		}
		if cfg.Match == "" {
			t.overrides[name] = o
			continue
		}
		re, err := regexp.Compile("(?i)" + cfg.Match)
		if err != nil {
			return newValidationError(CodeInvalidOverride, fmt.Sprintf("bucket %q: override %q: bad match pattern: %v", t.name, name, err))
		}
		t.overridesMatch = append(t.overridesMatch, &matchOverride{name: name, re: re, cfg: o})
	}
	sort.Slice(t.overridesMatch, func(i, j int) bool {
		return t.overridesMatch[i].name < t.overridesMatch[j].name
	})

	if len(t.overridesMatch) > 0 {
		cache, err := lru.New[string, *bucketType](overridesCacheSize)
		if err != nil {
			return newValidationError(CodeInvalidConfig, fmt.Sprintf("bucket %q: %v", t.name, err))
		}
		t.overridesCache = cache
	}
	return nil
}

// resetSeconds computes the unix-seconds instant at which a bucket at
// remaining refills completely, or 0 for fixed buckets.
func (t *bucketType) resetSeconds(nowMs int64, remaining float64) int64 {
	if t.dripIntervalMs <= 0 {
		return 0
	}
	resetMs := math.Ceil(float64(nowMs) + (float64(t.size)-remaining)*t.dripIntervalMs)
	return int64(math.Ceil(resetMs / 1000))
}

// LoadBuckets reads bucket definitions from a YAML file. The document
// maps type names to bucket configs.
func LoadBuckets(path string) (map[string]*BucketConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newValidationError(CodeInvalidConfig, fmt.Sprintf("failed to read bucket file: %v", err))
	}
	var buckets map[string]*BucketConfig
	if err := yaml.Unmarshal(data, &buckets); err != nil {
		return nil, newValidationError(CodeInvalidConfig, fmt.Sprintf("failed to parse bucket file: %v", err))
	}
	return buckets, nil
}

package cache

import (
	"strings"
	"time"
)

// ttlRule maps a resource-name fragment in the cache key onto a TTL.
// Volatile resources expire in minutes; near-static metadata lives for
// hours. First match wins.
type ttlRule struct {
	fragment string
	ttl      time.Duration
}

// DefaultTTL is the conservative fallback when no fragment matches.
const DefaultTTL = 30 * time.Minute

var defaultTTLRules = []ttlRule{
	{"notifications", 2 * time.Minute},
	{"comments", 10 * time.Minute},
	{"issues", 5 * time.Minute},
	{"wikis", time.Hour},
	{"projects", 6 * time.Hour},
	{"users", 12 * time.Hour},
	{"statuses", 24 * time.Hour},
	{"priorities", 24 * time.Hour},
	{"categories", 24 * time.Hour},
	{"milestones", 6 * time.Hour},
	{"space", 24 * time.Hour},
}

// TTLFor picks the TTL for a cache key by matching known resource-name
// fragments.
func TTLFor(key string) time.Duration {
	lower := strings.ToLower(key)
	for _, rule := range defaultTTLRules {
		if strings.Contains(lower, rule.fragment) {
			return rule.ttl
		}
	}
	return DefaultTTL
}

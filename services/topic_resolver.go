package services

import (
	"regexp"
	"strings"
)

// TopicResolver maps inbound routing keys to canonical device IDs.
// Two pattern families are tried in order: the vendor-prefixed form
// (home/energy/<vendor>_<id>/...) and the legacy bare-identifier form
// (<id>/telemetry etc.) still used by first-generation plugs.
type TopicResolver struct {
	vendorPattern *regexp.Regexp
	legacyPattern *regexp.Regexp
}

func NewTopicResolver() *TopicResolver {
	return &TopicResolver{
		vendorPattern: regexp.MustCompile(`^home/energy/[a-zA-Z0-9]+_([a-zA-Z0-9\-]+)(?:/.*)?$`),
		legacyPattern: regexp.MustCompile(`^([a-zA-Z0-9\-]+)/(?:telemetry|status|notify|result)$`),
	}
}

// Resolve returns the canonical (lower-cased) device ID for a routing
// key, or false when neither pattern family matches.
func (tr *TopicResolver) Resolve(topic string) (string, bool) {
	if m := tr.vendorPattern.FindStringSubmatch(topic); m != nil {
		return strings.ToLower(m[1]), true
	}
	if m := tr.legacyPattern.FindStringSubmatch(topic); m != nil {
		return strings.ToLower(m[1]), true
	}
	return "", false
}

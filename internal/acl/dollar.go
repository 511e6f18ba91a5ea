package acl

import (
	"strings"

	"github.com/pyr33x/goqtt-core/internal/authz"
	"github.com/pyr33x/goqtt-core/internal/topic"
)

// dollarGate runs before any authorizer in the chain is consulted. It
// mirrors acl__check_dollar's early-exit shape: most "$"-prefixed topics
// are broker-reserved and are rejected outright, "$SYS" read access falls
// through to the normal chain (so operators can still grant or deny it
// per-user), and "$share/<group>/<filter>" is denied for any access but
// subscribe; a subscription is unwrapped to the real filter underneath
// before the chain ever sees it.
//
// It returns the (possibly rewritten) segment list the rest of Check
// should use, a verdict, and whether that verdict is final. When final is
// false the caller proceeds to the normal authorizer chain with segments.
func dollarGate(segments []string, access authz.Access) (rest []string, verdict authz.Verdict, final bool) {
	if !topic.IsDollarTopic(segments) {
		return segments, authz.Defer, false
	}

	if topic.IsShareFilter(segments) {
		if access != authz.AccessSubscribe || len(segments) < 3 {
			return nil, authz.Deny, true
		}
		// segments[1] is the share group, segments[2:] is the real filter.
		return segments[2:], authz.Defer, false
	}

	if segments[0] == "$SYS" {
		if access == authz.AccessWrite {
			if matchesPattern(segments, bridgeStatusPattern) {
				return segments, authz.Allow, true
			}
			return nil, authz.Deny, true
		}
		return segments, authz.Defer, false
	}

	return nil, authz.Deny, true
}

// bridgeStatusPattern is the one write mosquitto's acl__check_dollar
// carves out of the otherwise-blanket "$SYS" write deny: a bridge
// publishing its own connection status, matched with
// mosquitto_topic_matches_sub("$SYS/broker/connection/+/state", ...).
var bridgeStatusPattern = []string{"$SYS", "broker", "connection", topic.SingleLevelWildcard, "state"}

// matchesPattern reports whether segments matches pattern, where pattern
// may contain topic.SingleLevelWildcard entries matching exactly one
// segment. Lengths must agree; there is no "#" in this pattern.
func matchesPattern(segments, pattern []string) bool {
	if len(segments) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p == topic.SingleLevelWildcard {
			continue
		}
		if segments[i] != p {
			return false
		}
	}
	return true
}

// rejoin reconstructs a topic string from segments, used when a rewritten
// segment list (e.g. after stripping a "$share/<group>" prefix) needs to
// be handed to an authorizer that only understands topic strings.
func rejoin(segments []string) string {
	return strings.Join(segments, "/")
}

// Package topic tokenizes MQTT topics and subscription filters into
// segment sequences, and validates the wildcard grammar the rest of the
// core assumes: '+' matches exactly one segment, '#' matches zero or more
// trailing segments and must be the final segment.
package topic

import (
	"unicode/utf8"

	"github.com/pyr33x/goqtt-core/pkg/er"
)

const (
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
	Separator           = '/'
)

// Tokenize splits topic on '/' into an ordered sequence of segments. The
// empty segment is legal (leading, trailing, or repeated separators).
// Wildcards are rejected entirely: this is the publish-side tokenizer.
func Tokenize(t string) ([]string, error) {
	if t == "" {
		return nil, &er.Err{Context: "topic.Tokenize", Message: er.ErrEmptyTopic}
	}
	if !utf8.ValidString(t) {
		return nil, &er.Err{Context: "topic.Tokenize", Message: er.ErrInvalidUTF8Topic}
	}
	segments := split(t)
	for _, seg := range segments {
		if containsWildcard(seg) {
			return nil, &er.Err{Context: "topic.Tokenize", Message: er.ErrWildcardsNotAllowedInPublish}
		}
	}
	return segments, nil
}

// TokenizeFilter splits a subscription filter on '/' and validates the
// wildcard grammar: '#' alone in its segment and last; '+' alone in its
// segment, anywhere.
func TokenizeFilter(filter string) ([]string, error) {
	if filter == "" {
		return nil, &er.Err{Context: "topic.TokenizeFilter", Message: er.ErrEmptyTopicFilter}
	}
	if !utf8.ValidString(filter) {
		return nil, &er.Err{Context: "topic.TokenizeFilter", Message: er.ErrInvalidUTF8TopicFilter}
	}

	segments := split(filter)
	for i, seg := range segments {
		if seg == MultiLevelWildcard {
			if i != len(segments)-1 {
				return nil, &er.Err{Context: "topic.TokenizeFilter", Message: er.ErrMultiLevelWildcardNotLast}
			}
			continue
		}
		if seg == SingleLevelWildcard {
			continue
		}
		if containsWildcard(seg) {
			// A wildcard character appearing as a proper substring of a
			// segment (e.g. "a+b", "#b") is always malformed.
			if hasRune(seg, '#') {
				return nil, &er.Err{Context: "topic.TokenizeFilter", Message: er.ErrInvalidMultiLevelWildcard}
			}
			return nil, &er.Err{Context: "topic.TokenizeFilter", Message: er.ErrInvalidSingleLevelWildcard}
		}
	}
	return segments, nil
}

// IsDollarTopic reports whether the first segment of a tokenized topic or
// filter is the reserved "$SYS" root, or more generally starts with "$".
func IsDollarTopic(segments []string) bool {
	return len(segments) > 0 && len(segments[0]) > 0 && segments[0][0] == '$'
}

// IsShareFilter reports whether a tokenized filter's first segment is the
// MQTT-5 shared-subscription marker "$share".
func IsShareFilter(segments []string) bool {
	return len(segments) > 0 && segments[0] == "$share"
}

func split(t string) []string {
	segments := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(t); i++ {
		if t[i] == Separator {
			segments = append(segments, t[start:i])
			start = i + 1
		}
	}
	segments = append(segments, t[start:])
	return segments
}

func containsWildcard(seg string) bool {
	return hasRune(seg, '+') || hasRune(seg, '#')
}

func hasRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

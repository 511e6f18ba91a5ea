package topic

import (
	"errors"
	"testing"

	"github.com/pyr33x/goqtt-core/pkg/er"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		want    []string
		wantErr error
	}{
		{"simple", "a/b/c", []string{"a", "b", "c"}, nil},
		{"leading empty", "/a/b", []string{"", "a", "b"}, nil},
		{"trailing empty", "a/b/", []string{"a", "b", ""}, nil},
		{"double slash", "a//b", []string{"a", "", "b"}, nil},
		{"dollar sys", "$SYS/broker/uptime", []string{"$SYS", "broker", "uptime"}, nil},
		{"empty", "", nil, er.ErrEmptyTopic},
		{"plus rejected", "a/+/c", nil, er.ErrWildcardsNotAllowedInPublish},
		{"hash rejected", "a/#", nil, er.ErrWildcardsNotAllowedInPublish},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Tokenize(c.topic)
			if c.wantErr != nil {
				if err == nil || !errors.Is(err, c.wantErr) {
					t.Fatalf("Tokenize(%q) error = %v, want %v", c.topic, err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Tokenize(%q) unexpected error: %v", c.topic, err)
			}
			if !equal(got, c.want) {
				t.Fatalf("Tokenize(%q) = %v, want %v", c.topic, got, c.want)
			}
		})
	}
}

func TestTokenizeFilter(t *testing.T) {
	cases := []struct {
		name    string
		filter  string
		want    []string
		wantErr error
	}{
		{"plain", "sensors/temp", []string{"sensors", "temp"}, nil},
		{"single level", "a/+/c", []string{"a", "+", "c"}, nil},
		{"multi level alone", "a/#", []string{"a", "#"}, nil},
		{"multi level root", "#", []string{"#"}, nil},
		{"multi level not last", "a/#/b", nil, er.ErrMultiLevelWildcardNotLast},
		{"multi level substring", "a/b#", nil, er.ErrInvalidMultiLevelWildcard},
		{"single level substring", "a/b+c", nil, er.ErrInvalidSingleLevelWildcard},
		{"empty filter", "", nil, er.ErrEmptyTopicFilter},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := TokenizeFilter(c.filter)
			if c.wantErr != nil {
				if err == nil || !errors.Is(err, c.wantErr) {
					t.Fatalf("TokenizeFilter(%q) error = %v, want %v", c.filter, err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("TokenizeFilter(%q) unexpected error: %v", c.filter, err)
			}
			if !equal(got, c.want) {
				t.Fatalf("TokenizeFilter(%q) = %v, want %v", c.filter, got, c.want)
			}
		})
	}
}

func TestIsDollarTopic(t *testing.T) {
	segs, err := TokenizeFilter("$SYS/broker/+")
	if err != nil {
		t.Fatal(err)
	}
	if !IsDollarTopic(segs) {
		t.Fatal("expected $SYS to be a dollar topic")
	}

	segs, err = TokenizeFilter("a/+/c")
	if err != nil {
		t.Fatal(err)
	}
	if IsDollarTopic(segs) {
		t.Fatal("did not expect a/+/c to be a dollar topic")
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

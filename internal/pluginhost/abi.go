// Package pluginhost hosts versioned authorizer plugins behind a single
// in-process interface, reproducing the ABI shape mosquitto's
// mosquitto_auth_plugin_v2/v3/v4 contract exposes (version probe,
// per-version required/optional hooks, ordered init/security-init/
// cleanup) without literal dynamic loading — see SPEC_FULL.md's design
// note on why compiled-in Go values stand in for dlopen'd shared objects
// here.
package pluginhost

import (
	"github.com/pyr33x/goqtt-core/internal/authz"
)

// ABIVersion identifies which generation of the plugin contract a loaded
// plugin declares support for.
type ABIVersion int

const (
	ABIv2 ABIVersion = iota + 2
	ABIv3
	ABIv4
)

func (v ABIVersion) String() string {
	switch v {
	case ABIv2:
		return "v2"
	case ABIv3:
		return "v3"
	case ABIv4:
		return "v4"
	default:
		return "unknown"
	}
}

// Plugin is the full hook surface across every ABI version. A concrete
// plugin need not implement every method meaningfully: AuthStart and
// AuthContinue (v4's extended-auth pair) and UnpwdCheck (absent from v2)
// may legitimately return er.ErrNotSupported, which the registry treats
// as authz.Defer rather than an error.
type Plugin interface {
	Version() ABIVersion
	Init(opts map[string]string) error
	SecurityInit(reload bool) error
	SecurityCleanup(reload bool) error
	Cleanup() error
	ACLCheck(session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error)
	UnpwdCheck(username, password string) (authz.Verdict, error)
	AuthStart(session authz.Session, method string, data []byte) (authz.Verdict, []byte, error)
	AuthContinue(session authz.Session, method string, data []byte) (authz.Verdict, []byte, error)
	PSKKeyGet(hint, identity string) (key string, verdict authz.Verdict, err error)
}

// BasePlugin gives a concrete plugin a safe default for every hook so it
// only needs to override the ones it actually implements, the same way
// the teacher's packet types only validate the fields they care about and
// leave everything else zero-valued.
type BasePlugin struct {
	ABIVersion ABIVersion
}

func (b BasePlugin) Version() ABIVersion { return b.ABIVersion }

func (b BasePlugin) Init(map[string]string) error { return nil }

func (b BasePlugin) SecurityInit(bool) error { return nil }

func (b BasePlugin) SecurityCleanup(bool) error { return nil }

func (b BasePlugin) Cleanup() error { return nil }

func (b BasePlugin) ACLCheck(authz.Session, string, authz.Access) (authz.Verdict, error) {
	return authz.Defer, nil
}

func (b BasePlugin) UnpwdCheck(string, string) (authz.Verdict, error) {
	return authz.Defer, nil
}

func (b BasePlugin) AuthStart(authz.Session, string, []byte) (authz.Verdict, []byte, error) {
	return authz.Defer, nil, nil
}

func (b BasePlugin) AuthContinue(authz.Session, string, []byte) (authz.Verdict, []byte, error) {
	return authz.Defer, nil, nil
}

// PSKKeyGet resolves the pre-shared key for a TLS-PSK identity, mirroring
// mosquitto_auth_psk_key_get. Like UnpwdCheck it is optional: a plugin with
// nothing to say about PSK just inherits this Defer.
func (b BasePlugin) PSKKeyGet(string, string) (string, authz.Verdict, error) {
	return "", authz.Defer, nil
}

// RequiresPairedAuth reports whether a plugin implementing AuthStart must
// also implement AuthContinue. Only v4 plugins are allowed to declare
// extended auth at all; the pairing itself is enforced at registration
// time by checking that both hooks agree, on a canary call, on whether
// they respond with something other than Defer, which is the closest a
// Go interface gets to the
// v4 ABI's "both symbols present or neither" loader check.
func RequiresPairedAuth(v ABIVersion) bool {
	return v == ABIv4
}

// aclCheckForVersion adapts a raw ACLCheck call to each version's quirks.
// v2 predates subscribe-time ACL checks entirely: subscribing was always
// allowed and access was only enforced when a matching PUBLISH arrived,
// so a v2 plugin's ACLCheck is never consulted for AccessSubscribe.
func aclCheckForVersion(p Plugin, session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error) {
	if p.Version() == ABIv2 && access == authz.AccessSubscribe {
		return authz.Allow, nil
	}
	return p.ACLCheck(session, topicStr, access)
}

package pluginhost

import (
	"testing"

	"github.com/pyr33x/goqtt-core/internal/authz"
)

type fakePlugin struct {
	BasePlugin
	aclVerdict  authz.Verdict
	credVerdict authz.Verdict
	pairedAuth  bool
}

func (p *fakePlugin) ACLCheck(session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error) {
	return p.aclVerdict, nil
}

func (p *fakePlugin) UnpwdCheck(string, string) (authz.Verdict, error) {
	return p.credVerdict, nil
}

func (p *fakePlugin) AuthStart(authz.Session, string, []byte) (authz.Verdict, []byte, error) {
	if !p.pairedAuth {
		return authz.Defer, nil, nil
	}
	return authz.Allow, nil, nil
}

func (p *fakePlugin) AuthContinue(authz.Session, string, []byte) (authz.Verdict, []byte, error) {
	if !p.pairedAuth {
		return authz.Defer, nil, nil
	}
	return authz.Allow, nil, nil
}

func newLoader(t *testing.T, version ABIVersion, aclVerdict authz.Verdict, paired bool) *InProcessLoader {
	t.Helper()
	l := NewInProcessLoader()
	if err := l.Register("test-plugin", func(opts map[string]string) (Plugin, error) {
		return &fakePlugin{BasePlugin: BasePlugin{ABIVersion: version}, aclVerdict: aclVerdict, pairedAuth: paired}, nil
	}, ""); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLoadAdvancesThroughLifecycle(t *testing.T) {
	reg := New(newLoader(t, ABIv3, authz.Allow, true), nil)
	if err := reg.Load("test-plugin", nil, false); err != nil {
		t.Fatal(err)
	}
	auths := reg.Authorizers()
	if len(auths) != 1 {
		t.Fatalf("expected one loaded authorizer, got %d", len(auths))
	}
	v, err := auths[0].CheckACL(authz.Session{ID: "s1"}, "a/b", authz.AccessRead)
	if err != nil {
		t.Fatal(err)
	}
	if v != authz.Allow {
		t.Fatalf("expected Allow, got %v", v)
	}
}

func TestV2PluginAlwaysAllowsSubscribe(t *testing.T) {
	reg := New(newLoader(t, ABIv2, authz.Deny, false), nil)
	if err := reg.Load("test-plugin", nil, false); err != nil {
		t.Fatal(err)
	}
	auths := reg.Authorizers()
	v, err := auths[0].CheckACL(authz.Session{ID: "s1"}, "a/b", authz.AccessSubscribe)
	if err != nil {
		t.Fatal(err)
	}
	if v != authz.Allow {
		t.Fatalf("expected v2 subscribe to always allow regardless of plugin verdict, got %v", v)
	}

	// Publish-time access still goes through the plugin's real verdict.
	v, err = auths[0].CheckACL(authz.Session{ID: "s1"}, "a/b", authz.AccessWrite)
	if err != nil {
		t.Fatal(err)
	}
	if v != authz.Deny {
		t.Fatalf("expected v2 write to use the real verdict, got %v", v)
	}
}

func TestDenySpecialCharsRejectsDangerousClientID(t *testing.T) {
	reg := New(newLoader(t, ABIv3, authz.Allow, true), nil)
	if err := reg.Load("test-plugin", nil, true); err != nil {
		t.Fatal(err)
	}
	auths := reg.Authorizers()

	v, err := auths[0].CheckACL(authz.Session{ID: "client#1"}, "a/b", authz.AccessRead)
	if err != nil {
		t.Fatal(err)
	}
	if v != authz.Deny {
		t.Fatalf("expected a client id containing '#' to be denied before reaching the plugin, got %v", v)
	}
}

func TestDenySpecialCharsRejectsDangerousUsername(t *testing.T) {
	reg := New(newLoader(t, ABIv3, authz.Allow, true), nil)
	if err := reg.Load("test-plugin", nil, true); err != nil {
		t.Fatal(err)
	}
	auths := reg.Authorizers()

	v, err := auths[0].CheckACL(authz.Session{ID: "s1", Username: "user+evil"}, "a/b", authz.AccessRead)
	if err != nil {
		t.Fatal(err)
	}
	if v != authz.Deny {
		t.Fatalf("expected a username containing '+' to be denied before reaching the plugin, got %v", v)
	}
}

func TestDenySpecialCharsDisabledLetsPluginDecide(t *testing.T) {
	reg := New(newLoader(t, ABIv3, authz.Allow, true), nil)
	if err := reg.Load("test-plugin", nil, false); err != nil {
		t.Fatal(err)
	}
	auths := reg.Authorizers()

	v, err := auths[0].CheckACL(authz.Session{ID: "client#1"}, "a/b", authz.AccessRead)
	if err != nil {
		t.Fatal(err)
	}
	if v != authz.Allow {
		t.Fatalf("expected the plugin's own verdict when deny_special_chars is off, got %v", v)
	}
}

func TestV4UnpairedAuthHooksRejected(t *testing.T) {
	l := NewInProcessLoader()
	if err := l.Register("half-paired", func(map[string]string) (Plugin, error) {
		return &halfPairedPlugin{BasePlugin: BasePlugin{ABIVersion: ABIv4}}, nil
	}, ""); err != nil {
		t.Fatal(err)
	}
	reg := New(l, nil)
	if err := reg.Load("half-paired", nil, false); err == nil {
		t.Fatal("expected an error for a v4 plugin implementing only AuthStart")
	}
}

type halfPairedPlugin struct {
	BasePlugin
}

func (p *halfPairedPlugin) AuthStart(authz.Session, string, []byte) (authz.Verdict, []byte, error) {
	return authz.Allow, nil, nil
}

func TestReloadCyclesSecurityInit(t *testing.T) {
	reg := New(newLoader(t, ABIv3, authz.Allow, true), nil)
	if err := reg.Load("test-plugin", nil, false); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatal(err)
	}
}

func TestCloseTransitionsToUnloaded(t *testing.T) {
	reg := New(newLoader(t, ABIv3, authz.Allow, true), nil)
	if err := reg.Load("test-plugin", nil, false); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}
	if len(reg.Authorizers()) != 0 {
		t.Fatal("expected no authorizers left after Close")
	}
}

package pluginhost

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pyr33x/goqtt-core/internal/acl"
	"github.com/pyr33x/goqtt-core/internal/authz"
	"github.com/pyr33x/goqtt-core/internal/logger"
	"github.com/pyr33x/goqtt-core/pkg/er"
)

// State is a plugin's position in its lifecycle, mirroring the load order
// mosquitto's security__load_v2/v3/v4 enforce: a plugin must be
// initialized before security_init, and security_cleanup must run before
// the final cleanup that precedes unload. SecurityCleaned is a distinct
// state from Cleaned because a reload only cycles through
// SecurityInitialized<->SecurityCleaned without ever tearing the plugin
// all the way down.
type State int

const (
	Unloaded State = iota
	Loaded
	Initialized
	SecurityInitialized
	SecurityCleaned
	Cleaned
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Initialized:
		return "initialized"
	case SecurityInitialized:
		return "security_initialized"
	case SecurityCleaned:
		return "security_cleaned"
	case Cleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

var validTransitions = map[State]map[State]bool{
	Unloaded:            {Loaded: true},
	Loaded:               {Initialized: true},
	Initialized:          {SecurityInitialized: true},
	SecurityInitialized:  {SecurityCleaned: true},
	SecurityCleaned:      {SecurityInitialized: true, Cleaned: true},
	Cleaned:              {Unloaded: true},
}

func transition(from, to State) error {
	if validTransitions[from][to] {
		return nil
	}
	return &er.Err{Context: "pluginhost.transition", Message: er.ErrInvalidPluginTransition}
}

// loadedPlugin tracks one plugin's state alongside the Plugin instance
// itself.
type loadedPlugin struct {
	mu               sync.Mutex
	correlation      string
	path             string
	plugin           Plugin
	state            State
	denySpecialChars bool
}

// Registry owns every configured plugin's lifecycle and exposes the
// loaded set as an ordered acl.Authorizer chain, ready to be handed to
// acl.New alongside the built-in default authorizer.
type Registry struct {
	loader  Loader
	log     *logger.Logger
	mu      sync.Mutex
	plugins []*loadedPlugin
}

func New(loader Loader, log *logger.Logger) *Registry {
	return &Registry{loader: loader, log: log}
}

// Load loads, initializes and security-initializes a plugin in one call,
// appending it to the registry's ordered chain. Order of Load calls is
// the order the resulting authorizer chain will be consulted in.
// denySpecialChars mirrors auth_plugin->deny_special_chars: when set, the
// username and client id are checked for '+'/'#' ahead of every ACL check
// dispatched to this specific plugin.
func (r *Registry) Load(path string, opts map[string]string, denySpecialChars bool) error {
	p, err := r.loader.Load(path, opts)
	if err != nil {
		return err
	}

	lp := &loadedPlugin{correlation: uuid.NewString(), path: path, plugin: p, state: Unloaded, denySpecialChars: denySpecialChars}
	r.logStep(lp, "load")

	if err := lp.advance(Loaded, func() error { return nil }); err != nil {
		return err
	}
	if err := lp.advance(Initialized, func() error { return p.Init(opts) }); err != nil {
		return err
	}
	if err := lp.advance(SecurityInitialized, func() error { return p.SecurityInit(false) }); err != nil {
		return err
	}

	if RequiresPairedAuth(p.Version()) {
		if err := r.validatePairedAuth(p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.plugins = append(r.plugins, lp)
	r.mu.Unlock()
	r.logStep(lp, "security_init")
	return nil
}

// validatePairedAuth rejects a v4 plugin that implements exactly one of
// AuthStart/AuthContinue: the ABI requires both symbols present or
// neither, which a dlopen'd .so would catch at symbol-probe time. A Go
// Plugin value always "has" both methods syntactically, so the check
// instead asks the plugin to self-report via a zero-length probe call and
// requires both to agree on whether extended auth is supported.
func (r *Registry) validatePairedAuth(p Plugin) error {
	startVerdict, _, _ := p.AuthStart(authz.Session{}, "", nil)
	continueVerdict, _, _ := p.AuthContinue(authz.Session{}, "", nil)
	startSupported := startVerdict != authz.Defer
	continueSupported := continueVerdict != authz.Defer
	if startSupported != continueSupported {
		return &er.Err{Context: "pluginhost.validatePairedAuth", Message: er.ErrPluginMissingHook}
	}
	return nil
}

// Reload cycles every loaded plugin through security_cleanup(reload=true)
// then security_init(reload=true), the sequence mosquitto drives on
// SIGHUP without a full unload.
func (r *Registry) Reload() error {
	r.mu.Lock()
	plugins := append([]*loadedPlugin(nil), r.plugins...)
	r.mu.Unlock()

	for _, lp := range plugins {
		if err := lp.advance(SecurityCleaned, func() error { return lp.plugin.SecurityCleanup(true) }); err != nil {
			return err
		}
		r.logStep(lp, "security_cleanup_reload")
		if err := lp.advance(SecurityInitialized, func() error { return lp.plugin.SecurityInit(true) }); err != nil {
			return err
		}
		r.logStep(lp, "security_init_reload")
	}
	return nil
}

// Close tears every plugin down: security_cleanup(false), cleanup, then
// marks it unloaded. It stops at the first error, leaving the remaining
// plugins in whatever state they were in.
func (r *Registry) Close() error {
	r.mu.Lock()
	plugins := r.plugins
	r.plugins = nil
	r.mu.Unlock()

	for _, lp := range plugins {
		if err := lp.advance(SecurityCleaned, func() error { return lp.plugin.SecurityCleanup(false) }); err != nil {
			return err
		}
		if err := lp.advance(Cleaned, func() error { return lp.plugin.Cleanup() }); err != nil {
			return err
		}
		if err := lp.advance(Unloaded, func() error { return nil }); err != nil {
			return err
		}
		r.logStep(lp, "unload")
	}
	return nil
}

// Authorizers returns the loaded plugin chain wrapped as acl.Authorizer,
// in load order, ready to be appended to the pipeline after the
// built-in default authorizer.
func (r *Registry) Authorizers() []acl.Authorizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]acl.Authorizer, 0, len(r.plugins))
	for _, lp := range r.plugins {
		out = append(out, pluginAuthorizer{lp: lp})
	}
	return out
}

func (lp *loadedPlugin) advance(to State, step func() error) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if err := transition(lp.state, to); err != nil {
		return err
	}
	if err := step(); err != nil {
		return err
	}
	lp.state = to
	return nil
}

func (r *Registry) logStep(lp *loadedPlugin, step string) {
	if r.log == nil {
		return
	}
	r.log.LogPluginLifecycle(lp.path, step,
		logger.String("correlation_id", lp.correlation),
		logger.String("abi_version", lp.plugin.Version().String()),
		logger.String("state", lp.state.String()),
	)
}

// pluginAuthorizer adapts a loaded plugin to acl.Authorizer, applying the
// per-version ACL quirks (e.g. v2's subscribe-always-allow) on every call.
type pluginAuthorizer struct {
	lp *loadedPlugin
}

func (a pluginAuthorizer) Name() string {
	return a.lp.path
}

func (a pluginAuthorizer) CheckACL(session authz.Session, topicStr string, access authz.Access) (authz.Verdict, error) {
	// Checked for every message regardless of access type, protecting this
	// plugin against pattern-based attacks via a dangerous username or
	// client id, mirroring acl__check_single's deny_special_chars gate.
	if a.lp.denySpecialChars && (containsSpecialChars(session.Username) || containsSpecialChars(session.ID)) {
		return authz.Deny, nil
	}
	return aclCheckForVersion(a.lp.plugin, session, topicStr, access)
}

func containsSpecialChars(s string) bool {
	return strings.ContainsAny(s, "+#")
}

func (a pluginAuthorizer) CheckCredentials(username, password string) (authz.Verdict, error) {
	v, err := a.lp.plugin.UnpwdCheck(username, password)
	if errors.Is(err, er.ErrNotSupported) {
		return authz.Defer, nil
	}
	return v, err
}

// CheckPSK satisfies acl.PSKProvider, letting the pipeline type-assert
// this authorizer into the PSK lookup chain the same way it dispatches
// ACL and credential checks.
func (a pluginAuthorizer) CheckPSK(hint, identity string) (string, authz.Verdict, error) {
	return a.lp.plugin.PSKKeyGet(hint, identity)
}

package pluginhost

import (
	"encoding/json"
	"fmt"

	"github.com/pyr33x/goqtt-core/pkg/er"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Factory constructs a Plugin instance. A real mosquitto plugin is a
// shared object opened with dlopen and probed for
// mosquitto_auth_plugin_version/init/security_init symbols; Go cannot
// safely dlopen an arbitrary C ABI, so an in-process plugin registers a
// Factory under a logical name instead of shipping a .so path.
type Factory func(opts map[string]string) (Plugin, error)

// Loader resolves a configured plugin path to a Plugin instance, and may
// validate its declared options before handing it back.
type Loader interface {
	Load(path string, opts map[string]string) (Plugin, error)
}

// InProcessLoader is the Loader this host ships: a table of Factory
// functions keyed by the same "path" string a config file would
// otherwise use for a shared-object path, plus an optional per-path JSON
// schema the declared options must satisfy before Init is ever called.
type InProcessLoader struct {
	factories map[string]Factory
	schemas   map[string]*jsonschema.Schema
}

func NewInProcessLoader() *InProcessLoader {
	return &InProcessLoader{
		factories: make(map[string]Factory),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Register associates a logical plugin path with a constructor and an
// optional JSON schema; pass an empty schema to skip option validation.
func (l *InProcessLoader) Register(path string, factory Factory, schema string) error {
	l.factories[path] = factory
	if schema == "" {
		return nil
	}
	compiled, err := jsonschema.CompileString(path, schema)
	if err != nil {
		return &er.Err{Context: "pluginhost.Register", Message: err}
	}
	l.schemas[path] = compiled
	return nil
}

func (l *InProcessLoader) Load(path string, opts map[string]string) (Plugin, error) {
	factory, ok := l.factories[path]
	if !ok {
		return nil, &er.Err{Context: "pluginhost.Load", Message: er.ErrPluginLoadFailed}
	}
	if schema, ok := l.schemas[path]; ok {
		if err := validateOptions(schema, opts); err != nil {
			return nil, err
		}
	}
	return factory(opts)
}

func validateOptions(schema *jsonschema.Schema, opts map[string]string) error {
	generic := make(map[string]any, len(opts))
	for k, v := range opts {
		generic[k] = v
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return &er.Err{Context: "pluginhost.validateOptions", Message: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &er.Err{Context: "pluginhost.validateOptions", Message: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &er.Err{Context: "pluginhost.validateOptions", Message: fmt.Errorf("%w: %v", er.ErrPluginOptionInvalid, err)}
	}
	return nil
}

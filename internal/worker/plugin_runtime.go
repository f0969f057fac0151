package worker

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/plugins"
)

// Plugin sources follow a top-level function contract: NewPlugin() performs
// one-time initialization and must exist, ConfigurePlugin(map[string]string)
// error and TestPlugin() error are optional. The plugin's callable surface is
// its exported top-level functions, which land directly in the interpreter
// scope where generated code can reach them.

// RegisterPlugin evaluates a packaged plugin into the interpreter. The
// payload is the base64 form of the gzipped tar the engine built from the
// plugin directory. Registration with an unchanged hashsum is a no-op.
func (r *Runtime) RegisterPlugin(name, hashsum, payload string) error {
	r.mu.Lock()
	if prev, ok := r.plugins[name]; ok && prev.Hashsum == hashsum {
		r.mu.Unlock()
		r.logger.Debug("plugin unchanged", zap.String("plugin", name))
		return nil
	}
	r.mu.Unlock()

	pkg, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("worker: plugin %s payload: %w", name, err)
	}
	source, err := plugins.UnpackSource(pkg)
	if err != nil {
		return fmt.Errorf("worker: plugin %s: %w", name, err)
	}

	if _, err := r.interp.Eval(stripPackageClause(source)); err != nil {
		return fmt.Errorf("worker: plugin %s source: %w", name, err)
	}

	factory, err := r.interp.Eval("NewPlugin")
	if err != nil {
		return fmt.Errorf("worker: plugin %s: NewPlugin factory not found: %w", name, err)
	}
	if factory.Kind() != reflect.Func || factory.Type().NumIn() != 0 {
		return fmt.Errorf("worker: plugin %s: NewPlugin must take no arguments", name)
	}
	factory.Call(nil)

	r.mu.Lock()
	r.plugins[name] = &loadedPlugin{Name: name, Hashsum: hashsum}
	r.mu.Unlock()

	r.logger.Debug("plugin registered", zap.String("plugin", name), zap.String("hashsum", hashsum))
	return nil
}

// ConfigurePlugin passes the configuration map to the plugin's
// ConfigurePlugin function when the source defines one.
func (r *Runtime) ConfigurePlugin(name string, config map[string]string) error {
	r.mu.Lock()
	lp, ok := r.plugins[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker: plugin %s not registered", name)
	}

	lp.Config = config

	fn, err := r.interp.Eval("ConfigurePlugin")
	if err != nil {
		if len(config) == 0 {
			return nil
		}
		return fmt.Errorf("worker: plugin %s has configuration but no ConfigurePlugin function", name)
	}
	if fn.Kind() != reflect.Func || fn.Type().NumIn() != 1 {
		return fmt.Errorf("worker: plugin %s: ConfigurePlugin must take the config map", name)
	}
	if config == nil {
		config = map[string]string{}
	}
	out := fn.Call([]reflect.Value{reflect.ValueOf(config)})
	if err := callError(out); err != nil {
		return fmt.Errorf("worker: plugin %s configure: %w", name, err)
	}
	return nil
}

// TestPlugin runs the plugin's self test when the source defines one. The
// returned message distinguishes "passed" from "no tests".
func (r *Runtime) TestPlugin(name string) (string, error) {
	r.mu.Lock()
	_, ok := r.plugins[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("worker: plugin %s not registered", name)
	}

	fn, err := r.interp.Eval("TestPlugin")
	if err != nil {
		return fmt.Sprintf("plugin %s defines no tests", name), nil
	}
	if fn.Kind() != reflect.Func || fn.Type().NumIn() != 0 {
		return "", fmt.Errorf("worker: plugin %s: TestPlugin must take no arguments", name)
	}
	if err := callError(fn.Call(nil)); err != nil {
		return "", fmt.Errorf("worker: plugin %s test failed: %w", name, err)
	}
	return fmt.Sprintf("plugin %s tests passed", name), nil
}

// UnloadPlugin drops the plugin from the registry. Unloading a plugin that
// was never registered is a warning, not a failure. Symbols already evaluated
// stay in the interpreter until the session ends, so a same-name re-register
// with new source still requires a fresh session.
func (r *Runtime) UnloadPlugin(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; !ok {
		r.logger.Warn("unload of unregistered plugin", zap.String("plugin", name))
		return fmt.Sprintf("plugin %s is not registered, nothing to unload", name)
	}
	delete(r.plugins, name)
	return fmt.Sprintf("plugin %s unloaded", name)
}

// LoadedPlugins lists registered plugin names with their hashsums.
func (r *Runtime) LoadedPlugins() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.plugins))
	for name, lp := range r.plugins {
		out[name] = lp.Hashsum
	}
	return out
}

// callError extracts a trailing error return from a reflective call.
func callError(out []reflect.Value) error {
	if len(out) == 0 {
		return nil
	}
	last := out[len(out)-1]
	if !last.IsValid() || !last.CanInterface() {
		return nil
	}
	if err, ok := last.Interface().(error); ok && err != nil {
		return err
	}
	return nil
}

// stripPackageClause removes the leading package declaration so the source
// evaluates into the interpreter's live scope.
func stripPackageClause(source string) string {
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if strings.HasPrefix(trimmed, "package ") {
			lines[i] = ""
		}
		break
	}
	return strings.Join(lines, "\n")
}

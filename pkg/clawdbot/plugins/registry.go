// Package plugins implements the capability-scoped extension surface.
// Plugins are self-describing bundles contributing tools, gateway
// methods, CLI commands, and background services. Compiled-in plugins
// announce themselves via Announce (typically from init()); .so bundles
// are loaded from plugins.load.paths the way the native loader works.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	goplugin "plugin"
	"sort"
	"sync"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

// ConfigSchema validates a plugin's user config. Duck-typed: anything
// with a Parse method qualifies.
type ConfigSchema interface {
	Parse(value any) (any, error)
}

// Plugin is the well-known entry point every bundle exports.
type Plugin struct {
	ID          string
	Name        string
	Description string

	// ConfigSchema is optional; when present, the user config must
	// parse or the plugin is not loaded.
	ConfigSchema ConfigSchema

	// Register wires the plugin's contributions through the API.
	Register func(api *API) error
}

// Tool is a plugin-contributed agent tool.
type Tool struct {
	Name       string
	Parameters map[string]any
	Execute    func(ctx context.Context, args map[string]any) (string, error)
}

// GatewayMethod handles one named gateway RPC.
type GatewayMethod func(ctx context.Context, params map[string]any) (any, error)

// Service is a plugin-managed background task.
type Service struct {
	ID    string
	Start func(ctx context.Context) error
	Stop  func() error
}

// CliHook extends the CLI. The argument is the cobra root command,
// passed as any to keep the plugin surface free of CLI dependencies.
type CliHook func(root any)

// API is what a plugin's Register receives.
type API struct {
	registry *Registry
	pluginID string

	// PluginConfig is the parsed (or raw) user config for this plugin.
	PluginConfig any

	Logger *slog.Logger
}

// RegisterGatewayMethod contributes a gateway method.
func (a *API) RegisterGatewayMethod(name string, handler GatewayMethod) error {
	return a.registry.addMethod(a.pluginID, name, handler)
}

// RegisterTool contributes an agent tool. Collisions with core or other
// plugin tools are rejected.
func (a *API) RegisterTool(tool Tool) error {
	return a.registry.addTool(a.pluginID, tool)
}

// RegisterCli contributes a CLI hook.
func (a *API) RegisterCli(fn CliHook) {
	a.registry.addCli(a.pluginID, fn)
}

// RegisterService contributes a background service.
func (a *API) RegisterService(svc Service) error {
	return a.registry.addService(a.pluginID, svc)
}

// Status of one plugin after a load pass.
type Status string

const (
	StatusLoaded Status = "loaded"
	StatusDenied Status = "denied"
	StatusError  Status = "error"
)

// Diagnostic records why a plugin is not fully loaded.
type Diagnostic struct {
	PluginID string
	Message  string
}

// Record is the registry's view of one plugin.
type Record struct {
	Plugin Plugin
	Status Status
	Error  string
}

// announced collects compiled-in plugins before the registry exists.
var (
	announcedMu sync.Mutex
	announced   []Plugin
)

// Announce registers a compiled-in plugin. Call from init().
func Announce(p Plugin) {
	announcedMu.Lock()
	defer announcedMu.Unlock()
	announced = append(announced, p)
}

// Registry loads plugins and owns their contributions.
type Registry struct {
	logger *slog.Logger

	mu           sync.Mutex
	records      map[string]*Record
	tools        map[string]Tool
	toolOwners   map[string]string
	coreTools    map[string]bool
	methods      map[string]GatewayMethod
	methodOwners map[string]string
	services     []Service
	svcOwners    map[string]string
	cliHooks     []CliHook
	diagnostics  []Diagnostic
}

// NewRegistry creates an empty registry. coreTools are the built-in tool
// names plugin tools must not collide with.
func NewRegistry(coreTools []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	core := make(map[string]bool, len(coreTools))
	for _, t := range coreTools {
		core[t] = true
	}
	return &Registry{
		logger:       logger.With("component", "plugins"),
		records:      make(map[string]*Record),
		tools:        make(map[string]Tool),
		toolOwners:   make(map[string]string),
		coreTools:    core,
		methods:      make(map[string]GatewayMethod),
		methodOwners: make(map[string]string),
		svcOwners:    make(map[string]string),
	}
}

// Load gates and registers every announced plugin plus any .so bundles
// from plugins.load.paths. Failures are isolated per plugin.
func (r *Registry) Load(cfg config.PluginsConfig) {
	plugins := snapshotAnnounced()
	for _, path := range cfg.Load.Paths {
		p, err := openSharedObject(path)
		if err != nil {
			r.diag("", fmt.Sprintf("loading %s: %v", path, err))
			continue
		}
		plugins = append(plugins, p)
	}

	for _, p := range plugins {
		r.loadOne(p, cfg)
	}
}

func snapshotAnnounced() []Plugin {
	announcedMu.Lock()
	defer announcedMu.Unlock()
	out := make([]Plugin, len(announced))
	copy(out, announced)
	return out
}

// openSharedObject loads a Go plugin .so exporting `var Plugin plugins.Plugin`.
func openSharedObject(path string) (Plugin, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return Plugin{}, fmt.Errorf("opening plugin: %w", err)
	}
	sym, err := so.Lookup("Plugin")
	if err != nil {
		return Plugin{}, fmt.Errorf("plugin exports no Plugin symbol: %w", err)
	}
	p, ok := sym.(*Plugin)
	if !ok || p == nil {
		return Plugin{}, fmt.Errorf("Plugin symbol has wrong type")
	}
	return *p, nil
}

// loadOne applies gating and config validation, then runs Register.
func (r *Registry) loadOne(p Plugin, cfg config.PluginsConfig) {
	rec := &Record{Plugin: p, Status: StatusLoaded}
	r.mu.Lock()
	if _, dup := r.records[p.ID]; dup {
		r.mu.Unlock()
		r.diag(p.ID, "duplicate plugin id")
		return
	}
	r.records[p.ID] = rec
	r.mu.Unlock()

	if !allowed(p.ID, cfg) {
		rec.Status = StatusDenied
		r.logger.Info("plugin denied by config", "plugin", p.ID)
		return
	}
	entry := cfg.Entries[p.ID]
	if entry.Enabled != nil && !*entry.Enabled {
		rec.Status = StatusDenied
		return
	}

	pluginCfg := entry.Config
	if p.ConfigSchema != nil {
		parsed, err := p.ConfigSchema.Parse(entry.Config)
		if err != nil {
			rec.Status = StatusError
			rec.Error = err.Error()
			r.diag(p.ID, "config rejected: "+err.Error())
			return
		}
		pluginCfg = parsed
	}

	if p.Register == nil {
		rec.Status = StatusError
		rec.Error = "plugin has no Register function"
		r.diag(p.ID, rec.Error)
		return
	}

	api := &API{
		registry:     r,
		pluginID:     p.ID,
		PluginConfig: pluginCfg,
		Logger:       r.logger.With("plugin", p.ID),
	}
	r.mu.Lock()
	cliMark := len(r.cliHooks)
	r.mu.Unlock()
	if err := p.Register(api); err != nil {
		rec.Status = StatusError
		rec.Error = err.Error()
		r.rollback(p.ID)
		// CLI hooks carry no owner; plugins load one at a time, so the
		// hooks past the mark are this plugin's.
		r.mu.Lock()
		r.cliHooks = r.cliHooks[:cliMark]
		r.mu.Unlock()
		r.diag(p.ID, "register failed: "+err.Error())
		return
	}

	r.logger.Info("plugin loaded", "plugin", p.ID)
}

// allowed implements the gate: id ∈ allow (when allow non-empty) AND
// id ∉ deny.
func allowed(id string, cfg config.PluginsConfig) bool {
	for _, d := range cfg.Deny {
		if d == id {
			return false
		}
	}
	if len(cfg.Allow) == 0 {
		return true
	}
	for _, a := range cfg.Allow {
		if a == id {
			return true
		}
	}
	return false
}

func (r *Registry) addTool(pluginID string, tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coreTools[tool.Name] {
		msg := fmt.Sprintf("tool %q collides with a core tool", tool.Name)
		r.diagnostics = append(r.diagnostics, Diagnostic{PluginID: pluginID, Message: msg})
		return fmt.Errorf("%s", msg)
	}
	if _, exists := r.tools[tool.Name]; exists {
		msg := fmt.Sprintf("tool %q already registered by another plugin", tool.Name)
		r.diagnostics = append(r.diagnostics, Diagnostic{PluginID: pluginID, Message: msg})
		return fmt.Errorf("%s", msg)
	}
	r.tools[tool.Name] = tool
	r.toolOwners[tool.Name] = pluginID
	return nil
}

func (r *Registry) addMethod(pluginID, name string, handler GatewayMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		msg := fmt.Sprintf("gateway method %q already registered", name)
		r.diagnostics = append(r.diagnostics, Diagnostic{PluginID: pluginID, Message: msg})
		return fmt.Errorf("%s", msg)
	}
	r.methods[name] = handler
	r.methodOwners[name] = pluginID
	return nil
}

func (r *Registry) addService(pluginID string, svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.services {
		if s.ID == svc.ID {
			msg := fmt.Sprintf("service %q already registered", svc.ID)
			r.diagnostics = append(r.diagnostics, Diagnostic{PluginID: pluginID, Message: msg})
			return fmt.Errorf("%s", msg)
		}
	}
	r.services = append(r.services, svc)
	r.svcOwners[svc.ID] = pluginID
	return nil
}

func (r *Registry) addCli(_ string, fn CliHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cliHooks = append(r.cliHooks, fn)
}

// rollback discards registrations from a plugin whose Register failed
// partway. Registrations from failed plugins are never applied.
func (r *Registry) rollback(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, owner := range r.toolOwners {
		if owner == pluginID {
			delete(r.tools, name)
			delete(r.toolOwners, name)
		}
	}
	for name, owner := range r.methodOwners {
		if owner == pluginID {
			delete(r.methods, name)
			delete(r.methodOwners, name)
		}
	}
	kept := r.services[:0]
	for _, svc := range r.services {
		if r.svcOwners[svc.ID] == pluginID {
			delete(r.svcOwners, svc.ID)
			continue
		}
		kept = append(kept, svc)
	}
	r.services = kept
}

func (r *Registry) diag(pluginID, message string) {
	r.mu.Lock()
	r.diagnostics = append(r.diagnostics, Diagnostic{PluginID: pluginID, Message: message})
	r.mu.Unlock()
	r.logger.Warn("plugin diagnostic", "plugin", pluginID, "message", message)
}

// Tool returns a plugin tool by name.
func (r *Registry) Tool(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// ToolNames lists plugin tool names sorted.
func (r *Registry) ToolNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Method returns a gateway method by name.
func (r *Registry) Method(name string) (GatewayMethod, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.methods[name]
	return m, ok
}

// Services returns the registered services.
func (r *Registry) Services() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Service{}, r.services...)
}

// CliHooks returns the registered CLI hooks.
func (r *Registry) CliHooks() []CliHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CliHook{}, r.cliHooks...)
}

// Diagnostics returns accumulated load diagnostics.
func (r *Registry) Diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Diagnostic{}, r.diagnostics...)
}

// Records returns plugin statuses sorted by id.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin.ID < out[j].Plugin.ID })
	return out
}

// StartServices starts every service; failures are isolated.
func (r *Registry) StartServices(ctx context.Context) {
	for _, svc := range r.Services() {
		if svc.Start == nil {
			continue
		}
		if err := svc.Start(ctx); err != nil {
			r.logger.Error("plugin service failed to start", "service", svc.ID, "error", err)
		}
	}
}

// StopServices stops every service.
func (r *Registry) StopServices() {
	for _, svc := range r.Services() {
		if svc.Stop == nil {
			continue
		}
		if err := svc.Stop(); err != nil {
			r.logger.Warn("plugin service failed to stop", "service", svc.ID, "error", err)
		}
	}
}

// resetAnnounced clears compiled-in announcements (tests only).
func resetAnnounced() {
	announcedMu.Lock()
	defer announcedMu.Unlock()
	announced = nil
}

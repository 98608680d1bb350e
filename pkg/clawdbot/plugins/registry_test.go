package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

type schemaFunc func(value any) (any, error)

func (f schemaFunc) Parse(value any) (any, error) { return f(value) }

func simplePlugin(id string, register func(api *API) error) Plugin {
	return Plugin{ID: id, Name: id, Register: register}
}

func loadOne(t *testing.T, p Plugin, cfg config.PluginsConfig) *Registry {
	t.Helper()
	resetAnnounced()
	Announce(p)
	t.Cleanup(resetAnnounced)
	r := NewRegistry([]string{"read", "bash"}, nil)
	r.Load(cfg)
	return r
}

func TestLoadAndRegisterTool(t *testing.T) {
	p := simplePlugin("github", func(api *API) error {
		return api.RegisterTool(Tool{
			Name: "github_issues",
			Execute: func(_ context.Context, _ map[string]any) (string, error) {
				return "[]", nil
			},
		})
	})
	r := loadOne(t, p, config.PluginsConfig{})

	if _, ok := r.Tool("github_issues"); !ok {
		t.Error("tool not registered")
	}
	recs := r.Records()
	if len(recs) != 1 || recs[0].Status != StatusLoaded {
		t.Errorf("records = %+v", recs)
	}
}

func TestDenyListBlocksPlugin(t *testing.T) {
	p := simplePlugin("noisy", func(api *API) error { return nil })
	r := loadOne(t, p, config.PluginsConfig{Deny: []string{"noisy"}})

	recs := r.Records()
	if recs[0].Status != StatusDenied {
		t.Errorf("status = %q", recs[0].Status)
	}
}

func TestAllowListGates(t *testing.T) {
	p := simplePlugin("extra", func(api *API) error { return nil })
	r := loadOne(t, p, config.PluginsConfig{Allow: []string{"other"}})

	if r.Records()[0].Status != StatusDenied {
		t.Error("plugin outside non-empty allow list must be denied")
	}
}

func TestConfigSchemaFailureDisablesPlugin(t *testing.T) {
	p := Plugin{
		ID: "strict",
		ConfigSchema: schemaFunc(func(value any) (any, error) {
			return nil, errors.New("token is required")
		}),
		Register: func(api *API) error {
			t.Error("Register must not run when config parsing fails")
			return nil
		},
	}
	r := loadOne(t, p, config.PluginsConfig{
		Entries: map[string]config.PluginEntry{"strict": {Config: map[string]any{}}},
	})

	recs := r.Records()
	if recs[0].Status != StatusError || recs[0].Error == "" {
		t.Errorf("record = %+v", recs[0])
	}
	if len(r.Diagnostics()) == 0 {
		t.Error("expected a diagnostic")
	}
}

func TestParsedConfigPassedToRegister(t *testing.T) {
	var got any
	p := Plugin{
		ID: "cfg",
		ConfigSchema: schemaFunc(func(value any) (any, error) {
			return "parsed!", nil
		}),
		Register: func(api *API) error {
			got = api.PluginConfig
			return nil
		},
	}
	loadOne(t, p, config.PluginsConfig{})

	if got != "parsed!" {
		t.Errorf("PluginConfig = %v", got)
	}
}

func TestCoreToolCollisionRejected(t *testing.T) {
	var regErr error
	p := simplePlugin("clash", func(api *API) error {
		regErr = api.RegisterTool(Tool{Name: "bash"})
		return nil
	})
	r := loadOne(t, p, config.PluginsConfig{})

	if regErr == nil {
		t.Error("core tool collision must be rejected")
	}
	if _, ok := r.Tool("bash"); ok {
		t.Error("colliding tool must not be applied")
	}
}

func TestPluginToolCollisionRejected(t *testing.T) {
	resetAnnounced()
	t.Cleanup(resetAnnounced)
	Announce(simplePlugin("first", func(api *API) error {
		return api.RegisterTool(Tool{Name: "fetch"})
	}))
	Announce(simplePlugin("second", func(api *API) error {
		return api.RegisterTool(Tool{Name: "fetch"})
	}))

	r := NewRegistry(nil, nil)
	r.Load(config.PluginsConfig{})

	if len(r.ToolNames()) != 1 {
		t.Errorf("tools = %v", r.ToolNames())
	}
	found := false
	for _, d := range r.Diagnostics() {
		if d.PluginID == "second" {
			found = true
		}
	}
	if !found {
		t.Error("collision diagnostic missing")
	}
}

func TestFailedRegisterRollsBack(t *testing.T) {
	p := simplePlugin("broken", func(api *API) error {
		if err := api.RegisterTool(Tool{Name: "almost"}); err != nil {
			return err
		}
		return errors.New("setup exploded")
	})
	r := loadOne(t, p, config.PluginsConfig{})

	if _, ok := r.Tool("almost"); ok {
		t.Error("registrations from failed plugins must not be applied")
	}
	if r.Records()[0].Status != StatusError {
		t.Errorf("status = %q", r.Records()[0].Status)
	}
}

func TestGatewayMethodAndService(t *testing.T) {
	started := false
	p := simplePlugin("svc", func(api *API) error {
		if err := api.RegisterGatewayMethod("svc.status", func(_ context.Context, _ map[string]any) (any, error) {
			return "ok", nil
		}); err != nil {
			return err
		}
		return api.RegisterService(Service{
			ID:    "svc-bg",
			Start: func(_ context.Context) error { started = true; return nil },
			Stop:  func() error { return nil },
		})
	})
	r := loadOne(t, p, config.PluginsConfig{})

	if _, ok := r.Method("svc.status"); !ok {
		t.Error("gateway method missing")
	}
	r.StartServices(context.Background())
	if !started {
		t.Error("service not started")
	}
	r.StopServices()
}

func TestEntryDisabled(t *testing.T) {
	off := false
	p := simplePlugin("sleepy", func(api *API) error { return nil })
	r := loadOne(t, p, config.PluginsConfig{
		Entries: map[string]config.PluginEntry{"sleepy": {Enabled: &off}},
	})
	if r.Records()[0].Status != StatusDenied {
		t.Errorf("status = %q", r.Records()[0].Status)
	}
}

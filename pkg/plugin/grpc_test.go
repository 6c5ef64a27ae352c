package plugin

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/hashicorp/go-plugin"
)

type fakeTool struct {
	mu      sync.Mutex
	lastReq InvokeRequest
	fail    error
}

func (f *fakeTool) last() InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeTool) Describe(context.Context) (Info, error) {
	return Info{Name: "playstore", Version: "0.3.0", Kinds: []Kind{KindPublish}}, nil
}

func (f *fakeTool) Invoke(_ context.Context, req InvokeRequest) (*InvokeResponse, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &InvokeResponse{
		Success:   true,
		Message:   "uploaded " + req.Release.Version,
		Outputs:   map[string]any{"track": req.Config["track"]},
		Artifacts: []Artifact{{Name: "mapping", Path: "/tmp/mapping.txt", Size: 12}},
	}, nil
}

func dispense(t *testing.T, impl Tool) Tool {
	t.Helper()
	reattach, closeFn := ServeTest(impl)
	t.Cleanup(closeFn)

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Reattach:         reattach,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolGRPC},
	})
	t.Cleanup(client.Kill)

	rpc, err := client.Client()
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	raw, err := rpc.Dispense(PluginName)
	if err != nil {
		t.Fatalf("Dispense() error = %v", err)
	}
	tool, ok := raw.(Tool)
	if !ok {
		t.Fatalf("dispensed %T, want Tool", raw)
	}
	return tool
}

func TestGRPC_RoundTrip(t *testing.T) {
	impl := &fakeTool{}
	tool := dispense(t, impl)
	ctx := context.Background()

	info, err := tool.Describe(ctx)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if info.Name != "playstore" || !info.Supports(KindPublish) || info.Supports(KindBuild) {
		t.Errorf("Describe() = %+v", info)
	}

	resp, err := tool.Invoke(ctx, InvokeRequest{
		Stage:   "publish_android_on_playstore",
		Kind:    KindPublish,
		Config:  map[string]any{"track": "internal"},
		Release: ReleaseContext{Version: "1.4.2", VersionCode: 42, Channel: "beta/dev"},
		Files:   []string{"/store/run/android-aab/app.aab"},
		Env:     map[string]string{"PLAY_JSON_KEY": "/tmp/key.json"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !resp.Success || resp.Message != "uploaded 1.4.2" || resp.Outputs["track"] != "internal" {
		t.Errorf("Invoke() = %+v", resp)
	}
	if len(resp.Artifacts) != 1 || resp.Artifacts[0].Size != 12 {
		t.Errorf("artifacts = %+v", resp.Artifacts)
	}

	seen := impl.last()
	if seen.Release.VersionCode != 42 || len(seen.Files) != 1 || seen.Files[0] != "/store/run/android-aab/app.aab" {
		t.Errorf("server saw %+v", seen)
	}
	if seen.Env["PLAY_JSON_KEY"] != "/tmp/key.json" {
		t.Errorf("env not forwarded: %v", seen.Env)
	}
}

func TestGRPC_ToolErrorIsReportedInResponse(t *testing.T) {
	tool := dispense(t, &fakeTool{fail: errors.New("store returned 503")})

	resp, err := tool.Invoke(context.Background(), InvokeRequest{Stage: "publish_web"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Success || resp.Error != "store returned 503" {
		t.Errorf("Invoke() = %+v", resp)
	}
}

func TestInfoSupports_NoKindsMeansAll(t *testing.T) {
	if !(Info{}).Supports(KindBuild) {
		t.Error("tool without kinds should support build")
	}
}

func TestIsPlugin(t *testing.T) {
	t.Setenv(MagicCookieKey, MagicCookieValue)
	if !IsPlugin() {
		t.Fatal("expected IsPlugin true when magic cookie set")
	}
	os.Unsetenv(MagicCookieKey)
	if IsPlugin() {
		t.Fatal("expected IsPlugin false when magic cookie missing")
	}
}

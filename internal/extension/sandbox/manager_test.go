package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/hivedesk/internal/extension/manifest"
	"github.com/dshills/hivedesk/internal/extension/runtime"
	"github.com/dshills/hivedesk/internal/extension/settings"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		ID:      "com.example.digest",
		Name:    "Digest",
		Version: "1.0.0",
		Type:    manifest.TypeAutomation,
		Entry:   "main.lua",
		Permissions: []manifest.Permission{
			manifest.PermissionNetwork,
			manifest.PermissionFilesystem,
		},
		Domains: []string{"api.example.com", "*.cdn.example.org"},
	}
}

func testInstallation(perms ...manifest.Permission) *manifest.Installation {
	return &manifest.Installation{
		ID:                 "inst-1",
		PluginID:           "com.example.digest",
		Version:            "1.0.0",
		GrantedPermissions: perms,
	}
}

// nullHost satisfies runtime.HostAPI with denials everywhere.
type nullHost struct{}

func (nullHost) HasPermission(manifest.Permission) bool { return false }
func (nullHost) EmitEvent(string, any) bool             { return false }
func (nullHost) SubscribeEvent(string, runtime.EventHandler) (string, error) {
	return "", errors.New("denied")
}
func (nullHost) UnsubscribeEvent(string)       {}
func (nullHost) GetSetting(string) (any, bool) { return nil, false }
func (nullHost) SetSetting(string, any) error  { return nil }
func (nullHost) CheckOutbound(string) error    { return nil }
func (nullHost) CacheGet(string) (any, bool)   { return nil, false }
func (nullHost) CachePut(string, any)          {}

type recordedBlock struct {
	installationID string
	host           string
	reason         string
}

type captureRecorder struct {
	mu     sync.Mutex
	blocks []recordedBlock
}

func (r *captureRecorder) RecordNetworkBlock(installationID, host, reason string) {
	r.mu.Lock()
	r.blocks = append(r.blocks, recordedBlock{installationID, host, reason})
	r.mu.Unlock()
}

func TestDeriveConfig(t *testing.T) {
	man := testManifest()

	tests := []struct {
		name     string
		inst     *manifest.Installation
		wantNet  bool
		wantFS   bool
		wantMem  int64
		wantTime time.Duration
		wantInst int64
	}{
		{
			name:     "no grants",
			inst:     testInstallation(),
			wantMem:  runtime.DefaultMemoryLimit,
			wantTime: runtime.DefaultTimeout,
			wantInst: runtime.DefaultInstructionLimit,
		},
		{
			name:     "network only",
			inst:     testInstallation(manifest.PermissionNetwork),
			wantNet:  true,
			wantMem:  runtime.DefaultMemoryLimit,
			wantTime: runtime.DefaultTimeout,
			wantInst: runtime.DefaultInstructionLimit,
		},
		{
			name: "limits tighten",
			inst: func() *manifest.Installation {
				in := testInstallation(manifest.PermissionNetwork, manifest.PermissionFilesystem)
				in.Limits = &manifest.LimitHints{
					MemoryLimitBytes: 16 * 1024 * 1024,
					TimeoutMillis:    5000,
					InstructionLimit: 250_000,
				}
				return in
			}(),
			wantNet:  true,
			wantFS:   true,
			wantMem:  16 * 1024 * 1024,
			wantTime: 5 * time.Second,
			wantInst: 250_000,
		},
		{
			name: "limits above ceiling ignored",
			inst: func() *manifest.Installation {
				in := testInstallation()
				in.Limits = &manifest.LimitHints{
					MemoryLimitBytes: 10 * runtime.DefaultMemoryLimit,
					TimeoutMillis:    int64(10 * runtime.DefaultTimeout / time.Millisecond),
					InstructionLimit: 10 * runtime.DefaultInstructionLimit,
				}
				return in
			}(),
			wantMem:  runtime.DefaultMemoryLimit,
			wantTime: runtime.DefaultTimeout,
			wantInst: runtime.DefaultInstructionLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DeriveConfig(tt.inst, man)
			if cfg.AllowNetwork != tt.wantNet {
				t.Errorf("AllowNetwork = %v, want %v", cfg.AllowNetwork, tt.wantNet)
			}
			if cfg.AllowFilesystem != tt.wantFS {
				t.Errorf("AllowFilesystem = %v, want %v", cfg.AllowFilesystem, tt.wantFS)
			}
			if cfg.MemoryLimit != tt.wantMem {
				t.Errorf("MemoryLimit = %d, want %d", cfg.MemoryLimit, tt.wantMem)
			}
			if cfg.Timeout != tt.wantTime {
				t.Errorf("Timeout = %v, want %v", cfg.Timeout, tt.wantTime)
			}
			if cfg.InstructionLimit != tt.wantInst {
				t.Errorf("InstructionLimit = %d, want %d", cfg.InstructionLimit, tt.wantInst)
			}
			if len(cfg.AllowedDomains) == 0 {
				t.Error("AllowedDomains empty, want linked hosts")
			}
		})
	}
}

func TestCheckOutbound(t *testing.T) {
	granted := runtime.SandboxConfig{
		AllowNetwork:   true,
		AllowedDomains: []string{"api.example.com", "*.cdn.example.org"},
	}
	denied := runtime.SandboxConfig{}

	tests := []struct {
		name    string
		cfg     runtime.SandboxConfig
		rawURL  string
		wantErr error
	}{
		{"data uri always passes", denied, "data:image/png;base64,iVBOR", nil},
		{"relative passes", denied, "/assets/icon.svg", nil},
		{"localhost passes", denied, "http://localhost:8080/debug", nil},
		{"loopback ip passes", denied, "http://127.0.0.1/status", nil},
		{"ipv6 loopback passes", denied, "http://[::1]:9000/", nil},
		{"no grant blocks", denied, "https://api.example.com/v1", ErrNetworkNotGranted},
		{"allowed domain", granted, "https://api.example.com/v1/items", nil},
		{"allowed domain case-insensitive", granted, "https://API.Example.COM/v1", nil},
		{"wildcard subdomain", granted, "https://eu-west.cdn.example.org/a.js", nil},
		{"outside domains blocks", granted, "https://evil.example.net/x", ErrDomainNotAllowed},
		{"wildcard does not match apex", granted, "https://cdn.example.org/a.js", ErrDomainNotAllowed},
		{"empty reference", granted, "   ", ErrBadReference},
		{"unparseable reference", granted, "https://%zz", ErrBadReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkOutbound(tt.cfg, tt.rawURL)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("checkOutbound(%q) = %v, want %v", tt.rawURL, err, tt.wantErr)
			}
		})
	}
}

func TestCreateExecutionContext(t *testing.T) {
	m := NewManager(settings.NewStore())
	inst := testInstallation(manifest.PermissionNetwork)
	man := testManifest()

	ec, err := m.CreateExecutionContext(inst, man, nullHost{})
	if err != nil {
		t.Fatalf("CreateExecutionContext() error = %v", err)
	}
	defer m.DestroyExecutionContext(context.Background(), inst.ID)

	if ec.State() != runtime.StateInitializing {
		t.Errorf("state = %s, want initializing", ec.State())
	}
	if got, ok := m.Context(inst.ID); !ok || got != ec {
		t.Error("Context() did not return the created context")
	}
	if cfg, ok := m.Config(inst.ID); !ok || !cfg.AllowNetwork {
		t.Errorf("Config() = %+v (%v)", cfg, ok)
	}
	if ids := m.Installations(); len(ids) != 1 || ids[0] != inst.ID {
		t.Errorf("Installations() = %v", ids)
	}

	if _, err := m.CreateExecutionContext(inst, man, nullHost{}); !errors.Is(err, ErrContextExists) {
		t.Errorf("second create = %v, want ErrContextExists", err)
	}
}

func TestDestroyExecutionContext(t *testing.T) {
	store := settings.NewStore()
	m := NewManager(store)
	inst := testInstallation()
	man := testManifest()

	ec, err := m.CreateExecutionContext(inst, man, nullHost{})
	if err != nil {
		t.Fatal(err)
	}

	if !m.CachePut(inst.ID, "warm", 1) {
		t.Fatal("CachePut refused for live session")
	}
	if err := store.Set(inst.ID, "digest.hour", 8); err != nil {
		t.Fatal(err)
	}

	if err := m.DestroyExecutionContext(context.Background(), inst.ID); err != nil {
		t.Fatalf("DestroyExecutionContext() error = %v", err)
	}
	if ec.State() != runtime.StateStopped {
		t.Errorf("state = %s, want stopped", ec.State())
	}
	if _, ok := m.Context(inst.ID); ok {
		t.Error("context survived destroy")
	}
	if _, ok := m.CacheGet(inst.ID, "warm"); ok {
		t.Error("session cache survived destroy")
	}
	if _, ok := store.Get(inst.ID, "digest.hour"); ok {
		t.Error("settings namespace survived destroy")
	}

	// Unknown and repeated destroys are no-ops.
	if err := m.DestroyExecutionContext(context.Background(), inst.ID); err != nil {
		t.Errorf("repeat destroy error = %v", err)
	}
	if err := m.DestroyExecutionContext(context.Background(), "never-created"); err != nil {
		t.Errorf("unknown destroy error = %v", err)
	}
}

func TestManagerCheckOutboundRecordsBlocks(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(settings.NewStore(), WithBlockRecorder(rec))
	inst := testInstallation(manifest.PermissionNetwork)
	man := testManifest()

	if _, err := m.CreateExecutionContext(inst, man, nullHost{}); err != nil {
		t.Fatal(err)
	}
	defer m.DestroyExecutionContext(context.Background(), inst.ID)

	if err := m.CheckOutbound(inst.ID, "https://api.example.com/v1"); err != nil {
		t.Fatalf("allowed reference blocked: %v", err)
	}
	if err := m.CheckOutbound(inst.ID, "https://evil.example.net/x"); !errors.Is(err, ErrDomainNotAllowed) {
		t.Fatalf("CheckOutbound = %v, want ErrDomainNotAllowed", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.blocks) != 1 {
		t.Fatalf("recorded blocks = %d, want 1", len(rec.blocks))
	}
	b := rec.blocks[0]
	if b.installationID != inst.ID || b.host != "evil.example.net" {
		t.Errorf("block = %+v", b)
	}
}

func TestManagerCheckOutboundUnknownInstallation(t *testing.T) {
	m := NewManager(settings.NewStore())

	// No config means the deny-all default applies.
	if err := m.CheckOutbound("ghost", "https://api.example.com/v1"); !errors.Is(err, ErrNetworkNotGranted) {
		t.Errorf("CheckOutbound = %v, want ErrNetworkNotGranted", err)
	}
	if err := m.CheckOutbound("ghost", "http://localhost/health"); err != nil {
		t.Errorf("loopback for unknown installation blocked: %v", err)
	}
}

func TestSessionCacheIsolation(t *testing.T) {
	m := NewManager(settings.NewStore())
	man := testManifest()

	a := testInstallation()
	b := &manifest.Installation{ID: "inst-2", PluginID: "com.example.other", Version: "1.0.0"}
	if _, err := m.CreateExecutionContext(a, man, nullHost{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateExecutionContext(b, man, nullHost{}); err != nil {
		t.Fatal(err)
	}
	defer m.DestroyExecutionContext(context.Background(), a.ID)
	defer m.DestroyExecutionContext(context.Background(), b.ID)

	m.CachePut(a.ID, "k", "from-a")
	if _, ok := m.CacheGet(b.ID, "k"); ok {
		t.Error("cache leaked across installations")
	}
	if v, ok := m.CacheGet(a.ID, "k"); !ok || v != "from-a" {
		t.Errorf("CacheGet = %v (%v)", v, ok)
	}

	if m.CachePut("ghost", "k", 1) {
		t.Error("CachePut accepted for unknown installation")
	}
}

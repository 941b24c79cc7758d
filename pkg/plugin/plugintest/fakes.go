package plugintest

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

// Deps returns a complete, permissive dependency set backed by in-memory
// fakes. Suitable for exercising plugin logic without a host.
func Deps(name string) plugin.Dependencies {
	return plugin.Dependencies{
		Config:    MapConfig{},
		Logger:    zap.NewNop().Named(name),
		Services:  NewServices(),
		Scheduler: &FakeScheduler{},
		KV:        NewMemKV(),
		HTTP:      http.DefaultClient,
	}
}

// MapConfig is a flat map-backed plugin.Config for tests.
type MapConfig map[string]any

var _ plugin.Config = MapConfig{}

func (c MapConfig) Unmarshal(any) error { return nil }
func (c MapConfig) Get(key string) any  { return c[key] }
func (c MapConfig) GetString(key string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}
func (c MapConfig) GetInt(key string) int {
	if n, ok := c[key].(int); ok {
		return n
	}
	return 0
}
func (c MapConfig) GetBool(key string) bool {
	if b, ok := c[key].(bool); ok {
		return b
	}
	return false
}
func (c MapConfig) GetDuration(key string) time.Duration {
	if d, ok := c[key].(time.Duration); ok {
		return d
	}
	return 0
}
func (c MapConfig) IsSet(key string) bool {
	_, ok := c[key]
	return ok
}
func (c MapConfig) Sub(prefix string) plugin.Config {
	sub := MapConfig{}
	for k, v := range c {
		if rest, ok := strings.CutPrefix(k, prefix+"."); ok {
			sub[rest] = v
		}
	}
	return sub
}

// Services is an in-memory plugin.Services that records sent envelopes and
// delivers inter-plugin messages to registered handlers synchronously.
type Services struct {
	Node    plugin.NodeInfo
	Network plugin.NetworkStatus
	Plugins []plugin.PluginStatus

	mu       sync.Mutex
	sent     []plugin.Envelope
	handlers map[string]plugin.MessageHandler
}

var _ plugin.Services = (*Services)(nil)

// NewServices creates an empty fake service surface.
func NewServices() *Services {
	return &Services{
		Node:     plugin.NodeInfo{Name: "testnode", ID: "test", Version: "0.0.0", StartedAt: time.Now()},
		Network:  plugin.NetworkStatus{Connected: true, Kind: "fake"},
		handlers: make(map[string]plugin.MessageHandler),
	}
}

func (s *Services) Send(_ context.Context, env plugin.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

// Sent returns a copy of everything sent so far.
func (s *Services) Sent() []plugin.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plugin.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *Services) NodeInfo(context.Context) (plugin.NodeInfo, error) { return s.Node, nil }

func (s *Services) NetworkStatus(context.Context) (plugin.NetworkStatus, error) {
	return s.Network, nil
}

func (s *Services) ListPlugins(context.Context) ([]plugin.PluginStatus, error) {
	return s.Plugins, nil
}

func (s *Services) PluginStatus(_ context.Context, name string) (plugin.PluginStatus, error) {
	for _, st := range s.Plugins {
		if st.Name == name {
			return st, nil
		}
	}
	return plugin.PluginStatus{}, plugin.ErrPluginNotFound
}

func (s *Services) SendTo(ctx context.Context, target, msgType string, payload []byte) (*plugin.PluginMessage, error) {
	s.mu.Lock()
	fn, ok := s.handlers[target]
	s.mu.Unlock()
	if !ok {
		return nil, plugin.ErrPluginNotFound
	}
	return fn(ctx, plugin.PluginMessage{To: target, Type: msgType, Payload: payload})
}

func (s *Services) Broadcast(ctx context.Context, msgType string, payload []byte) []plugin.BroadcastResult {
	s.mu.Lock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	results := make([]plugin.BroadcastResult, 0, len(names))
	for _, name := range names {
		resp, err := s.SendTo(ctx, name, msgType, payload)
		results = append(results, plugin.BroadcastResult{Plugin: name, Response: resp, Err: err})
	}
	return results
}

func (s *Services) HandleMessages(fn plugin.MessageHandler) error {
	s.mu.Lock()
	s.handlers["self"] = fn
	s.mu.Unlock()
	return nil
}

// RegisterPeer installs a handler reachable via SendTo, simulating another
// plugin on the hub.
func (s *Services) RegisterPeer(name string, fn plugin.MessageHandler) {
	s.mu.Lock()
	s.handlers[name] = fn
	s.mu.Unlock()
}

// FakeScheduler records task registrations without running anything.
type FakeScheduler struct {
	mu    sync.Mutex
	specs []plugin.TaskSpec
	next  int
}

var _ plugin.Scheduler = (*FakeScheduler)(nil)

func (f *FakeScheduler) Register(_ context.Context, spec plugin.TaskSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.next++
	return spec.Name, nil
}

func (f *FakeScheduler) Cancel(context.Context, string) error { return nil }

// Registered returns a copy of every spec registered so far.
func (f *FakeScheduler) Registered() []plugin.TaskSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]plugin.TaskSpec, len(f.specs))
	copy(out, f.specs)
	return out
}

// MemKV is an in-memory plugin.KV.
type MemKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

var _ plugin.KV = (*MemKV)(nil)

// NewMemKV creates an empty in-memory KV store.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

func (kv *MemKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	return v, ok, nil
}

func (kv *MemKV) Put(_ context.Context, key string, value []byte) error {
	kv.mu.Lock()
	kv.data[key] = append([]byte(nil), value...)
	kv.mu.Unlock()
	return nil
}

func (kv *MemKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	delete(kv.data, key)
	kv.mu.Unlock()
	return nil
}

func (kv *MemKV) Keys(_ context.Context, prefix string) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var keys []string
	for k := range kv.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

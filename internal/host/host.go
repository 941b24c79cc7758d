package host

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/meshboard/meshboard/internal/config"
	"github.com/meshboard/meshboard/internal/event"
	"github.com/meshboard/meshboard/internal/manifest"
	"github.com/meshboard/meshboard/internal/permission"
	"github.com/meshboard/meshboard/internal/schedule"
	"github.com/meshboard/meshboard/internal/services"
	"github.com/meshboard/meshboard/internal/store"
	"github.com/meshboard/meshboard/internal/transport"
	"github.com/meshboard/meshboard/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guard: the host is the router's and hub's view of
// plugin state.
var _ services.StatusLister = (*Host)(nil)

// Factory constructs a fresh plugin value. The host calls it once at
// registration and again for every restart, so a crashed plugin never
// carries state into its next life.
type Factory func() plugin.Plugin

// Config controls plugin lifecycle timeouts and the health monitor.
type Config struct {
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	FailureWindow      time.Duration `mapstructure:"failure_window"`
	RestartBackoffBase time.Duration `mapstructure:"restart_backoff_base"`
	RestartBackoffCap  time.Duration `mapstructure:"restart_backoff_cap"`
	MaxRestarts        int           `mapstructure:"max_restarts"`
	InitTimeout        time.Duration `mapstructure:"init_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the host defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		FailureWindow:      2 * time.Minute,
		RestartBackoffBase: 5 * time.Second,
		RestartBackoffCap:  5 * time.Minute,
		MaxRestarts:        5,
		InitTimeout:        30 * time.Second,
		ShutdownTimeout:    10 * time.Second,
	}
}

// Options carries the host's constructed collaborators.
type Options struct {
	Config     Config
	Root       *config.ViperConfig
	Store      *store.Store
	Bus        *event.Bus
	Transport  transport.Transport
	Perms      *permission.Manager
	Node       plugin.NodeInfo
	HTTPClient *http.Client
	Scheduler  schedule.Config
	Router     services.RouterConfig
	IPCTimeout time.Duration
	Logger     *zap.Logger
}

// instance is one plugin's slot in the arena. All fields are guarded by
// Host.mu except impl during Init/Shutdown, which only the lifecycle path
// touches.
type instance struct {
	name     string
	manifest plugin.Manifest
	factory  Factory
	impl     plugin.Plugin

	state        State
	lastError    string
	faultCount   int // Cumulative, for status reporting
	restartCount int
	startedAt    time.Time
	disabled     bool // Operator switch, survives restarts

	faults     []time.Time // Sliding failure window
	restarting bool
}

// Host owns every plugin instance and drives the lifecycle state machine.
// It builds its own scheduler, command router, and messaging hub so their
// dispatch paths close over the host's lifecycle checks.
type Host struct {
	cfg    Config
	root   *config.ViperConfig
	st     *store.Store
	bus    *event.Bus
	tr     transport.Transport
	perms  *permission.Manager
	node   plugin.NodeInfo
	http   *http.Client
	logger *zap.Logger

	sched  *schedule.Scheduler
	router *services.Router
	hub    *services.Hub

	mu        sync.Mutex
	instances map[string]*instance
	order     []string // Dependency start order, set by Resolve

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// New wires a host from its collaborators. Call Register for each plugin,
// then Start.
func New(opts Options) *Host {
	def := DefaultConfig()
	if opts.Config.FailureThreshold <= 0 {
		opts.Config.FailureThreshold = def.FailureThreshold
	}
	if opts.Config.FailureWindow <= 0 {
		opts.Config.FailureWindow = def.FailureWindow
	}
	if opts.Config.RestartBackoffBase <= 0 {
		opts.Config.RestartBackoffBase = def.RestartBackoffBase
	}
	if opts.Config.RestartBackoffCap <= 0 {
		opts.Config.RestartBackoffCap = def.RestartBackoffCap
	}
	if opts.Config.MaxRestarts <= 0 {
		opts.Config.MaxRestarts = def.MaxRestarts
	}
	if opts.Config.InitTimeout <= 0 {
		opts.Config.InitTimeout = def.InitTimeout
	}
	if opts.Config.ShutdownTimeout <= 0 {
		opts.Config.ShutdownTimeout = def.ShutdownTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	h := &Host{
		cfg:       opts.Config,
		root:      opts.Root,
		st:        opts.Store,
		bus:       opts.Bus,
		tr:        opts.Transport,
		perms:     opts.Perms,
		node:      opts.Node,
		http:      opts.HTTPClient,
		logger:    opts.Logger,
		instances: make(map[string]*instance),
	}
	h.sched = schedule.NewScheduler(
		opts.Scheduler,
		schedule.NewStore(opts.Store.DB()),
		h.DispatchTask,
		opts.Bus,
		opts.Logger.Named("schedule"),
	)
	h.hub = services.NewHub(opts.IPCTimeout, opts.Bus, opts.Logger.Named("hub"))
	h.router = services.NewRouter(
		opts.Router,
		h.DispatchCommand,
		h.SendFor,
		opts.Bus,
		opts.Logger.Named("router"),
	)
	return h
}

// Scheduler exposes the task scheduler to the admin surface.
func (h *Host) Scheduler() *schedule.Scheduler { return h.sched }

// Router exposes the command router to the admin surface.
func (h *Host) Router() *services.Router { return h.router }

// Register adds a plugin to the arena in the Discovered state. The manifest
// must validate and the name must be unique.
func (h *Host) Register(f Factory) error {
	p := f()
	m := p.Manifest()
	if err := manifest.Validate(&m); err != nil {
		return fmt.Errorf("register plugin: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.instances[m.Name]; dup {
		return fmt.Errorf("plugin %q already registered", m.Name)
	}
	h.instances[m.Name] = &instance{
		name:     m.Name,
		manifest: m,
		factory:  f,
		impl:     p,
		state:    StateDiscovered,
	}
	return nil
}

// Resolve orders the arena by dependencies. Plugins with missing deps,
// unsatisfied version constraints, or cycle membership move to Failed and
// are returned as exclusions; the rest move to Resolved.
func (h *Host) Resolve() ([]manifest.Exclusion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	manifests := make([]plugin.Manifest, 0, len(h.instances))
	for _, inst := range h.instances {
		manifests = append(manifests, inst.manifest)
	}

	order, excluded, err := manifest.Resolve(manifests)
	if err != nil {
		return nil, err
	}

	h.order = h.order[:0]
	for _, m := range order {
		h.order = append(h.order, m.Name)
		h.transition(h.instances[m.Name], StateResolved, "dependencies resolved")
	}
	for _, ex := range excluded {
		inst := h.instances[ex.Name]
		inst.lastError = ex.Err.Error()
		h.transition(inst, StateFailed, ex.Err.Reason)
	}
	return excluded, nil
}

// Start resolves the arena, initializes plugins in dependency order, then
// restores and starts the scheduler and begins routing inbound traffic.
// One plugin failing to start never blocks the rest; its dependents are
// excluded.
func (h *Host) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	excluded, err := h.Resolve()
	if err != nil {
		return err
	}
	for _, ex := range excluded {
		h.logger.Warn("plugin excluded",
			zap.String("plugin", ex.Name),
			zap.String("reason", ex.Err.Reason),
			zap.String("detail", ex.Err.Error()),
		)
	}

	h.unsubs = append(h.unsubs,
		h.bus.Subscribe(event.TopicPluginFault, h.onFault),
		h.bus.Subscribe(event.TopicTaskDisabled, h.onTaskDisabled),
	)

	// Load persisted task definitions before plugin init so manifest task
	// registration can dedup against them.
	if err := h.sched.Restore(h.ctx); err != nil {
		return fmt.Errorf("restore scheduler: %w", err)
	}

	h.mu.Lock()
	order := make([]string, len(h.order))
	copy(order, h.order)
	h.mu.Unlock()

	for _, name := range order {
		h.mu.Lock()
		inst := h.instances[name]
		skip := inst.disabled || inst.state != StateResolved
		var failedDep string
		if !skip {
			for _, dep := range inst.manifest.Dependencies.Plugins {
				if d, ok := h.instances[dep.Name]; !ok || (d.state != StateRunning && !d.disabled) {
					// Disabled deps were an operator choice; a failed dep
					// cascades.
					if d != nil && d.disabled {
						continue
					}
					failedDep = dep.Name
					break
				}
			}
		}
		if failedDep != "" {
			inst.lastError = fmt.Sprintf("dependency %q is not running", failedDep)
			h.transition(inst, StateFailed, "dependency failed")
			skip = true
		}
		h.mu.Unlock()
		if skip {
			continue
		}

		if err := h.startInstance(h.ctx, inst); err != nil {
			h.logger.Error("plugin failed to start",
				zap.String("plugin", name), zap.Error(err))
		}
	}

	h.sched.Start(h.ctx)
	h.tr.OnMessage(h.router.HandleInbound)
	return nil
}

// Stop shuts the host down: stop routing, stop the scheduler, then shut
// plugins down in reverse dependency order.
func (h *Host) Stop(ctx context.Context) {
	if h.cancel != nil {
		h.cancel()
	}
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil

	h.router.Close()
	h.sched.Stop()

	h.mu.Lock()
	order := make([]string, len(h.order))
	copy(order, h.order)
	h.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		h.mu.Lock()
		inst := h.instances[order[i]]
		active := inst.state == StateRunning || inst.state == StateDegraded
		h.mu.Unlock()
		if active {
			h.stopInstance(ctx, inst, StateStopped, "shutdown")
		}
	}
	h.wg.Wait()
}

// startInstance runs Resolved/Stopped/Failed → Initializing → Running.
// Init failure lands in Failed with permissions cleared.
func (h *Host) startInstance(ctx context.Context, inst *instance) error {
	h.mu.Lock()
	if !canTransition(inst.state, StateInitializing) {
		state := inst.state
		h.mu.Unlock()
		return fmt.Errorf("plugin %q cannot initialize from state %q", inst.name, state)
	}
	h.transition(inst, StateInitializing, "")
	if inst.impl == nil {
		inst.impl = inst.factory()
	}
	impl := inst.impl
	h.mu.Unlock()

	h.perms.Grant(inst.name, inst.manifest.Permissions)

	initCtx, cancel := context.WithTimeout(ctx, h.cfg.InitTimeout)
	err := safeInit(initCtx, impl, h.buildDeps(inst.name))
	cancel()
	if err != nil {
		sctx, scancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
		if serr := safeShutdown(sctx, impl); serr != nil {
			h.logger.Warn("shutdown after failed init",
				zap.String("plugin", inst.name), zap.Error(serr))
		}
		scancel()
		h.perms.Clear(inst.name)

		h.mu.Lock()
		inst.impl = nil
		inst.lastError = err.Error()
		h.transition(inst, StateFailed, "init failed")
		h.mu.Unlock()
		return fmt.Errorf("init plugin %q: %w", inst.name, err)
	}

	h.registerManifestTasks(ctx, inst)
	for _, c := range inst.manifest.Commands {
		h.router.Bind(inst.name, c.Pattern, c.Priority)
	}

	h.mu.Lock()
	inst.startedAt = time.Now()
	inst.faults = nil
	inst.lastError = ""
	h.transition(inst, StateRunning, "")
	h.mu.Unlock()
	return nil
}

// registerManifestTasks registers the manifest's declared tasks, skipping
// names that already have a persisted definition so restarts do not
// duplicate them.
func (h *Host) registerManifestTasks(ctx context.Context, inst *instance) {
	existing := make(map[string]bool)
	for _, rec := range h.sched.Tasks() {
		if rec.Plugin == inst.name {
			existing[rec.Name] = true
		}
	}
	for _, t := range inst.manifest.Tasks {
		if existing[t.Name] {
			continue
		}
		spec := plugin.TaskSpec{
			Name:             t.Name,
			Cron:             t.Cron,
			Every:            t.Every,
			At:               t.At,
			Timeout:          t.Timeout,
			FailureThreshold: t.FailureThreshold,
		}
		if _, err := h.sched.Register(ctx, inst.name, spec); err != nil {
			h.logger.Warn("manifest task rejected",
				zap.String("plugin", inst.name),
				zap.String("task", t.Name),
				zap.Error(err),
			)
		}
	}
}

// stopInstance withdraws a plugin's bindings and handlers, shuts the
// implementation down, and clears its grants.
func (h *Host) stopInstance(ctx context.Context, inst *instance, to State, reason string) {
	h.router.Unbind(inst.name)
	h.hub.Unregister(inst.name)

	h.mu.Lock()
	impl := inst.impl
	inst.impl = nil
	h.mu.Unlock()

	if impl != nil {
		sctx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownTimeout)
		if err := safeShutdown(sctx, impl); err != nil {
			h.logger.Warn("plugin shutdown error",
				zap.String("plugin", inst.name), zap.Error(err))
		}
		cancel()
	}
	h.perms.Clear(inst.name)

	h.mu.Lock()
	h.transition(inst, to, reason)
	h.mu.Unlock()
}

// buildDeps assembles the capability-scoped dependency set for one plugin.
func (h *Host) buildDeps(name string) plugin.Dependencies {
	logger := h.logger.Named("plugin." + name)
	return plugin.Dependencies{
		Config:    h.root.Sub("plugins." + name),
		Logger:    logger,
		Services:  services.NewAccess(name, h.perms, h.tr, h.hub, h.node, h, logger),
		Scheduler: schedule.NewHandle(h.sched, h.perms, name),
		KV:        &kvHandle{owner: name, perms: h.perms, kv: h.st.NewPluginKV(name)},
		HTTP:      &httpHandle{owner: name, perms: h.perms, client: h.http},
	}
}

// DispatchCommand is the router's path into plugin code. Plugins outside
// Running decline, so the router falls through to the next binding.
func (h *Host) DispatchCommand(ctx context.Context, owner string, cmd plugin.Command) (reply *plugin.Reply, err error) {
	h.mu.Lock()
	inst, ok := h.instances[owner]
	var impl plugin.Plugin
	if ok && inst.state == StateRunning {
		impl = inst.impl
	}
	h.mu.Unlock()
	if impl == nil {
		return nil, plugin.ErrUnhandled
	}

	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fmt.Errorf("command handler panicked: %v", r)
		}
	}()
	return impl.HandleCommand(ctx, cmd)
}

// DispatchTask is the scheduler's path into plugin code. A firing against a
// plugin that is not Running counts as a task failure.
func (h *Host) DispatchTask(ctx context.Context, owner string, task plugin.Task) error {
	h.mu.Lock()
	inst, ok := h.instances[owner]
	var impl plugin.Plugin
	if ok && inst.state == StateRunning {
		impl = inst.impl
	}
	h.mu.Unlock()
	if impl == nil {
		return fmt.Errorf("plugin %q is not running", owner)
	}
	return impl.HandleTask(ctx, task)
}

// SendFor sends a command reply on a plugin's behalf, under its own
// send_messages grant.
func (h *Host) SendFor(ctx context.Context, owner string, env plugin.Envelope) error {
	access := services.NewAccess(owner, h.perms, h.tr, h.hub, h.node, h, h.logger)
	return access.Send(ctx, env)
}

// Enable clears the operator switch and starts the plugin if it is down.
// Enabling an already-running plugin is a no-op. The plugin's scheduled
// tasks are re-enabled.
func (h *Host) Enable(ctx context.Context, name string) error {
	h.mu.Lock()
	inst, ok := h.instances[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("enable %q: %w", name, plugin.ErrPluginNotFound)
	}
	inst.disabled = false
	needsStart := inst.state == StateStopped || inst.state == StateFailed
	h.mu.Unlock()

	if !needsStart {
		return nil
	}
	if err := h.startInstance(ctx, inst); err != nil {
		return err
	}
	for _, rec := range h.sched.Tasks() {
		if rec.Plugin == name && !rec.Enabled {
			if err := h.sched.Enable(ctx, rec.ID); err != nil {
				h.logger.Warn("re-enable task",
					zap.String("task_id", rec.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// Disable sets the operator switch, stops the plugin, and disables its
// scheduled tasks so they do not fire into a stopped plugin. Disabling an
// already-disabled plugin is a no-op.
func (h *Host) Disable(ctx context.Context, name string) error {
	h.mu.Lock()
	inst, ok := h.instances[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("disable %q: %w", name, plugin.ErrPluginNotFound)
	}
	if inst.disabled {
		h.mu.Unlock()
		return nil
	}
	inst.disabled = true
	active := inst.state == StateRunning || inst.state == StateDegraded
	h.mu.Unlock()

	for _, rec := range h.sched.Tasks() {
		if rec.Plugin == name && rec.Enabled {
			if err := h.sched.Disable(ctx, rec.ID); err != nil {
				h.logger.Warn("disable task",
					zap.String("task_id", rec.ID), zap.Error(err))
			}
		}
	}
	if active {
		h.stopInstance(ctx, inst, StateStopped, "disabled by operator")
	}
	return nil
}

// Reload restarts a plugin so it picks up fresh configuration. In-flight
// work finishes under the old instance during shutdown; new firings see the
// new one.
func (h *Host) Reload(ctx context.Context, name string) error {
	h.mu.Lock()
	inst, ok := h.instances[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("reload %q: %w", name, plugin.ErrPluginNotFound)
	}
	active := inst.state == StateRunning || inst.state == StateDegraded
	h.mu.Unlock()

	if active {
		h.stopInstance(ctx, inst, StateStopped, "reload")
	}
	return h.startInstance(ctx, inst)
}

// ListStatuses implements services.StatusLister, sorted by name.
func (h *Host) ListStatuses() []plugin.PluginStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]plugin.PluginStatus, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, statusLocked(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status implements services.StatusLister.
func (h *Host) Status(name string) (plugin.PluginStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[name]
	if !ok {
		return plugin.PluginStatus{}, false
	}
	return statusLocked(inst), true
}

func statusLocked(inst *instance) plugin.PluginStatus {
	return plugin.PluginStatus{
		Name:         inst.name,
		Version:      inst.manifest.Version,
		State:        string(inst.state),
		FailureCount: inst.faultCount,
		RestartCount: inst.restartCount,
		LastError:    inst.lastError,
		StartedAt:    inst.startedAt,
	}
}

// transition moves an instance between lifecycle states and announces the
// change on the bus. Caller holds h.mu. Illegal moves are refused.
func (h *Host) transition(inst *instance, to State, reason string) {
	if inst.state == to {
		return
	}
	if !canTransition(inst.state, to) {
		h.logger.Warn("refusing lifecycle transition",
			zap.String("plugin", inst.name),
			zap.String("from", string(inst.state)),
			zap.String("to", string(to)),
		)
		return
	}
	from := inst.state
	inst.state = to
	h.logger.Info("plugin state change",
		zap.String("plugin", inst.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	h.bus.PublishAsync(context.Background(), event.Event{
		Topic:  event.TopicPluginState,
		Source: "host",
		Payload: event.StateChange{
			Plugin: inst.name,
			From:   string(from),
			To:     string(to),
			Reason: reason,
		},
	})
}

func safeInit(ctx context.Context, p plugin.Plugin, deps plugin.Dependencies) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init panicked: %v", r)
		}
	}()
	return p.Init(ctx, deps)
}

func safeShutdown(ctx context.Context, p plugin.Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()
	return p.Shutdown(ctx)
}

package pluginmanager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/eventbus"
)

// defaultHTTP is the HTTPPort used when a Manager isn't handed one
// explicitly, backed directly by net/http.
type defaultHTTP struct{ client *http.Client }

func (d defaultHTTP) Do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*HTTPResponse, error) {
	const op = errors.Op("pluginmanager_http_do")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.E(op, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &HTTPResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// State is a plugin's lifecycle state, per spec section 3.
type State int

const (
	StateDiscovered State = iota
	StateLoading
	StateLoaded
	StateFailed
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// Record is the manager's view of one plugin unit, per spec section 3.
type Record struct {
	Name     string
	Version  string
	Manifest Manifest
	State    State
	Reason   string

	instance Plugin
	commands map[string]CommandSpec
	subIDs   []string
}

// ErrCommandConflict is returned by Load/Reload when a declared
// command collides with an existing binding, per spec section 4.4.
type ErrCommandConflict struct {
	Command, ExistingOwner string
}

func (e *ErrCommandConflict) Error() string {
	return fmt.Sprintf("command %q already owned by plugin %q", e.Command, e.ExistingOwner)
}

// ErrPluginLoadFailed wraps the reason a plugin failed to load.
type ErrPluginLoadFailed struct{ Reason string }

func (e *ErrPluginLoadFailed) Error() string { return e.Reason }

// ErrUnknownPlugin is returned when an operation names a plugin that
// was never discovered.
type ErrUnknownPlugin struct{ Name string }

func (e *ErrUnknownPlugin) Error() string { return fmt.Sprintf("plugin %q not discovered", e.Name) }

// Manager implements spec section 4.4: discover/load/unload/reload.
// It is an endure vertex: Init/Serve/Stop/Name/Weight. It has no
// Collects method: the event bus and the MCP client (as a ToolCaller)
// are passed to New.
type Manager struct {
	roots []string
	bus   *eventbus.Bus
	tools ToolCaller
	cfg   ConfigAccessor
	fs    FilesystemPort
	http  HTTPPort
	log   *zap.Logger

	mu       sync.RWMutex
	records  map[string]*Record
	bindings map[string]string // command name -> plugin name

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Manager over the given plugin search roots. A nil
// fs or http defaults to a standard-library-backed implementation, so
// existing callers that only care about BusPort/ToolCaller/
// ConfigAccessor keep working unchanged.
func New(roots []string, bus *eventbus.Bus, tools ToolCaller, cfg ConfigAccessor, fs FilesystemPort, httpPort HTTPPort, log *zap.Logger) *Manager {
	if fs == nil {
		fs = defaultFS{}
	}
	if httpPort == nil {
		httpPort = defaultHTTP{client: &http.Client{Timeout: 30 * time.Second}}
	}
	m := &Manager{
		roots:    roots,
		bus:      bus,
		tools:    tools,
		cfg:      cfg,
		fs:       fs,
		http:     httpPort,
		log:      log,
		records:  make(map[string]*Record),
		bindings: make(map[string]string),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Name implements the endure vertex contract.
func (m *Manager) Name() string { return "plugin_manager" }

// Weight implements the endure vertex contract; the manager starts
// after the event bus and MCP client it depends on.
func (m *Manager) Weight() uint { return 20 }

// Init implements the endure vertex contract.
func (m *Manager) Init() error { return nil }

// Serve implements the endure vertex contract: discovers and loads
// every plugin found under the configured roots, then starts watching
// them for changes.
func (m *Manager) Serve() chan error {
	errCh := make(chan error, 1)

	names, err := m.Discover()
	if err != nil {
		m.log.Warn("plugin discovery failed", zap.Error(err))
	}
	for _, name := range names {
		if _, loadErr := m.Load(name); loadErr != nil {
			m.log.Warn("initial plugin load failed", zap.String("plugin", name), zap.Error(loadErr))
		}
	}

	if err := m.startWatch(); err != nil {
		m.log.Warn("plugin root watch disabled", zap.Error(err))
	}

	return errCh
}

// Stop implements the endure vertex contract: unloads every loaded
// plugin in reverse-load order is approximated here by iterating the
// current record set, since Go maps don't preserve insertion order and
// spec section 5 only requires this ordering at the Kernel's overall
// shutdown sequencing, not within the manager itself.
func (m *Manager) Stop(_ context.Context) error {
	m.cancel()
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()

	m.mu.RLock()
	names := make([]string, 0, len(m.records))
	for name, rec := range m.records {
		if rec.State == StateLoaded {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		_ = m.Unload(name)
	}
	return nil
}

func (m *Manager) startWatch() error {
	const op = errors.Op("pluginmanager_watch")
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.E(op, err)
	}
	for _, root := range m.roots {
		if err := w.Add(root); err != nil {
			m.log.Debug("cannot watch plugin root", zap.String("root", root), zap.Error(err))
		}
	}
	m.watcher = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchLoop()
	}()
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.onPluginRootChanged()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("plugin watch error", zap.Error(err))
		}
	}
}

func (m *Manager) onPluginRootChanged() {
	names, err := m.Discover()
	if err != nil {
		m.log.Warn("rediscovery failed", zap.Error(err))
		return
	}
	for _, name := range names {
		m.mu.RLock()
		rec, exists := m.records[name]
		m.mu.RUnlock()

		if !exists {
			continue
		}
		switch rec.State {
		case StateLoaded:
			if _, err := m.Reload(name); err != nil {
				m.log.Warn("auto-reload failed", zap.String("plugin", name), zap.Error(err))
			}
		case StateDiscovered:
			if _, err := m.Load(name); err != nil {
				m.log.Warn("auto-load failed", zap.String("plugin", name), zap.Error(err))
			}
		}
	}
}

// Discover scans every configured root for plugin units and registers
// newly-seen ones as StateDiscovered, per spec section 4.4.
func (m *Manager) Discover() ([]string, error) {
	const op = errors.Op("pluginmanager_discover")

	var all []Manifest
	for _, root := range m.roots {
		manifests, err := scanRoot(m.fs, root)
		if err != nil {
			return nil, errors.E(op, err)
		}
		all = append(all, manifests...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(all))
	for _, man := range all {
		names = append(names, man.Name)
		if rec, exists := m.records[man.Name]; exists {
			rec.Manifest = man
			rec.Version = man.Version
			continue
		}
		m.records[man.Name] = &Record{Name: man.Name, Version: man.Version, Manifest: man, State: StateDiscovered}
	}
	return names, nil
}

// Load transitions discovered -> loading -> (loaded|failed), per spec
// section 4.4's load protocol.
func (m *Manager) Load(name string) (State, error) {
	const op = errors.Op("pluginmanager_load")

	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return StateFailed, errors.E(op, &ErrUnknownPlugin{Name: name})
	}
	rec.State = StateLoading
	manifest := rec.Manifest
	m.mu.Unlock()

	factory, ok := factories[manifest.EntryPoint]
	if !ok {
		return m.failLoad(rec, fmt.Sprintf("no factory registered for entry_point %q", manifest.EntryPoint))
	}

	instance := factory()
	services := newServices(m.bus, m.tools, m.cfg, m.fs, m.http, m.log.Named(name), name)

	if err := safeOnLoad(instance, services); err != nil {
		return m.failLoad(rec, err.Error())
	}

	return m.commit(rec, instance, services, manifest)
}

// commit registers a loaded instance's commands/subscriptions in one
// critical section, rejecting atomically on command collision, per
// spec section 4.4 step 3 and 4, and invariant #3 (command uniqueness).
func (m *Manager) commit(rec *Record, instance Plugin, services *Services, manifest Manifest) (State, error) {
	const op = errors.Op("pluginmanager_commit")

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range services.commands {
		if owner, exists := m.bindings[c.Name]; exists && owner != rec.Name {
			rec.State = StateFailed
			rec.Reason = (&ErrCommandConflict{Command: c.Name, ExistingOwner: owner}).Error()
			safeOnUnload(instance, m.log)
			return StateFailed, errors.E(op, &ErrCommandConflict{Command: c.Name, ExistingOwner: owner})
		}
	}

	cmdMap := make(map[string]CommandSpec, len(services.commands))
	for _, c := range services.commands {
		m.bindings[c.Name] = rec.Name
		cmdMap[c.Name] = c
	}

	subIDs := make([]string, 0, len(services.subs))
	for _, s := range services.subs {
		id := m.bus.Subscribe(s.EventType, rec.Name, s.Handler, s.Mode, s.Filter)
		subIDs = append(subIDs, id)
	}

	rec.instance = instance
	rec.commands = cmdMap
	rec.subIDs = subIDs
	rec.State = StateLoaded
	rec.Reason = ""
	rec.Version = manifest.Version

	commandNames := make([]string, 0, len(cmdMap))
	for name := range cmdMap {
		commandNames = append(commandNames, name)
	}

	go m.publish("PluginLoaded", PluginLoadedPayload{Name: rec.Name, Version: rec.Version, Commands: commandNames})

	return StateLoaded, nil
}

func (m *Manager) failLoad(rec *Record, reason string) (State, error) {
	m.mu.Lock()
	rec.State = StateFailed
	rec.Reason = reason
	m.mu.Unlock()
	return StateFailed, &ErrPluginLoadFailed{Reason: reason}
}

func safeOnLoad(instance Plugin, services *Services) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("on_load panicked: %v", r)
		}
	}()
	return instance.OnLoad(services)
}

// Unload transitions loaded -> unloading -> discovered, per spec
// section 4.4's unload protocol.
func (m *Manager) Unload(name string) error {
	const op = errors.Op("pluginmanager_unload")

	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok || rec.State != StateLoaded {
		m.mu.Unlock()
		return errors.E(op, &ErrUnknownPlugin{Name: name})
	}
	rec.State = StateUnloading
	instance := rec.instance
	m.mu.Unlock()

	m.bus.UnsubscribeOwner(name)
	safeOnUnload(instance, m.log)

	m.mu.Lock()
	for cmd, owner := range m.bindings {
		if owner == name {
			delete(m.bindings, cmd)
		}
	}
	rec.instance = nil
	rec.commands = nil
	rec.subIDs = nil
	rec.State = StateDiscovered
	m.mu.Unlock()

	go m.publish("PluginUnloaded", PluginUnloadedPayload{Name: name})
	return nil
}

func safeOnUnload(instance Plugin, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			// OnUnload failures are logged and never block removal,
			// per spec section 4.4.
			log.Warn("plugin on_unload panicked", zap.Any("panic", r))
		}
	}()
	if instance != nil {
		instance.OnUnload()
	}
}

// Reload performs hot reload with state transfer, per spec section
// 4.4's reload protocol and invariant #4 (reload atomicity).
func (m *Manager) Reload(name string) (State, error) {
	const op = errors.Op("pluginmanager_reload")

	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok || rec.State != StateLoaded {
		m.mu.Unlock()
		return StateFailed, errors.E(op, &ErrUnknownPlugin{Name: name})
	}
	oldInstance := rec.instance
	manifest := rec.Manifest
	oldSubIDs := rec.subIDs
	m.mu.Unlock()

	bag, err := oldInstance.ExportState()
	if err != nil {
		bag = nil
	}

	factory, ok := factories[manifest.EntryPoint]
	if !ok {
		return rec.State, errors.E(op, &ErrPluginLoadFailed{Reason: "no factory registered for entry_point"})
	}

	newInstance := factory()
	if err := newInstance.ImportState(bag); err != nil {
		return rec.State, errors.E(op, &ErrPluginLoadFailed{Reason: "import_state failed: " + err.Error()})
	}

	services := newServices(m.bus, m.tools, m.cfg, m.fs, m.http, m.log.Named(name), name)
	if err := safeOnLoad(newInstance, services); err != nil {
		// Old instance remains loaded; the new load failed, per spec.
		return rec.State, errors.E(op, &ErrPluginLoadFailed{Reason: err.Error()})
	}

	if _, err := m.swapReload(rec, oldInstance, newInstance, services, manifest, oldSubIDs); err != nil {
		return StateFailed, errors.E(op, err)
	}

	go m.publish("PluginReloaded", PluginReloadedPayload{Name: name, Version: rec.Version})
	return StateLoaded, nil
}

// swapReload performs the single critical-section swap spec section
// 4.4 requires: old bindings removed and new ones installed under one
// lock, so dispatch never observes zero or two handlers for a
// declared command (invariant #4).
func (m *Manager) swapReload(rec *Record, oldInstance, newInstance Plugin, services *Services, manifest Manifest, oldSubIDs []string) (State, error) {
	const op = errors.Op("pluginmanager_swap_reload")

	m.mu.Lock()

	for _, c := range services.commands {
		if owner, exists := m.bindings[c.Name]; exists && owner != rec.Name {
			m.mu.Unlock()
			safeOnUnload(newInstance, m.log)
			return StateLoaded, errors.E(op, &ErrCommandConflict{Command: c.Name, ExistingOwner: owner})
		}
	}

	for cmd, owner := range m.bindings {
		if owner == rec.Name {
			delete(m.bindings, cmd)
		}
	}
	cmdMap := make(map[string]CommandSpec, len(services.commands))
	for _, c := range services.commands {
		m.bindings[c.Name] = rec.Name
		cmdMap[c.Name] = c
	}

	rec.instance = newInstance
	rec.commands = cmdMap
	rec.Version = manifest.Version
	rec.State = StateLoaded
	m.mu.Unlock()

	for _, id := range oldSubIDs {
		m.bus.Unsubscribe(id)
	}
	subIDs := make([]string, 0, len(services.subs))
	for _, s := range services.subs {
		id := m.bus.Subscribe(s.EventType, rec.Name, s.Handler, s.Mode, s.Filter)
		subIDs = append(subIDs, id)
	}
	m.mu.Lock()
	rec.subIDs = subIDs
	m.mu.Unlock()

	safeOnUnload(oldInstance, m.log)

	return StateLoaded, nil
}

func (m *Manager) publish(eventType string, payload any) {
	if _, err := m.bus.Publish(m.ctx, eventType, payload, ""); err != nil {
		m.log.Warn("failed to publish plugin event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// List returns a snapshot of every known plugin record.
func (m *Manager) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// GetCommands returns the current command-name -> binding map, per
// spec section 4.4. The Kernel's command registry indexes this.
func (m *Manager) GetCommands() map[string]CommandSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CommandSpec, len(m.bindings))
	for cmd, owner := range m.bindings {
		if rec, ok := m.records[owner]; ok {
			if spec, ok := rec.commands[cmd]; ok {
				out[cmd] = spec
			}
		}
	}
	return out
}

// PluginLoadedPayload is the core PluginLoaded event payload.
type PluginLoadedPayload struct {
	Name, Version string
	Commands      []string
}

// PluginUnloadedPayload is the core PluginUnloaded event payload.
type PluginUnloadedPayload struct{ Name string }

// PluginReloadedPayload is the core PluginReloaded event payload.
type PluginReloadedPayload struct{ Name, Version string }

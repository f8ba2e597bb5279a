// Package manager implements the extension manager: it
// discovers extension manifests, runs preflight analysis, resolves the
// effective capability policy, acquires a region per extension, loads
// and activates the entry script, and retains the region handle until
// unload. Activation failures in one extension never affect others.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexus-runtime/extrt/internal/config"
	"github.com/nexus-runtime/extrt/internal/dispatch"
	"github.com/nexus-runtime/extrt/internal/engine"
	"github.com/nexus-runtime/extrt/internal/eventbus"
	"github.com/nexus-runtime/extrt/internal/hostcall"
	"github.com/nexus-runtime/extrt/internal/manifest"
	"github.com/nexus-runtime/extrt/internal/modules"
	"github.com/nexus-runtime/extrt/internal/observability"
	"github.com/nexus-runtime/extrt/internal/policy"
	"github.com/nexus-runtime/extrt/internal/preflight"
	"github.com/nexus-runtime/extrt/internal/region"
	"github.com/nexus-runtime/extrt/internal/scheduler"
	"github.com/nexus-runtime/extrt/internal/security"
	"github.com/nexus-runtime/extrt/internal/transpile"
	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

// manifestCacheTTL bounds how long a discovery pass may reuse a parsed
// manifest across rescans.
const manifestCacheTTL = 30 * time.Second

// Hosts bundles the out-of-scope collaborators every handler needs. All
// fields are required except Sink, which may be nil.
type Hosts struct {
	Session  hostiface.SessionHandle
	Tools    hostiface.ToolExecutor
	Http     hostiface.HttpClient
	Launcher hostiface.ProcessLauncher
	Sink     hostiface.EventSink
}

// Options configures a Manager.
type Options struct {
	Config  *config.Config
	Hosts   Hosts
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Ledger  *security.Ledger
}

// Manager owns every loaded extension and the shared subsystems between
// them: one capability policy, one event bus, one transpile cache. Each
// extension gets its own region, scheduler, and engine.
type Manager struct {
	cfg     *config.Config
	hosts   Hosts
	logger  *slog.Logger
	metrics *observability.Metrics
	ledger  *security.Ledger

	policy *policy.Policy
	bus    *eventbus.Bus
	cache  *transpile.Cache
	root   *region.Region

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	exts map[string]*Extension
}

// New builds a manager from opts. The capability policy is seeded from
// the configured base profile plus per-extension overrides; a per-ext
// profile override is expanded into that profile's rule list so the
// usual first-match-wins resolution applies unchanged.
func New(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("manager: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := policy.New(opts.Config.Profile)
	for id, override := range opts.Config.ExtensionOverrides {
		p.SetOverride(id, overrideRules(override))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     opts.Config,
		hosts:   opts.Hosts,
		logger:  logger.With("component", "manager"),
		metrics: opts.Metrics,
		ledger:  opts.Ledger,
		policy:  p,
		bus:     eventbus.New(opts.Hosts.Sink),
		cache:   transpile.New(transpile.StripTypeScript),
		root:    region.New(nil, opts.Config.Cleanup.Budget),
		ctx:     ctx,
		cancel:  cancel,
		exts:    make(map[string]*Extension),
	}
	return m, nil
}

// overrideRules expands a config.ExtensionOverride into an ordered
// policy rule list: explicit denies first, then explicit allows, then
// (if a per-extension profile is named) that profile's own rules.
func overrideRules(o config.ExtensionOverride) []policy.Rule {
	var rules []policy.Rule
	for _, pattern := range o.Deny {
		rules = append(rules, policy.Rule{Pattern: pattern, Decision: policy.Deny})
	}
	for _, pattern := range o.Allow {
		rules = append(rules, policy.Rule{Pattern: pattern, Decision: policy.Allow})
	}
	if o.Profile != "" {
		rules = append(rules, policy.ProfileRules(o.Profile)...)
	}
	return rules
}

// Bus exposes the shared event bus, letting the host publish lifecycle
// events (before_agent_start, on_message, ...) to subscribed extensions.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// Publish satisfies dispatch.EventPublisher: an extension-emitted custom
// event fans out through the shared bus. Handler failures are isolated
// and logged by the bus itself, so the emitting extension always sees
// success once the event has been delivered to the subscriber snapshot.
func (m *Manager) Publish(ctx context.Context, name string, payload json.RawMessage) error {
	m.bus.Publish(ctx, name, payload)
	return nil
}

// PublishLifecycle posts a well-known lifecycle event to every
// subscribed extension. Each subscriber's handler is a macrotask enqueue
// onto its own scheduler, so delivery order within an extension follows
// registration order and cross-extension execution stays isolated.
func (m *Manager) PublishLifecycle(ctx context.Context, event string, data json.RawMessage) {
	m.bus.Publish(ctx, event, data)
}

// LoadAll discovers extensions under every configured root and loads
// each one. Discovery is deterministic: roots are iterated in config
// order, manifests within a root sorted by id. A failure to load one
// extension is recorded on that extension only.
func (m *Manager) LoadAll(ctx context.Context) []*Extension {
	var loaded []*Extension
	for _, root := range m.cfg.ExtensionRoots {
		discoverer := manifest.NewDiscoverer(root, manifestCacheTTL)
		infos, errs := discoverer.DiscoverManifests()
		for _, err := range errs {
			m.logger.Warn("extension discovery error", "root", root, "error", err)
		}
		for _, info := range infos {
			loaded = append(loaded, m.Load(ctx, info))
		}
	}
	return loaded
}

// Load takes one discovered manifest through the activation pipeline:
// preflight, policy resolution, region acquisition, module prep, engine
// creation, entry-point evaluation. On any failure the extension is
// marked Failed with a structured cause and holds no region.
func (m *Manager) Load(ctx context.Context, info manifest.ManifestInfo) *Extension {
	ext := &Extension{
		ID:       info.Manifest.ID,
		Name:     info.Manifest.Name,
		Version:  info.Manifest.Version,
		Dir:      info.Dir,
		Manifest: info.Manifest,
		manager:  m,
		logger:   m.logger.With("extension_id", info.Manifest.ID),
		state:    StateDiscovered,
		calls:    hostcall.NewTable(),
		streams:  make(map[uint64]*streamEntry),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	m.mu.Lock()
	if _, exists := m.exts[ext.ID]; exists {
		m.mu.Unlock()
		ext.fail("manifest", fmt.Errorf("duplicate extension id %q", ext.ID))
		return ext
	}
	m.exts[ext.ID] = ext
	m.mu.Unlock()

	if err := m.activate(ctx, ext); err != nil {
		ext.logger.Error("extension activation failed", "error", err)
		m.ledgerAppend(security.Entry{
			ExtensionID: ext.ID,
			Severity:    security.SeverityCritical,
			Detail:      fmt.Sprintf("activation failed: %v", err),
		})
	}
	return ext
}

func (m *Manager) activate(ctx context.Context, ext *Extension) error {
	entryPath := filepath.Join(ext.Dir, ext.Manifest.Entry)
	raw, err := os.ReadFile(entryPath)
	if err != nil {
		ext.fail("manifest", fmt.Errorf("read entry %s: %w", entryPath, err))
		m.countLoadFailure("manifest")
		return err
	}
	source := string(raw)
	ext.Fingerprint = transpile.ContentHash(source)

	if strings.HasSuffix(ext.Manifest.Entry, ".ts") {
		source, err = m.cache.Get(source)
		if err != nil {
			ext.fail("manifest", fmt.Errorf("transpile entry: %w", err))
			m.countLoadFailure("manifest")
			return err
		}
	}

	// Preflight static analysis. Advisory mode records
	// the verdict; blocking mode gates activation on Fail.
	report := preflight.Analyze(ext.Manifest, source, nil)
	ext.Preflight = report
	if m.metrics != nil {
		m.metrics.PreflightVerdictCounter.WithLabelValues(string(report.Verdict)).Inc()
	}
	m.recordPreflight(ext, report)
	if report.Verdict == preflight.VerdictFail && m.cfg.Preflight == config.PreflightBlocking {
		err := fmt.Errorf("preflight verdict Fail with blocking gate")
		ext.fail("preflight", err)
		m.countLoadFailure("preflight")
		return err
	}
	ext.setState(StatePreflighted)

	// Region, scheduler, engine. The region is acquired fresh per load
	// and nested under the manager's root so a host-requested immediate
	// exit caps every extension's cleanup budget at once.
	ext.setState(StateLoading)
	ext.region = region.New(m.root, m.cfg.Cleanup.Budget)
	ext.sched = scheduler.New()
	eng, err := engine.Create(ext.region, ext.sched)
	if err != nil {
		ext.fail("engine", err)
		m.countLoadFailure("engine")
		return err
	}
	ext.engine = eng

	registry := modules.New(ext.Dir, builtinShimProvider())
	eng.InstallRequire(registry, ext.loadLocalModule)

	result, err := eng.EvaluateEntrypoint(source)
	if err != nil {
		modErr := eng.LastModuleError()
		var notFound *modules.NotFoundError
		if errors.As(modErr, &notFound) || errors.As(err, &notFound) {
			err = fmt.Errorf("MODULE_NOT_FOUND: %s", notFound.Specifier)
		}
		ext.fail("engine", err)
		m.countLoadFailure("engine")
		ext.region.Shutdown(0)
		return err
	}
	ext.result = result
	ext.dispatcher = m.buildDispatcher(ext)

	// Lifecycle hook wiring: one bus subscription per distinct event the
	// extension registered for; the engine fans out to every matching
	// hook when the macrotask is delivered.
	for _, event := range distinctHookEvents(result.Hooks) {
		event := event
		unsub := m.bus.Subscribe(ext.ID, event, ext.region, func(_ context.Context, payload json.RawMessage) error {
			ext.sched.Enqueue(scheduler.KindLifecycleEvent, engine.LifecyclePayload{Event: event, Data: payload})
			return nil
		})
		ext.unsubs = append(ext.unsubs, unsub)
	}

	ext.setState(StateActive)
	if m.metrics != nil {
		m.metrics.ActiveExtensions.Inc()
	}
	ext.logger.Info("extension activated",
		"tools", len(result.Tools),
		"commands", len(result.Commands),
		"hooks", len(result.Hooks))

	go ext.run()
	return nil
}

// buildDispatcher wires the per-extension handler set. The dispatcher is
// per extension because the Log handler carries the extension id and
// every policy resolution is scoped to it.
func (m *Manager) buildDispatcher(ext *Extension) *dispatch.Dispatcher {
	return dispatch.New(m.policy, m.hosts.Sink,
		&dispatch.ToolHandler{Executor: m.hosts.Tools},
		&dispatch.ExecHandler{Launcher: m.hosts.Launcher},
		&dispatch.HttpHandler{Client: m.hosts.Http},
		&dispatch.SessionHandler{Session: m.hosts.Session},
		&dispatch.UiHandler{},
		&dispatch.EventsHandler{Publisher: m},
		&dispatch.LogHandler{Logger: ext.logger, ExtensionID: ext.ID},
	)
}

// Get returns the extension with the given id, if known.
func (m *Manager) Get(id string) (*Extension, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.exts[id]
	return ext, ok
}

// List returns every known extension sorted by id.
func (m *Manager) List() []*Extension {
	m.mu.Lock()
	out := make([]*Extension, 0, len(m.exts))
	for _, ext := range m.exts {
		out = append(out, ext)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unload drains and closes one extension's region within budget
// (non-positive means the region's own cleanup budget) and releases its
// bus subscriptions. Safe to call on an extension that never activated.
func (m *Manager) Unload(id string, budget time.Duration) error {
	ext, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("manager: unknown extension %q", id)
	}
	m.unload(ext, budget)
	return nil
}

func (m *Manager) unload(ext *Extension, budget time.Duration) {
	if ext.State() != StateActive {
		return
	}
	ext.setState(StateDraining)
	m.bus.UnsubscribeExtension(ext.ID)
	for _, unsub := range ext.unsubs {
		unsub()
	}

	start := time.Now()
	report := ext.region.Shutdown(budget)

	// Give the driver a moment to deliver the cancellation outcomes the
	// drain just enqueued, then stop it. The driver only exits at an
	// empty-queue point, so queued sentinels are never dropped.
	ext.requestStop()
	select {
	case <-ext.stopped:
	case <-time.After(time.Second):
		ext.logger.Warn("driver did not stop at empty queue in time")
	}

	for _, leak := range report.Leaked {
		ext.logger.Warn("leaked handle at region close", "region_id", leak.RegionID, "kind", leak.Kind)
		if m.hosts.Sink != nil {
			m.hosts.Sink.Emit(m.ctx, "leaked_handle", map[string]any{
				"extension_id": ext.ID,
				"region_id":    leak.RegionID,
				"kind":         leak.Kind,
			})
		}
	}
	if m.metrics != nil {
		outcome := "complete"
		if len(report.Leaked) > 0 {
			outcome = "overrun"
			m.metrics.RegionCleanupOverruns.Inc()
		}
		m.metrics.RegionCleanupDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		m.metrics.ActiveExtensions.Dec()
	}
	ext.setState(StateUnloaded)
	ext.logger.Info("extension unloaded", "leaked", len(report.Leaked), "duration", report.Duration)
}

// Shutdown tears the whole runtime down: on_shutdown is published to
// every subscriber under one shared collective budget,
// then each extension's region is drained with whatever budget remains.
func (m *Manager) Shutdown(ctx context.Context, budget time.Duration) {
	if budget <= 0 {
		budget = m.cfg.Cleanup.ShutdownFan
	}
	deadline := time.Now().Add(budget)
	m.bus.PublishShutdown(ctx, nil, budget)

	for _, ext := range m.List() {
		remaining := time.Until(deadline)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		m.unload(ext, remaining)
	}
	m.cancel()
	m.root.Shutdown(time.Until(deadline))
}

func (m *Manager) countLoadFailure(reason string) {
	if m.metrics != nil {
		m.metrics.ExtensionLoadFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) recordPreflight(ext *Extension, report preflight.Report) {
	severity := security.SeverityInfo
	switch report.Verdict {
	case preflight.VerdictWarn:
		severity = security.SeverityWarn
	case preflight.VerdictFail:
		severity = security.SeverityCritical
	}
	detail := fmt.Sprintf("preflight verdict %s (%d findings)", report.Verdict, len(report.Findings))
	m.ledgerAppend(security.Entry{
		ExtensionID: ext.ID,
		Severity:    severity,
		RiskScore:   riskScore(report),
		Detail:      detail,
	})
}

// riskScore compresses a preflight report to a single 0-100 ordinal for
// the risk ledger: each warn finding costs 10, each fail finding 40.
func riskScore(report preflight.Report) int {
	score := 0
	for _, f := range report.Findings {
		switch f.Severity {
		case preflight.SeverityWarn:
			score += 10
		case preflight.SeverityFail:
			score += 40
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (m *Manager) ledgerAppend(e security.Entry) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.Append(e); err != nil {
		m.logger.Warn("risk ledger append failed", "error", err)
	}
}

func distinctHookEvents(hooks []engine.HookRegistration) []string {
	seen := make(map[string]struct{}, len(hooks))
	var out []string
	for _, h := range hooks {
		if _, ok := seen[h.Event]; ok {
			continue
		}
		seen[h.Event] = struct{}{}
		out = append(out, h.Event)
	}
	return out
}

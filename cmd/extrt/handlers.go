package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nexus-runtime/extrt/internal/config"
	"github.com/nexus-runtime/extrt/internal/launcher"
	"github.com/nexus-runtime/extrt/internal/manager"
	"github.com/nexus-runtime/extrt/internal/manifest"
	"github.com/nexus-runtime/extrt/internal/observability"
	"github.com/nexus-runtime/extrt/internal/preflight"
	"github.com/nexus-runtime/extrt/internal/security"
	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

func runRun(cmd *cobra.Command, configPath, workspaceRoot string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var ledger *security.Ledger
	if cfg.RiskLedgerPath != "" {
		ledger, err = security.OpenLedgerFile(cfg.RiskLedgerPath)
		if err != nil {
			return err
		}
		defer ledger.Close()
	}

	metrics := observability.NewMetrics()
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if serveErr := http.ListenAndServe(cfg.MetricsAddr, mux); serveErr != nil {
				slog.Error("metrics endpoint failed", "addr", cfg.MetricsAddr, "error", serveErr)
			}
		}()
	}

	absWorkspace, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	m, err := manager.New(manager.Options{
		Config:  cfg,
		Metrics: metrics,
		Ledger:  ledger,
		Hosts: manager.Hosts{
			Session:  newMemorySession(),
			Tools:    standaloneTools{},
			Http:     netHttpClient{client: &http.Client{Timeout: 60 * time.Second}},
			Launcher: launcher.NewLocal(absWorkspace),
			Sink:     slogSink{},
		},
	})
	if err != nil {
		return err
	}

	exts := m.LoadAll(cmd.Context())
	active := 0
	for _, ext := range exts {
		if ext.State() == manager.StateActive {
			active++
		} else {
			slog.Warn("extension not activated", "id", ext.ID, "state", ext.State().String(), "cause", ext.Cause())
		}
	}
	slog.Info("runtime started", "discovered", len(exts), "active", active)

	m.PublishLifecycle(cmd.Context(), "before_agent_start", nil)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutdown requested", "budget", cfg.Cleanup.ShutdownFan.String())
	m.Shutdown(context.Background(), cfg.Cleanup.ShutdownFan)
	return nil
}

func runList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-24s %-10s %-10s %s\n", "ID", "VERSION", "VERDICT", "ENTRY")
	for _, root := range cfg.ExtensionRoots {
		discoverer := manifest.NewDiscoverer(root, 0)
		infos, errs := discoverer.DiscoverManifests()
		for _, derr := range errs {
			slog.Warn("discovery error", "root", root, "error", derr)
		}
		for _, info := range infos {
			verdict := "-"
			if raw, rerr := os.ReadFile(filepath.Join(info.Dir, info.Manifest.Entry)); rerr == nil {
				report := preflight.Analyze(info.Manifest, string(raw), nil)
				verdict = string(report.Verdict)
			}
			fmt.Fprintf(out, "%-24s %-10s %-10s %s\n", info.Manifest.ID, info.Manifest.Version, verdict, info.Manifest.Entry)
		}
	}
	return nil
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config check failed: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config: ok (profile=%s, preflight=%s, roots=%d)\n", cfg.Profile, cfg.Preflight, len(cfg.ExtensionRoots))

	if cfg.RiskLedgerPath == "" {
		fmt.Fprintln(out, "risk ledger: disabled")
		return nil
	}
	f, err := os.Open(cfg.RiskLedgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(out, "risk ledger: empty (no file yet)")
			return nil
		}
		return err
	}
	defer f.Close()

	entries, err := security.ReadEntries(f)
	if err != nil {
		return err
	}
	summary := security.Summarize(entries)
	fmt.Fprintf(out, "risk ledger: %d entries (critical=%d warn=%d info=%d)\n",
		len(entries), summary.Critical, summary.Warn, summary.Info)
	return nil
}

// slogSink forwards runtime telemetry events to the process logger.
type slogSink struct{}

func (slogSink) Emit(ctx context.Context, name string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	slog.InfoContext(ctx, name, args...)
}

// netHttpClient adapts net/http to the hostiface.HttpClient seam.
type netHttpClient struct {
	client *http.Client
}

func (c netHttpClient) Do(ctx context.Context, req hostiface.HttpRequest) (*hostiface.HttpResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &hostiface.HttpResponse{Status: resp.StatusCode, Headers: headers, Body: resp.Body}, nil
}

// standaloneTools is the ToolExecutor used when extrt runs outside a
// host application: the built-in names are known but execution is
// refused, since tool bodies live in the host, not the runtime core.
type standaloneTools struct{}

func (standaloneTools) Execute(ctx context.Context, name string, input json.RawMessage) (*hostiface.ToolResult, error) {
	return &hostiface.ToolResult{
		Content: fmt.Sprintf("tool %q is unavailable in standalone mode", name),
		IsError: true,
	}, nil
}

func (standaloneTools) KnownTools() []string {
	return []string{"read", "write", "edit", "bash", "grep", "find", "ls"}
}

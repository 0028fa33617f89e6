package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/jenga/internal/sandbox"
	"github.com/jkaninda/jenga/internal/workspace"
)

const (
	defaultInstallCommand = "pnpm install --no-frozen-lockfile"
	defaultRebuildCommand = "pnpm rebuild"
	defaultServeCommand   = "pnpm dev"
	defaultPort           = 3000
	defaultInstallTimeout = 600 * time.Second
	defaultMaxFileSize    = 10 << 20 // 10 MB

	archDetectTimeout = 30 * time.Second
	fallbackArch      = "arm64"
)

// Config configures the dispatcher's project-level commands.
// Zero values select the pnpm defaults.
type Config struct {
	InstallCommand string
	RebuildCommand string
	ServeCommand   string
	DefaultPort    int
	InstallTimeout time.Duration
	MaxFileSize    int64
}

func (c Config) withDefaults() Config {
	if c.InstallCommand == "" {
		c.InstallCommand = defaultInstallCommand
	}
	if c.RebuildCommand == "" {
		c.RebuildCommand = defaultRebuildCommand
	}
	if c.ServeCommand == "" {
		c.ServeCommand = defaultServeCommand
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = defaultPort
	}
	if c.InstallTimeout == 0 {
		c.InstallTimeout = defaultInstallTimeout
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	return c
}

// Dispatcher executes tool calls against the workspace and sandbox.
//
// Every call produces a Result, never a Go error: malformed input, missing
// files and failed commands are all observations the model should see.
// Every call is also appended to the action log; a logging failure never
// fails the call itself.
type Dispatcher struct {
	ws     *workspace.Workspace
	exec   sandbox.Executor
	procs  *sandbox.Manager
	log    *ActionLog
	logger *slog.Logger
	cfg    Config
}

// NewDispatcher wires the fixed operation set to a workspace and sandbox.
// log may be nil, which disables action logging.
func NewDispatcher(ws *workspace.Workspace, exec sandbox.Executor, procs *sandbox.Manager, log *ActionLog, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ws:     ws,
		exec:   exec,
		procs:  procs,
		log:    log,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Processes exposes the background process manager so episode owners can
// guarantee termination of anything start_server spawned.
func (d *Dispatcher) Processes() *sandbox.Manager {
	return d.procs
}

// Dispatch runs one tool call and returns its structured result.
func (d *Dispatcher) Dispatch(ctx context.Context, step int, call Call) *Result {
	var res *Result
	switch Name(call.Name) {
	case WriteFile:
		res = d.writeFile(call.Input)
	case ReadFile:
		res = d.readFile(call.Input)
	case RunCommand:
		res = d.runCommand(ctx, call.Input)
	case InstallDeps:
		res = d.installDeps(ctx)
	case StartServer:
		res = d.startServer(call.Input)
	case FinishTask:
		res = d.finishTask(call.Input)
	default:
		res = Fail("unknown tool %q, available tools: %s", call.Name, NameList())
	}

	d.log.Action(step, call.Name, summarize(res))
	d.logger.InfoContext(ctx, "tool dispatched",
		slog.Int("step", step),
		slog.String("tool", call.Name),
		slog.Bool("success", res.Success),
	)
	return res
}

// --- write_file ---

func (d *Dispatcher) writeFile(params map[string]any) *Result {
	path, err := requireString(params, "path")
	if err != nil {
		return Fail("%v", err)
	}
	content, err := requireText(params, "content")
	if err != nil {
		return Fail("%v", err)
	}

	resolved, err := d.ws.Confine(path)
	if err != nil {
		return Fail("%v", err)
	}

	if _, err := d.ws.EnsureDir(filepath.Dir(resolved)); err != nil {
		return Fail("creating parent directories: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0640); err != nil {
		return Fail("writing file: %v", err)
	}

	rel := displayPath(d.ws.Root, resolved)
	return &Result{
		Success:  true,
		Output:   fmt.Sprintf("wrote %d bytes to %s", len(content), rel),
		Metadata: map[string]any{"bytes": len(content), "path": rel},
	}
}

// --- read_file ---

func (d *Dispatcher) readFile(params map[string]any) *Result {
	path, err := requireString(params, "path")
	if err != nil {
		return Fail("%v", err)
	}

	resolved, err := d.ws.Confine(path)
	if err != nil {
		return Fail("%v", err)
	}

	info, err := os.Stat(resolved)
	if os.IsNotExist(err) {
		return Fail("file not found: %s", path)
	}
	if err != nil {
		return Fail("stat %s: %v", path, err)
	}
	if info.IsDir() {
		return Fail("%s is a directory", path)
	}
	if info.Size() > d.cfg.MaxFileSize {
		return Fail("file %s is %d bytes, exceeds the %d byte limit", path, info.Size(), d.cfg.MaxFileSize)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Fail("reading %s: %v", path, err)
	}
	if !utf8.Valid(data) {
		return Fail("file %s is not valid UTF-8 text", path)
	}

	return &Result{
		Success:  true,
		Output:   string(data),
		Metadata: map[string]any{"bytes": len(data)},
	}
}

// --- run_command ---

func (d *Dispatcher) runCommand(ctx context.Context, params map[string]any) *Result {
	command, err := requireString(params, "command")
	if err != nil {
		return Fail("%v", err)
	}

	req := sandbox.Request{
		Command: command,
		Dir:     optionalString(params, "cwd"),
		Timeout: optionalSeconds(params, "timeout"),
	}

	res, err := d.exec.Execute(ctx, req)
	if err != nil {
		return Fail("%v", err)
	}
	d.log.Command(command, res)

	return commandResult(res)
}

// --- install_deps ---

// installDeps reproduces a clean dependency install: stale lockfiles and
// node_modules are deleted, the target architecture is detected through the
// project's node runtime rather than assumed from the host, and native
// modules are rebuilt afterwards as a safety net. A rebuild failure does not
// fail the install; it is surfaced through rebuild_ok and a warning.
func (d *Dispatcher) installDeps(ctx context.Context) *Result {
	for _, name := range []string{"pnpm-lock.yaml", "package-lock.json"} {
		if err := os.Remove(filepath.Join(d.ws.Root, name)); err != nil && !os.IsNotExist(err) {
			return Fail("removing %s: %v", name, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(d.ws.Root, "node_modules")); err != nil {
		return Fail("removing node_modules: %v", err)
	}

	arch := d.detectArch(ctx)
	platform := "linux"
	if runtime.GOOS == "darwin" {
		platform = "darwin"
	}
	env := map[string]string{
		"CI":                  "false",
		"npm_config_arch":     arch,
		"npm_config_platform": platform,
	}

	install, err := d.exec.Execute(ctx, sandbox.Request{
		Command: d.cfg.InstallCommand,
		Env:     env,
		Timeout: d.cfg.InstallTimeout,
	})
	if err != nil {
		return Fail("%v", err)
	}
	d.log.Command(d.cfg.InstallCommand, install)

	if !install.Success {
		res := commandResult(install)
		res.Metadata["arch"] = arch
		res.Metadata["platform"] = platform
		return res
	}

	rebuild, err := d.exec.Execute(ctx, sandbox.Request{
		Command: d.cfg.RebuildCommand,
		Env:     env,
		Timeout: d.cfg.InstallTimeout,
	})
	rebuildOK := err == nil && rebuild.Success
	if err == nil {
		d.log.Command(d.cfg.RebuildCommand, rebuild)
	}
	if !rebuildOK {
		d.logger.Warn("native module rebuild failed, continuing",
			slog.String("command", d.cfg.RebuildCommand),
		)
	}

	return &Result{
		Success: true,
		Output:  TruncateOutput(combineOutput(install), MaxOutputBytes),
		Metadata: map[string]any{
			"arch":       arch,
			"platform":   platform,
			"rebuild_ok": rebuildOK,
		},
	}
}

// detectArch asks the project's node runtime for its architecture so
// cross-arch setups (e.g. x86 shell on ARM) install the right native
// binaries. Detection failure falls back to arm64.
func (d *Dispatcher) detectArch(ctx context.Context) string {
	res, err := d.exec.Execute(ctx, sandbox.Request{
		Command: `node -p "process.arch"`,
		Timeout: archDetectTimeout,
	})
	if err != nil || !res.Success {
		return fallbackArch
	}
	arch := strings.TrimSpace(res.Stdout)
	if arch == "" {
		return fallbackArch
	}
	return arch
}

// --- start_server ---

func (d *Dispatcher) startServer(params map[string]any) *Result {
	port := optionalInt(params, "port", d.cfg.DefaultPort)

	proc, err := d.procs.Spawn(d.cfg.ServeCommand, "", port)
	if err != nil {
		return Fail("%v", err)
	}

	return &Result{
		Success: true,
		Output:  fmt.Sprintf("started %q (pid %d) on port %d", d.cfg.ServeCommand, proc.PID, port),
		Metadata: map[string]any{
			"pgid":    proc.PGID,
			"port":    port,
			"command": d.cfg.ServeCommand,
		},
	}
}

// --- finish_task ---

func (d *Dispatcher) finishTask(params map[string]any) *Result {
	summary, err := requireString(params, "summary")
	if err != nil {
		return Fail("%v", err)
	}
	return &Result{Success: true, Output: summary}
}

// --- helpers ---

// commandResult converts a sandbox result into a tool result.
// Non-zero exits keep their output so the model can react to them.
func commandResult(res *sandbox.Result) *Result {
	return &Result{
		Success: res.Success,
		Output:  TruncateOutput(combineOutput(res), MaxOutputBytes),
		Error:   res.Error,
		Metadata: map[string]any{
			"exit_code": res.ExitCode,
			"timed_out": res.TimedOut,
		},
	}
}

func combineOutput(res *sandbox.Result) string {
	if res.Stderr == "" {
		return res.Stdout
	}
	if res.Stdout == "" {
		return res.Stderr
	}
	return res.Stdout + "\n" + res.Stderr
}

func optionalSeconds(params map[string]any, key string) time.Duration {
	if v, ok := params[key].(float64); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return 0
}

func displayPath(root, resolved string) string {
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return resolved
	}
	return rel
}

func summarize(res *Result) string {
	if res.Success {
		if res.Output == "" {
			return "ok"
		}
		return TruncateOutput(firstLine(res.Output), 200)
	}
	return "failed: " + TruncateOutput(res.Error, 200)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

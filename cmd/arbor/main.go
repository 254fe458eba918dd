package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/vanderheijden86/arbor/internal/datasource"
	"github.com/vanderheijden86/arbor/pkg/config"
	"github.com/vanderheijden86/arbor/pkg/debug"
	"github.com/vanderheijden86/arbor/pkg/metrics"
	"github.com/vanderheijden86/arbor/pkg/ui"
	"github.com/vanderheijden86/arbor/pkg/version"
	"github.com/vanderheijden86/arbor/pkg/watcher"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the exit code, so deferred cleanup such
// as stopping the CPU profile happens on every path.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("arbor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dirFlag := fs.String("dir", "", "Browse a directory tree")
	sqliteFlag := fs.String("sqlite", "", "Browse the nodes table of a SQLite database")
	configFlag := fs.String("config", "", "Config file (default: XDG config dir)")
	noWatch := fs.Bool("no-watch", false, "Do not refresh directories when they change")
	dumpFlag := fs.Bool("dump", false, "Print the visible tree and exit")
	metricsFlag := fs.Bool("metrics", false, "Print timing metrics on exit")
	cpuProfile := fs.String("cpu-profile", "", "Write CPU profile to file")
	help := fs.Bool("help", false, "Show help")
	versionFlag := fs.Bool("version", false, "Show version")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	// CPU profiling support
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(stderr, "Could not create CPU profile: %v\n", err)
			return 1
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(stderr, "Could not start CPU profile: %v\n", err)
			return 1
		}
		defer pprof.StopCPUProfile()
	}

	if *help {
		fmt.Fprintln(stdout, "Usage: arbor [options] [path]")
		fmt.Fprintln(stdout, "\nBrowse a directory tree or a SQLite hierarchy in the terminal.")
		fs.SetOutput(stdout)
		fs.PrintDefaults()
		return 0
	}

	if *versionFlag {
		fmt.Fprintf(stdout, "arbor %s\n", version.Version)
		return 0
	}

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		// Non-fatal: continue with defaults
		log.Printf("warning: %v", err)
	}
	if cfg.Debug {
		debug.SetEnabled(true)
	}

	target, err := resolveTarget(*dirFlag, *sqliteFlag, fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	src, err := openSource(target, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening %s: %v\n", target.path, err)
		return 1
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsFlag {
		defer printMetrics(stderr)
	}

	if *dumpFlag || !isTerminal(stdout) {
		if err := dump(ctx, stdout, src, cfg); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if debug.Enabled() {
		if f, err := openDebugLog(); err == nil {
			defer f.Close()
			debug.SetOutput(f)
		}
	}

	var w *watcher.Watcher
	if cfg.Watch.Enabled && !*noWatch && src.Type() == datasource.SourceTypeDir {
		w, err = newWatcher(src.Root(), cfg)
		if err != nil {
			log.Printf("warning: live refresh disabled: %v", err)
			w = nil
		} else {
			defer w.Stop()
		}
	}

	key := stateKey(src, target)
	m := ui.NewModel(ctx, src, ui.Options{
		Config:    cfg,
		StatePath: ui.ViewStatePath(config.StateDir(), key),
		StateKey:  key,
		Watcher:   w,
	})
	defer m.Close()

	if err := runTUIProgram(m); err != nil {
		fmt.Fprintf(stderr, "Error running arbor: %v\n", err)
		return 1
	}
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// target is the source selected on the command line.
type target struct {
	path string
	typ  datasource.SourceType
}

// resolveTarget picks the source from --dir, --sqlite or a positional path,
// defaulting to the current directory.
func resolveTarget(dir, sqlite string, args []string) (target, error) {
	set := 0
	for _, v := range []string{dir, sqlite} {
		if v != "" {
			set++
		}
	}
	if len(args) > 0 {
		set++
	}
	if set > 1 {
		return target{}, errors.New("--dir, --sqlite and a path argument are mutually exclusive")
	}
	if len(args) > 1 {
		return target{}, fmt.Errorf("expected one path, got %d", len(args))
	}

	switch {
	case dir != "":
		return target{path: dir, typ: datasource.SourceTypeDir}, nil
	case sqlite != "":
		return target{path: sqlite, typ: datasource.SourceTypeSQLite}, nil
	case len(args) == 1:
		typ, err := datasource.Detect(args[0])
		if err != nil {
			return target{}, err
		}
		return target{path: args[0], typ: typ}, nil
	default:
		return target{path: ".", typ: datasource.SourceTypeDir}, nil
	}
}

func openSource(t target, cfg config.Config) (datasource.Source, error) {
	switch t.typ {
	case datasource.SourceTypeDir:
		return datasource.NewDirSource(t.path, datasource.DirOptions{
			ShowHidden:        cfg.Tree.ShowHidden,
			DirsFirst:         cfg.Tree.DirsFirst,
			CollapseByDefault: cfg.Tree.CollapseByDefault,
		})
	case datasource.SourceTypeSQLite:
		return datasource.OpenSQLite(t.path)
	default:
		return nil, fmt.Errorf("%s: %w", t.path, datasource.ErrUnknownSource)
	}
}

// stateKey identifies the view state of a source across runs.
func stateKey(src datasource.Source, t target) string {
	if src.Type() == datasource.SourceTypeDir {
		return string(src.Type()) + ":" + src.Root()
	}
	abs, err := filepath.Abs(t.path)
	if err != nil {
		abs = t.path
	}
	return string(src.Type()) + ":" + abs
}

// dump loads the tree as the explorer would and prints the visible rows.
func dump(ctx context.Context, w io.Writer, src datasource.Source, cfg config.Config) error {
	m := ui.NewModel(ctx, src, ui.Options{Config: cfg})
	defer m.Close()
	if err := m.Load(ctx); err != nil {
		return err
	}
	_, err := io.WriteString(w, strings.Join(m.Lines(), "\n")+"\n")
	return err
}

func newWatcher(root string, cfg config.Config) (*watcher.Watcher, error) {
	w, err := watcher.NewWatcher([]string{root},
		watcher.WithDebounceDuration(cfg.Watch.Debounce),
		watcher.WithPollInterval(cfg.Watch.PollInterval),
		watcher.WithForcePoll(cfg.Watch.ForcePoll),
		watcher.WithOnError(func(err error) {
			debug.Log("watcher: %v", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

func openDebugLog() (*os.File, error) {
	dir := config.StateDir()
	if dir == "" {
		return nil, errors.New("no state directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func printMetrics(w io.Writer) {
	for _, s := range metrics.AllTimingStats() {
		fmt.Fprintf(w, "%-16s count=%-6d avg=%.3fms max=%.3fms\n", s.Name, s.Count, s.AvgMs, s.MaxMs)
	}
	for _, c := range metrics.AllCounterMetrics() {
		fmt.Fprintf(w, "%-16s %d\n", c.Name(), c.Value())
	}
}

func runTUIProgram(m ui.Model) error {
	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithoutSignalHandler(),
	)

	runDone := make(chan struct{})
	defer close(runDone)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-runDone:
			return
		case <-sigCh:
		}

		p.Quit()

		select {
		case <-runDone:
			return
		case <-sigCh:
		case <-time.After(5 * time.Second):
		}

		p.Kill()
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, tea.ErrInterrupted) {
		return nil
	}
	return err
}

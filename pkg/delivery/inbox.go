package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/policy"
	"github.com/vireflow/vire/pkg/telemetry"
	"github.com/vireflow/vire/pkg/wiring"
)

const (
	// Source names the inbox in events and spans.
	Source = "inbox"

	// Extension marks the files the inbox picks up.
	Extension = ".blob"

	// DefaultDebounce is the quiet period after the last write to a file
	// before it is picked up.
	DefaultDebounce = 200 * time.Millisecond

	processedDir = "processed"
	failedDir    = "failed"
)

// Delivery results, as recorded in metrics and outcomes.
const (
	ResultInstalled  = "installed"
	ResultFailed     = "failed"
	ResultDenied     = "denied"
	ResultMalformed  = "malformed"
	ResultUnreadable = "unreadable"
)

// Installer hands a blob to the engine. *engine.Engine satisfies it.
type Installer interface {
	Deliver(ctx context.Context, blob []byte) (*engine.InstallResult, error)
}

// Admitter decides whether a decoded graph may be installed.
// *policy.Engine satisfies it.
type Admitter interface {
	Admit(ctx context.Context, in *policy.Input) (*policy.Decision, error)
}

// Config configures an Inbox.
type Config struct {
	// Dir is watched for *.blob files. Handled files move to Dir/processed
	// or Dir/failed.
	Dir string

	// Debounce is the quiet period after the last write to a file.
	Debounce time.Duration

	// Names resolves template names for admission input. Optional.
	Names func(wiring.TemplateID) string
}

// Outcome describes one handled file.
type Outcome struct {
	File     string
	Result   string
	Install  *engine.InstallResult
	Decision *policy.Decision
	Err      error
}

// Inbox watches a directory and installs every blob dropped into it, one at
// a time and in arrival order.
type Inbox struct {
	cfg       Config
	installer Installer
	admitter  Admitter
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	queue   chan string
	queued  map[string]bool
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithAdmitter checks every decoded graph against a before installing it.
func WithAdmitter(a Admitter) Option {
	return func(i *Inbox) {
		i.admitter = a
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Inbox) {
		i.logger = logger
	}
}

// NewInbox creates an inbox for dir that installs through installer.
func NewInbox(cfg Config, installer Installer, opts ...Option) (*Inbox, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if installer == nil {
		return nil, errors.New("inbox needs an installer")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	i := &Inbox{
		cfg:       cfg,
		installer: installer,
		logger:    zerolog.Nop(),
		pending:   make(map[string]*time.Timer),
		queue:     make(chan string, 64),
		queued:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With().Str("component", "inbox").Str("dir", cfg.Dir).Logger()
	return i, nil
}

// Run watches the inbox until ctx is cancelled. Files already present are
// handled first, in name order.
func (i *Inbox) Run(ctx context.Context) error {
	for _, dir := range []string{i.cfg.Dir, i.dir(processedDir), i.dir(failedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(i.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", i.cfg.Dir, err)
	}

	existing, err := i.scan()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i.work(ctx)
	}()
	defer wg.Wait()
	defer cancel()
	defer i.stopTimers()

	for _, path := range existing {
		i.enqueue(ctx, path)
	}

	i.logger.Info().Int("existing", len(existing)).Msg("Inbox watching")

	for {
		select {
		case <-ctx.Done():
			i.logger.Info().Msg("Inbox stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !accepts(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			i.debounce(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (i *Inbox) scan() ([]string, error) {
	entries, err := os.ReadDir(i.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && accepts(e.Name()) {
			paths = append(paths, filepath.Join(i.cfg.Dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// accepts reports whether name is a blob the inbox should pick up. Hidden
// files are skipped so writers can stage under a dot name and rename.
func accepts(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, Extension) && !strings.HasPrefix(base, ".")
}

// debounce restarts the quiet-period timer for path.
func (i *Inbox) debounce(ctx context.Context, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if t, ok := i.pending[path]; ok {
		t.Stop()
	}
	i.pending[path] = time.AfterFunc(i.cfg.Debounce, func() {
		i.mu.Lock()
		delete(i.pending, path)
		i.mu.Unlock()
		i.enqueue(ctx, path)
	})
}

func (i *Inbox) stopTimers() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for path, t := range i.pending {
		t.Stop()
		delete(i.pending, path)
	}
}

// enqueue queues path once; a path already waiting is not queued twice.
func (i *Inbox) enqueue(ctx context.Context, path string) {
	i.mu.Lock()
	if i.queued[path] {
		i.mu.Unlock()
		return
	}
	i.queued[path] = true
	i.mu.Unlock()

	select {
	case i.queue <- path:
	case <-ctx.Done():
	}
}

func (i *Inbox) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-i.queue:
			i.mu.Lock()
			delete(i.queued, path)
			i.mu.Unlock()

			if _, err := os.Stat(path); err != nil {
				// Already handled or removed by the writer.
				continue
			}
			out := i.Process(ctx, path)
			i.logger.Debug().
				Str("file", filepath.Base(path)).
				Str("result", out.Result).
				Msg("Inbox file handled")
		}
	}
}

// Process handles one file: it decodes the blob, runs admission, installs
// it and moves the file to processed/ or failed/. Failures are reported in
// the Outcome and through telemetry, never returned.
func (i *Inbox) Process(ctx context.Context, path string) *Outcome {
	out := &Outcome{File: path}
	tel := telemetry.FromTelemetryContext(ctx)
	logger := i.logger.With().Str("file", filepath.Base(path)).Logger()

	blob, err := os.ReadFile(path)
	if err != nil {
		out = i.reject(tel, logger, out, ResultUnreadable, err)
		i.finish(logger, out)
		return out
	}

	meta, graph, err := wiring.Decompile(blob)
	if err != nil {
		out = i.reject(tel, logger, out, ResultMalformed, err)
		i.finish(logger, out)
		return out
	}

	if i.admitter != nil {
		in := policy.NewInput(meta, graph, i.cfg.Names)
		in.Context = &policy.PolicyContext{Source: Source}
		op := telemetry.StartOperation(ctx, "vire.admission", telemetry.AttrDeliveryFile.String(filepath.Base(path)))
		decision, err := i.admitter.Admit(op.Ctx, in)
		if err == nil {
			telemetry.AddEvent(op.Span, "policy.decision",
				attribute.Bool("policy.allowed", decision.Allowed),
				attribute.Int("policy.violations", len(decision.Violations)),
			)
		}
		op.End(err)
		if err != nil {
			if ctx.Err() != nil {
				out.Result, out.Err = ResultFailed, ctx.Err()
				return out
			}
			out = i.reject(tel, logger, out, ResultFailed, fmt.Errorf("admission: %w", err))
			i.finish(logger, out)
			return out
		}
		out.Decision = decision
		if tel != nil {
			tel.Metrics.RecordPolicyDecision(decision.Allowed)
		}
		for _, v := range decision.Violations {
			if !v.Severity.Blocking() {
				logger.Warn().Str("policy", v.Policy).Str("severity", string(v.Severity)).Msg(v.Message)
			}
		}
		if !decision.Allowed {
			denials := decision.Denials()
			out.Result = ResultDenied
			out.Err = fmt.Errorf("denied by policy: %s", strings.Join(denials, "; "))
			logger.Warn().Strs("violations", denials).Msg("Configuration denied")
			if tel != nil {
				tel.Metrics.RecordDelivery(ResultDenied)
				if perr := tel.Events.PublishPolicyDenied(Source, denials); perr != nil {
					logger.Warn().Err(perr).Msg("Failed to publish denial")
				}
			}
			i.finish(logger, out)
			return out
		}
	}

	res, err := telemetry.TrackInstall(ctx, Source, func(ctx context.Context) (*engine.InstallResult, error) {
		telemetry.SetAttributes(telemetry.SpanFromContext(ctx), telemetry.AttrDeliveryFile.String(filepath.Base(path)))
		return i.installer.Deliver(ctx, blob)
	})
	out.Install, out.Err = res, err
	out.Result = ResultInstalled
	if err != nil {
		out.Result = ResultFailed
	}
	if tel != nil {
		tel.Metrics.RecordDelivery(out.Result)
	}
	if tel == nil {
		if err != nil {
			logger.Error().Err(err).Msg("Install failed")
		} else {
			logger.Info().Str("install_id", res.ID).Str("mode", string(res.Mode)).Msg("Configuration installed")
		}
	}
	i.finish(logger, out)
	return out
}

func (i *Inbox) reject(tel *telemetry.Telemetry, logger zerolog.Logger, out *Outcome, result string, err error) *Outcome {
	out.Result, out.Err = result, err
	logger.Error().Err(err).Str("result", result).Msg("Delivery rejected")
	if tel != nil {
		tel.Metrics.RecordDelivery(result)
		if perr := tel.Events.PublishDeliveryRejected(Source, err); perr != nil {
			logger.Warn().Err(perr).Msg("Failed to publish rejection")
		}
	}
	return out
}

// finish moves the file out of the inbox. Failed files get a sibling
// .err file holding the reason.
func (i *Inbox) finish(logger zerolog.Logger, out *Outcome) {
	dir := i.dir(processedDir)
	if out.Err != nil {
		dir = i.dir(failedDir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error().Err(err).Msg("Failed to create archive directory")
		return
	}

	target := filepath.Join(dir, filepath.Base(out.File))
	if err := os.Rename(out.File, target); err != nil {
		logger.Error().Err(err).Msg("Failed to move handled file")
		return
	}
	out.File = target

	if out.Err != nil {
		reason := []byte(out.Err.Error() + "\n")
		if err := os.WriteFile(target+".err", reason, 0o644); err != nil {
			logger.Warn().Err(err).Msg("Failed to write failure reason")
		}
	}
}

func (i *Inbox) dir(name string) string {
	return filepath.Join(i.cfg.Dir, name)
}

// ABOUTME: Compilation service: claims pending compilation rows and builds their execution environments.
// ABOUTME: Concurrency is capped by a buffered-channel semaphore; claim order round-robins experiments.
package compiler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389-research/unicorn/core"
	"github.com/2389-research/unicorn/metrics"
	"github.com/2389-research/unicorn/store"
)

// Options configures the compilation service.
type Options struct {
	// Registry is the image registry prefix for built tags.
	Registry string
	// ExecutorBinary is copied into every build context.
	ExecutorBinary string
	// MaxConcurrent caps parallel builds. Default 2.
	MaxConcurrent int
	// PollInterval between claim attempts when the queue is idle.
	// Default 2s.
	PollInterval time.Duration
	// WorkDir holds per-build context directories. Default os.TempDir().
	WorkDir string
}

// Service is the compilation worker pool. Claim order round-robins
// experiments in the store, so one large experiment cannot starve the
// queue.
type Service struct {
	store   *store.Store
	builder Builder
	opts    Options
}

// New constructs the service. The builder decides how images actually
// get built; tests pass a FakeBuilder.
func New(st *store.Store, builder Builder, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "unicorn-builds")
	}
	return &Service{store: st, builder: builder, opts: opts}
}

// Run claims and builds compilations until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	log.Printf("component=compiler action=start max_concurrent=%d", s.opts.MaxConcurrent)
	sem := make(chan struct{}, s.opts.MaxConcurrent)
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}
		row, err := s.store.ClaimCompilation(ctx)
		if err != nil {
			log.Printf("component=compiler action=claim_failed err=%v", err)
			sleepCtx(ctx, s.opts.PollInterval)
			continue
		}
		if row == nil {
			sleepCtx(ctx, s.opts.PollInterval)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Leave the claimed row running; a restart re-queues
			// nothing, but the processor fails the experiment on its
			// prepare deadline.
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(row store.CompilationRow) {
			defer wg.Done()
			defer func() { <-sem }()
			s.compile(ctx, row)
		}(*row)
	}
	wg.Wait()
	log.Printf("component=compiler action=stopped")
}

// CompileOnce claims and builds a single compilation synchronously.
// Reports whether a row was available. Used by tests and by the
// director's drain path.
func (s *Service) CompileOnce(ctx context.Context) (bool, error) {
	row, err := s.store.ClaimCompilation(ctx)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	s.compile(ctx, *row)
	return true, nil
}

func (s *Service) compile(ctx context.Context, row store.CompilationRow) {
	start := time.Now()
	buildLog, err := s.build(ctx, row)
	ok := err == nil
	if err != nil {
		if buildLog != "" {
			buildLog = buildLog + "\n" + err.Error()
		} else {
			buildLog = err.Error()
		}
	}
	metrics.CompilationsTotal.WithLabelValues(outcomeLabel(ok)).Inc()
	log.Printf("component=compiler action=compiled experiment_id=%s compilation_id=%s ok=%v elapsed=%s",
		row.ExperimentID, row.CompilationID, ok, time.Since(start).Round(time.Millisecond))
	if err := s.store.RecordCompilationResult(ctx, row.ExperimentID, row.CompilationID, ok, buildLog); err != nil {
		log.Printf("component=compiler action=record_failed experiment_id=%s compilation_id=%s err=%v",
			row.ExperimentID, row.CompilationID, err)
	}
}

func outcomeLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func (s *Service) build(ctx context.Context, row store.CompilationRow) (string, error) {
	switch row.Architecture {
	case core.ArchLinuxAMD64, core.ArchLinuxARM64:
	default:
		return "", fmt.Errorf("unsupported architecture %q", row.Architecture)
	}
	if err := row.Environment.Validate(); err != nil {
		return "", err
	}

	// Shell environments have no image to build; validation is the
	// whole job, the connector runs the commands at deploy time.
	if row.Environment.Type == core.EnvShell {
		return "shell environment, no image build", nil
	}

	dir, err := s.prepareContext(row)
	if err != nil {
		return "", err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	tag := ImageTag(s.opts.Registry, row.ExperimentID, row.CompilationID, row.Architecture)
	return s.builder.Build(ctx, BuildRequest{
		ContextDir:   dir,
		Tag:          tag,
		Architecture: row.Architecture,
	})
}

func (s *Service) prepareContext(row store.CompilationRow) (string, error) {
	if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create build workdir: %w", err)
	}
	dir, err := os.MkdirTemp(s.opts.WorkDir, row.CompilationID+"-")
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}

	dockerfile := RenderDockerfile(row.Environment)
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return "", fmt.Errorf("write Dockerfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pipeline"), row.Pipeline, 0o644); err != nil {
		return "", fmt.Errorf("write pipeline blob: %w", err)
	}
	if err := copyFile(s.opts.ExecutorBinary, filepath.Join(dir, "unicorn-executor")); err != nil {
		return "", fmt.Errorf("copy executor binary: %w", err)
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

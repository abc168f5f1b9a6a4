// ABOUTME: Infrastructure service: fronts the connector registry with locking and parallel fan-out.
// ABOUTME: Connector calls run under a per-call deadline with a bounded number of concurrent connectors.
package infra

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/2389-research/unicorn/connectors"
	"github.com/2389-research/unicorn/core"
	"github.com/2389-research/unicorn/store"
)

// Options configures the infrastructure service.
type Options struct {
	// CallTimeout is the hard deadline for one connector call.
	// Default 5m.
	CallTimeout time.Duration
	// MaxConcurrentCalls caps connectors called in parallel. Default 4.
	MaxConcurrentCalls int
}

// Service routes node enumeration, deploys, and executor lifecycle to
// the owning connectors, with node locking in front.
type Service struct {
	store    *store.Store
	registry *connectors.Registry
	opts     Options
}

// New constructs the service.
func New(st *store.Store, registry *connectors.Registry, opts Options) *Service {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Minute
	}
	if opts.MaxConcurrentCalls <= 0 {
		opts.MaxConcurrentCalls = 4
	}
	return &Service{store: st, registry: registry, opts: opts}
}

// ListNodes enumerates nodes across all live connectors and filters
// them by the user's access tags. A failing connector is quarantined
// and its nodes omitted.
func (s *Service) ListNodes(ctx context.Context, username string, userTags []string) ([]core.Node, error) {
	var (
		mu  sync.Mutex
		all []core.Node
	)
	s.fanOut(s.registry.Names(), func(name string, c connectors.Connector) {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
		nodes, err := c.ListNodes(callCtx, username)
		if err != nil {
			s.registry.Quarantine(name, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, n := range nodes {
			if n.VisibleTo(userTags) {
				all = append(all, n)
			}
		}
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Connector != all[j].Connector {
			return all[i].Connector < all[j].Connector
		}
		return all[i].Name < all[j].Name
	})
	return all, nil
}

// LockConflictError reports the nodes that blocked an all-or-nothing
// lock claim.
type LockConflictError struct {
	Conflicts []store.LockKey
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%d nodes already locked by other experiments", len(e.Conflicts))
}

// ClaimNodes locks every node of the experiment for it. All-or-nothing:
// on conflict nothing is claimed and a LockConflictError lists the
// contested nodes.
func (s *Service) ClaimNodes(ctx context.Context, username string, exp *core.Experiment) error {
	seen := make(map[store.LockKey]bool)
	var keys []store.LockKey
	for _, d := range exp.Deployments {
		key := store.LockKey{NodeName: d.Node.Name, Connector: d.Node.Connector}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	conflicts, err := s.store.ClaimLocks(ctx, username, exp.ID, keys)
	if err != nil {
		return fmt.Errorf("claim locks: %w", err)
	}
	if len(conflicts) > 0 {
		return &LockConflictError{Conflicts: conflicts}
	}
	return nil
}

// ReleaseNodes frees every lock the experiment holds.
func (s *Service) ReleaseNodes(ctx context.Context, experimentID string) error {
	return s.store.ReleaseLocks(ctx, experimentID)
}

// Deploy distributes compiled environments for the prepared deployments
// of the experiment, one connector at a time in parallel. Per-deployment
// failures land on the deployment's Error field and clear Prepared.
func (s *Service) Deploy(ctx context.Context, username string, exp *core.Experiment) {
	s.forEachConnector(ctx, exp, onlyPrepared, func(callCtx context.Context, c connectors.Connector, deps []core.Deployment) map[string]core.Result {
		return c.Deploy(callCtx, username, exp.ID, deps)
	}, func(d *core.Deployment, res core.Result) {
		if !res.Successful() {
			d.Prepared = false
			d.Error = "deploy failed: " + res.Error
		}
	})
}

// Start instructs the connectors to instantiate one executor per
// prepared deployment. Unprepared deployments are skipped; the caller
// finishes their executor rows with a "not prepared" error.
func (s *Service) Start(ctx context.Context, username string, exp *core.Experiment) {
	s.forEachConnector(ctx, exp, onlyPrepared, func(callCtx context.Context, c connectors.Connector, deps []core.Deployment) map[string]core.Result {
		return c.StartExecutors(callCtx, username, exp.ID, deps)
	}, func(d *core.Deployment, res core.Result) {
		if !res.Successful() {
			d.Error = "start failed: " + res.Error
		}
	})
}

// StopExecutors asks the owning connectors to stop the given executors.
func (s *Service) StopExecutors(ctx context.Context, username string, rows []store.ExecutorRow) {
	byConnector := make(map[string][]connectors.StopExecutorRequest)
	for _, row := range rows {
		byConnector[row.Connector] = append(byConnector[row.Connector], connectors.StopExecutorRequest{
			ExecutorID: row.ExecutorID,
			NodeName:   row.NodeName,
		})
	}
	names := make([]string, 0, len(byConnector))
	for name := range byConnector {
		names = append(names, name)
	}
	s.fanOut(names, func(name string, c connectors.Connector) {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
		results := c.StopExecutors(callCtx, username, byConnector[name])
		for id, res := range results {
			if !res.Successful() {
				log.Printf("component=infra action=stop_executor_failed connector=%s executor_id=%s err=%s", name, id, res.Error)
			}
		}
	})
}

// Cleanup fans experiment cleanup out to the owning connectors.
// Failures are logged and swallowed: cleanup never blocks a terminal
// transition, and connectors must tolerate repeat calls.
func (s *Service) Cleanup(ctx context.Context, exp *core.Experiment) {
	byConnector := groupByConnector(exp, everyDeployment)
	names := make([]string, 0, len(byConnector))
	for name := range byConnector {
		names = append(names, name)
	}
	s.fanOut(names, func(name string, c connectors.Connector) {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
		if err := c.Cleanup(callCtx, exp.ID, byConnector[name]); err != nil {
			log.Printf("component=infra action=cleanup_failed connector=%s experiment_id=%s err=%v", name, exp.ID, err)
		}
	})
}

func onlyPrepared(d core.Deployment) bool { return d.Prepared }

func everyDeployment(core.Deployment) bool { return true }

func groupByConnector(exp *core.Experiment, include func(core.Deployment) bool) map[string][]core.Deployment {
	out := make(map[string][]core.Deployment)
	for _, d := range exp.Deployments {
		if include(d) {
			out[d.Node.Connector] = append(out[d.Node.Connector], d)
		}
	}
	return out
}

// forEachConnector groups the experiment's deployments by connector,
// invokes op per connector in parallel under the call deadline, and
// applies each per-deployment result back onto the experiment. A
// connector missing from the registry fails its deployments.
func (s *Service) forEachConnector(
	ctx context.Context,
	exp *core.Experiment,
	include func(core.Deployment) bool,
	op func(context.Context, connectors.Connector, []core.Deployment) map[string]core.Result,
	apply func(*core.Deployment, core.Result),
) {
	byConnector := groupByConnector(exp, include)

	byExecutor := make(map[string]*core.Deployment, len(exp.Deployments))
	for i := range exp.Deployments {
		d := &exp.Deployments[i]
		if d.ExecutorID != "" {
			byExecutor[d.ExecutorID] = d
		}
	}

	var (
		mu      sync.Mutex
		results = make(map[string]core.Result)
	)
	names := make([]string, 0, len(byConnector))
	for name := range byConnector {
		names = append(names, name)
	}
	s.fanOut(names, func(name string, c connectors.Connector) {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
		res := op(callCtx, c, byConnector[name])
		mu.Lock()
		defer mu.Unlock()
		for id, r := range res {
			results[id] = r
		}
		if callCtx.Err() == context.DeadlineExceeded {
			for _, d := range byConnector[name] {
				if _, reported := res[d.ExecutorID]; !reported {
					results[d.ExecutorID] = core.Err("timeout")
				}
			}
		}
	})

	// Deployments of missing (quarantined) connectors never got a result.
	for name, deps := range byConnector {
		if _, ok := s.registry.Get(name); ok {
			continue
		}
		mu.Lock()
		for _, d := range deps {
			if _, reported := results[d.ExecutorID]; !reported {
				results[d.ExecutorID] = core.Errf("connector %q unavailable", name)
			}
		}
		mu.Unlock()
	}

	for id, res := range results {
		if d := byExecutor[id]; d != nil {
			apply(d, res)
		}
	}
}

// fanOut calls fn once per named connector, at most MaxConcurrentCalls
// at a time. Names without a live connector are skipped; the caller
// handles their items via the missing-connector sweep.
func (s *Service) fanOut(names []string, fn func(string, connectors.Connector)) {
	sem := make(chan struct{}, s.opts.MaxConcurrentCalls)
	var wg sync.WaitGroup
	for _, name := range names {
		c, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(name string, c connectors.Connector) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(name, c)
		}(name, c)
	}
	wg.Wait()
}

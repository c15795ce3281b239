// Copyright 2024 The kube-autorollout Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reconcile implements the per-tick orchestration (C6):
// enumerate workloads, dedupe registry lookups across them, resolve
// credentials and fetch fresh digests with bounded concurrency, decide
// per workload whether a rollout is warranted, and apply the patch.
// Per-image and per-workload failures are contained here the way the
// teacher's controllers/deployment.go eventProcessor logs and moves on
// rather than aborting the whole event loop.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/kube-autorollout/kube-autorollout/internal/enumerate"
	"github.com/kube-autorollout/kube-autorollout/internal/imageref"
	"github.com/kube-autorollout/kube-autorollout/internal/ociclient"
	"github.com/kube-autorollout/kube-autorollout/internal/patch"
	"github.com/kube-autorollout/kube-autorollout/internal/registry"
)

// DefaultConcurrency is the default bound on simultaneous registry
// queries per tick, spec.md §5.
const DefaultConcurrency = 8

// Decision is the outcome of evaluating one workload within a tick,
// spec.md §3's RolloutDecision.
type Decision string

const (
	DecisionSkipNoChange Decision = "SkipNoChange"
	DecisionSkipWarning  Decision = "SkipWarning"
	DecisionPatch        Decision = "Patch"
)

// WorkloadResult records what the reconciler decided, and did, for one
// workload within a tick.
type WorkloadResult struct {
	Workload enumerate.Workload
	Decision Decision
	Reason   string
}

// TickResult summarizes a single reconciliation pass, the Go-native
// analogue of the original controller's per-pass decision log.
type TickResult struct {
	Workloads      []WorkloadResult
	PatchesApplied int
	Errors         error // aggregated, non-nil only if something went wrong
}

// Registry resolves a digest for a triplet; implemented by
// *ociclient.Client in production and faked in tests.
type Registry interface {
	ResolveDigest(ctx context.Context, ref imageref.Reference, auth registry.AuthMaterial) (ociclient.Digest, error)
}

// Enumerator lists the workloads to reconcile; implemented by
// *enumerate.Enumerator in production.
type Enumerator interface {
	Enumerate() ([]enumerate.Workload, error)
}

// Patcher applies the rollout-triggering annotation patch; implemented
// by *patch.Engine in production.
type Patcher interface {
	Apply(ctx context.Context, kind enumerate.Kind, namespace, name string) error
}

// MetricsSink receives observability callbacks during a tick. Reconciler
// calls them only when a non-nil MetricsSink is passed to New.
type MetricsSink interface {
	ReportTick()
	ReportPatch()
	ReportRegistryError(kind string)
	ReportFetchDuration(seconds float64)
	ReportInflight(active bool)
}

// Reconciler implements C6.
type Reconciler struct {
	enumerator  Enumerator
	resolver    *registry.Resolver
	registry    Registry
	patcher     Patcher
	metrics     MetricsSink
	concurrency int64

	// canReadSecrets mirrors the RBAC grant the controller was deployed
	// with; when false, the pod-pull-secret fallback (spec.md §4.2 step
	// 2) is skipped entirely rather than attempted and denied.
	canReadSecrets bool
}

// New builds a Reconciler. concurrency <= 0 defaults to
// DefaultConcurrency. metrics may be nil.
func New(
	enumerator Enumerator,
	resolver *registry.Resolver,
	reg Registry,
	patcher Patcher,
	metrics MetricsSink,
	concurrency int,
	canReadSecrets bool,
) *Reconciler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Reconciler{
		enumerator:     enumerator,
		resolver:       resolver,
		registry:       reg,
		patcher:        patcher,
		metrics:        metrics,
		concurrency:    int64(concurrency),
		canReadSecrets: canReadSecrets,
	}
}

// fetchOutcome is the per-triplet result of the bounded fan-out: exactly
// one of Digest or Err is set.
type fetchOutcome struct {
	digest string
	err    error
}

// tripletResult pairs a triplet with its fetchOutcome as it crosses the
// results channel in resolveTriplets.
type tripletResult struct {
	triplet imageref.Triplet
	outcome fetchOutcome
}

// Tick runs one full reconciliation pass, per spec.md §4.5.
func (r *Reconciler) Tick(ctx context.Context) TickResult {
	if r.metrics != nil {
		r.metrics.ReportTick()
	}

	workloads, err := r.enumerator.Enumerate()
	if err != nil {
		return TickResult{Errors: fmt.Errorf("reconcile: enumerate: %w", err)}
	}

	triplets := distinctTriplets(workloads)
	cache := r.resolveTriplets(ctx, workloads, triplets)

	var result TickResult
	var errs *multierror.Error
	for _, w := range workloads {
		decision, reason := decide(w, cache)
		result.Workloads = append(result.Workloads, WorkloadResult{
			Workload: w, Decision: decision, Reason: reason,
		})

		if decision != DecisionPatch {
			if decision == DecisionSkipWarning {
				klog.Warningf("reconcile: %s %s/%s: %s", w.Kind, w.Namespace, w.Name, reason)
			}
			continue
		}

		if err := r.patcher.Apply(ctx, w.Kind, w.Namespace, w.Name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("patching %s %s/%s: %w", w.Kind, w.Namespace, w.Name, err))
			klog.Errorf("reconcile: %s", err)
			continue
		}
		result.PatchesApplied++
		if r.metrics != nil {
			r.metrics.ReportPatch()
		}
		klog.Infof("reconcile: patched %s %s/%s", w.Kind, w.Namespace, w.Name)
	}

	if errs != nil {
		result.Errors = errs
	}
	return result
}

// distinctTriplets collects every unique (host, repository, tag) across
// all enumerated containers, spec.md §4.5 step 2.
func distinctTriplets(workloads []enumerate.Workload) []imageref.Triplet {
	seen := make(map[imageref.Triplet]bool)
	var out []imageref.Triplet
	for _, w := range workloads {
		for _, c := range w.Containers {
			t := c.Image.AsTriplet()
			if seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// resolveTriplets fetches a fresh digest for every distinct triplet with
// bounded concurrency, spec.md §4.5 step 3. Per-image failures are
// recorded in the returned cache rather than aborting the tick.
func (r *Reconciler) resolveTriplets(
	ctx context.Context, workloads []enumerate.Workload, triplets []imageref.Triplet,
) map[imageref.Triplet]fetchOutcome {
	cache := make(map[imageref.Triplet]fetchOutcome, len(triplets))
	if len(triplets) == 0 {
		return cache
	}

	namespace, pullSecrets := firstNamespaceAndPullSecrets(workloads, triplets)

	sem := semaphore.NewWeighted(r.concurrency)
	results := make(chan tripletResult, len(triplets))

	for _, t := range triplets {
		t := t
		if err := sem.Acquire(ctx, 1); err != nil {
			results <- tripletResult{t, fetchOutcome{err: err}}
			continue
		}
		go func() {
			defer sem.Release(1)
			if r.metrics != nil {
				r.metrics.ReportInflight(true)
				defer r.metrics.ReportInflight(false)
			}

			ref := imageref.Reference{Host: t.Host, Repository: t.Repository, Tag: t.Tag}
			ns := namespace[t]
			auth, err := r.resolver.Resolve(ref, ns, pullSecrets[t], r.canReadSecrets)
			if err != nil {
				results <- tripletResult{t, fetchOutcome{err: err}}
				return
			}

			start := time.Now()
			d, err := r.registry.ResolveDigest(ctx, ref, auth)
			if r.metrics != nil {
				r.metrics.ReportFetchDuration(time.Since(start).Seconds())
			}
			if err != nil {
				if r.metrics != nil {
					r.metrics.ReportRegistryError(registryErrorKind(err))
				}
				results <- tripletResult{t, fetchOutcome{err: err}}
				return
			}
			results <- tripletResult{t, fetchOutcome{digest: d.String()}}
		}()
	}

	// acquire the full weight once all goroutines have released, the
	// same "wait for everyone" idiom x/sync/semaphore's own examples use
	// instead of a separate sync.WaitGroup. The wait is not tied to ctx, so
	// a cancelled tick still lets every worker send before results closes.
	if err := sem.Acquire(context.Background(), r.concurrency); err == nil {
		sem.Release(r.concurrency)
	}
	close(results)

	for res := range results {
		cache[res.triplet] = res.outcome
		if res.outcome.err != nil {
			klog.Warningf("reconcile: resolving %s/%s:%s: %s",
				res.triplet.Host, res.triplet.Repository, res.triplet.Tag, res.outcome.err)
		}
	}
	return cache
}

// firstNamespaceAndPullSecrets picks, for each triplet, the namespace
// and pull-secret names of the first workload observed referencing it —
// credential resolution only needs one representative owner per triplet
// since a RegistryEntry match is namespace-independent and the
// pod-pull-secret fallback is best-effort across workloads anyway.
func firstNamespaceAndPullSecrets(
	workloads []enumerate.Workload, triplets []imageref.Triplet,
) (map[imageref.Triplet]string, map[imageref.Triplet][]string) {
	namespace := make(map[imageref.Triplet]string, len(triplets))
	pullSecrets := make(map[imageref.Triplet][]string, len(triplets))
	for _, w := range workloads {
		for _, c := range w.Containers {
			t := c.Image.AsTriplet()
			if _, ok := namespace[t]; ok {
				continue
			}
			namespace[t] = w.Namespace
			pullSecrets[t] = w.PullSecretNames
		}
	}
	return namespace, pullSecrets
}

// decide applies spec.md §4.5 step 4's decision table to a single
// workload given the populated digest cache.
func decide(w enumerate.Workload, cache map[imageref.Triplet]fetchOutcome) (Decision, string) {
	anyKnownRunning := false
	for _, c := range w.Containers {
		if c.RunningDigest != enumerate.UnknownDigest {
			anyKnownRunning = true
		}
	}
	if !anyKnownRunning {
		return DecisionSkipNoChange, "no running pod to compare against"
	}

	changed := false
	for _, c := range w.Containers {
		outcome, ok := cache[c.Image.AsTriplet()]
		if !ok || outcome.err != nil {
			return DecisionSkipWarning, fmt.Sprintf("digest lookup failed for container %s", c.ContainerName)
		}
		if c.RunningDigest == enumerate.UnknownDigest {
			continue
		}
		if outcome.digest != c.RunningDigest {
			changed = true
		}
	}

	if changed {
		return DecisionPatch, "digest drift detected"
	}
	return DecisionSkipNoChange, "no digest drift"
}

// registryErrorKind extracts the ociclient.Error Kind string from err,
// if it carries one, for metrics labeling.
func registryErrorKind(err error) string {
	var oe *ociclient.Error
	if errors.As(err, &oe) {
		return oe.Kind.String()
	}
	return "unknown"
}

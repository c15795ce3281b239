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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	coreinf "k8s.io/client-go/informers"
	corecli "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/kube-autorollout/kube-autorollout/internal/config"
	"github.com/kube-autorollout/kube-autorollout/internal/enumerate"
	"github.com/kube-autorollout/kube-autorollout/internal/health"
	"github.com/kube-autorollout/kube-autorollout/internal/metrics"
	"github.com/kube-autorollout/kube-autorollout/internal/ociclient"
	"github.com/kube-autorollout/kube-autorollout/internal/patch"
	"github.com/kube-autorollout/kube-autorollout/internal/reconcile"
	"github.com/kube-autorollout/kube-autorollout/internal/registry"
	"github.com/kube-autorollout/kube-autorollout/internal/schedule"
)

// Version holds the current binary version. Set at compile time.
var Version = "v0.0.0"

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	root := &cobra.Command{
		Use:          "kube-autorollout",
		Short:        "watches labeled workloads and restarts them on registry digest drift",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(versionCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		klog.Fatalf("%v", err)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the kube-autorollout version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

// run wires config, Kubernetes clients, and the scheduler, and blocks
// until ctx is cancelled, mirroring cmd/tagger/main.go's boot sequence.
func run(ctx context.Context) error {
	klog.Infof("starting kube-autorollout %s", Version)

	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		return fmt.Errorf("unbound CONFIG_FILE variable")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return fmt.Errorf("unable to read kubeconfig: %w", err)
	}

	corcli, err := corecli.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("unable to create core client: %w", err)
	}
	corinf := coreinf.NewSharedInformerFactoryWithOptions(
		corcli, time.Minute, coreinf.WithNamespace(cfg.Namespace),
	)

	deplis := corinf.Apps().V1().Deployments().Lister()
	stslis := corinf.Apps().V1().StatefulSets().Lister()
	dslis := corinf.Apps().V1().DaemonSets().Lister()
	podlis := corinf.Core().V1().Pods().Lister()
	sclis := corinf.Core().V1().Secrets().Lister()

	corinf.Start(ctx.Done())

	klog.Info("waiting for caches to sync ...")
	synced := cache.WaitForCacheSync(ctx.Done(),
		corinf.Apps().V1().Deployments().Informer().HasSynced,
		corinf.Apps().V1().StatefulSets().Informer().HasSynced,
		corinf.Apps().V1().DaemonSets().Informer().HasSynced,
		corinf.Core().V1().Pods().Informer().HasSynced,
		corinf.Core().V1().Secrets().Informer().HasSynced,
	)
	if !synced {
		return fmt.Errorf("caches not syncing")
	}
	klog.Info("caches in sync, moving on.")

	httpClient, err := ociclient.NewHTTPClient(cfg.TLS.CACertificatePaths, 30*time.Second)
	if err != nil {
		return fmt.Errorf("building registry http client: %w", err)
	}

	matcher := registry.NewMatcher(cfg.RegistryEntries())
	resolver := registry.NewResolver(matcher, registry.NewSecretGetter(sclis))
	client := ociclient.New(httpClient, cfg.FeatureFlags.EnableJfrogArtifactoryFallback)
	enumerator := enumerate.New(enumerate.Lister{
		Deployments:  deplis,
		StatefulSets: stslis,
		DaemonSets:   dslis,
		Pods:         podlis,
	}, cfg.Namespace)
	patcher := patch.New(corcli, cfg.FeatureFlags.EnableKubectlAnnotation)
	met := metrics.NewMetrics()

	reconciler := reconcile.New(
		enumerator, resolver, client, patcher, met,
		reconcile.DefaultConcurrency, true,
	)

	healthSrv := health.New(fmt.Sprintf(":%d", cfg.Webserver.Port))
	healthSrv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("health server shutdown: %s", err)
		}
	}()

	sched := schedule.New(cfg.CronSchedule, func(tickCtx context.Context) {
		result := reconciler.Tick(tickCtx)
		if result.Errors != nil {
			klog.Errorf("tick completed with errors: %s", result.Errors)
		}
		klog.Infof("tick complete: %d workloads evaluated, %d patched",
			len(result.Workloads), result.PatchesApplied)
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	healthSrv.MarkReady()

	<-ctx.Done()
	klog.Info("shutting down, waiting for in-flight tick to complete ...")
	sched.Stop()
	klog.Info("clean shutdown complete")
	return nil
}

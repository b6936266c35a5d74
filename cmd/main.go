package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/fluxcd/pkg/runtime/events"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	apiv3 "github.com/rancher-sandbox/project-label-propagator/api/v3"
	"github.com/rancher-sandbox/project-label-propagator/internal/cache"
	namespacectrl "github.com/rancher-sandbox/project-label-propagator/internal/controller/namespace"
	"github.com/rancher-sandbox/project-label-propagator/internal/upstream"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(apiv3.AddToScheme(scheme))
}

func main() {
	var (
		metricsAddr          string
		probeAddr            string
		enableLeaderElection bool
		secureMetrics        bool
		enableHTTP2          bool
		eventsAddr           string
		clusterID            string
		upstreamKubeconfig   string
		dataPath             string
		upstreamGracePeriod  time.Duration
		resyncInterval       time.Duration
		namespaceConcurrency int
	)

	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metric endpoint binds to. "+
		"Use the port :8080. If not set, it will be 0 in order to disable the metrics server")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", false,
		"If set the metrics endpoint is served securely")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	flag.StringVar(&eventsAddr, "events-addr", "", "The address of the events receiver.")
	flag.StringVar(&clusterID, "cluster-id", "",
		"ID of this downstream cluster; names the upstream namespace holding its Projects. "+
			"Required together with -upstream-kubeconfig.")
	flag.StringVar(&upstreamKubeconfig, "upstream-kubeconfig", "",
		"Path to the kubeconfig of the upstream cluster hosting the Project resources. "+
			"When unset, Projects are watched cluster-wide on the local cluster.")
	flag.StringVar(&dataPath, "data-path", "/var/lib/project-label-propagator",
		"Directory holding the durable project snapshot cache.")
	flag.DurationVar(&upstreamGracePeriod, "upstream-grace-period", 90*time.Second,
		"How long without a successful upstream observation before the connection is considered unhealthy "+
			"and reconciliation falls back to cached project labels.")
	flag.DurationVar(&resyncInterval, "resync-interval", 5*time.Minute,
		"Interval of the periodic full namespace resync.")
	flag.IntVar(&namespaceConcurrency, "namespace-concurrency", 4,
		"Number of namespaces reconciled in parallel.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if (upstreamKubeconfig == "") != (clusterID == "") {
		setupLog.Error(nil, "-upstream-kubeconfig and -cluster-id must be set together")
		os.Exit(1)
	}

	// if the enable-http2 flag is false (the default), http/2 should be
	// disabled due to its vulnerabilities (HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs).
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress:   metricsAddr,
			SecureServing: secureMetrics,
			TLSOpts:       tlsOpts,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "project-label-propagator.cattle.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	upstreamConfig, projectNamespace, err := upstreamRESTConfig(upstreamKubeconfig, clusterID)
	if err != nil {
		setupLog.Error(err, "unable to build upstream cluster config")
		os.Exit(1)
	}

	upstreamClient, err := client.NewWithWatch(upstreamConfig, client.Options{Scheme: scheme})
	if err != nil {
		setupLog.Error(err, "unable to create upstream cluster client")
		os.Exit(1)
	}

	// The snapshot store is load-bearing for the resilience contract: not
	// being able to open it is fatal.
	store, err := cache.Open(dataPath, ctrl.Log.WithName("cache"))
	if err != nil {
		setupLog.Error(err, "unable to open project snapshot store", "dataPath", dataPath)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			setupLog.Error(err, "closing project snapshot store")
		}
	}()

	// Reading the store back verifies the file is usable before any watch
	// starts; until the first successful upstream list these snapshots are
	// the only label source.
	snapshots, err := store.LoadAll(context.Background())
	if err != nil {
		setupLog.Error(err, "unable to read project snapshot store", "dataPath", dataPath)
		os.Exit(1)
	}
	setupLog.Info("restored project snapshots", "count", len(snapshots))

	view := upstream.NewLiveView()
	monitor := upstream.NewConnectivityMonitor(upstreamGracePeriod)
	monitor.RegisterMetrics(metrics.Registry)

	watcher := upstream.NewWatcher(upstream.Options{
		Client:    upstreamClient,
		Namespace: projectNamespace,
		Cluster:   clusterID,
		Store:     store,
		View:      view,
		Monitor:   monitor,
		Logger:    ctrl.Log.WithName("project-watcher"),
	})
	if err := mgr.Add(watcher); err != nil {
		setupLog.Error(err, "unable to add project watcher")
		os.Exit(1)
	}

	var eventsRecorder *events.Recorder
	if eventsRecorder, err = events.NewRecorder(mgr, ctrl.Log, eventsAddr, "project-label-propagator"); err != nil {
		setupLog.Error(err, "unable to create event recorder")
		os.Exit(1)
	}

	if err = (&namespacectrl.Reconciler{
		Client:         mgr.GetClient(),
		Scheme:         mgr.GetScheme(),
		EventRecorder:  eventsRecorder,
		View:           view,
		Store:          store,
		Monitor:        monitor,
		ProjectChanges: upstream.NewEventSource(watcher, mgr.GetClient()),
		ResyncInterval: resyncInterval,
	}).SetupWithManager(mgr, namespaceConcurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Namespace")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager",
		"projectNamespace", projectNamespace,
		"downstream", upstreamKubeconfig != "",
	)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// upstreamRESTConfig builds the client config for the cluster hosting the
// Project resources and the namespace to scope the watch to. With no
// upstream kubeconfig the propagator runs inside the upstream cluster itself
// and watches Projects cluster-wide.
func upstreamRESTConfig(kubeconfig, clusterID string) (*rest.Config, string, error) {
	if kubeconfig == "" {
		return ctrl.GetConfigOrDie(), "", nil
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, "", err
	}

	return config, clusterID, nil
}

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	cfgdir "github.com/netshepherd/dataplane/cfg"
	"github.com/netshepherd/dataplane/clock"
	"github.com/netshepherd/dataplane/config"
	"github.com/netshepherd/dataplane/conntrack"
	"github.com/netshepherd/dataplane/dataplane"
	"github.com/netshepherd/dataplane/emitter"
	"github.com/netshepherd/dataplane/filter"
	"github.com/netshepherd/dataplane/flowkey"
	"github.com/netshepherd/dataplane/k8swatch"
	"github.com/netshepherd/dataplane/metrics"
	"github.com/netshepherd/dataplane/obspoint"
	"github.com/netshepherd/dataplane/pcapsrc"
	"github.com/netshepherd/dataplane/printer"
)

var (
	interfaceFlag string
	bpfFilterFlag string
	inClusterFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track connections on an interface and emit packet reports.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDataplane(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&interfaceFlag, "interface", "eth0", "network interface to capture on")
	runCmd.Flags().StringVar(&bpfFilterFlag, "bpf-filter", "", "optional BPF filter applied at capture")
	runCmd.Flags().BoolVar(&inClusterFlag, "in-cluster", false, "populate the IP-of-interest filter from the Kubernetes API")
	config.BindFlags(runCmd.Flags())
}

// runDataplane assembles every package under dataplane.Dataplane and
// drives it from a live pcap source until ctx is cancelled: build the
// pipeline, start a signal-aware context, run until told to stop.
func runDataplane(ctx context.Context) error {
	cfg := config.Load()

	reg := metrics.New()
	promReg := prometheus.NewRegistry()
	reg.MustRegister(promReg)

	flt := filter.New()
	flt.SetBypass(cfg.BypassFilter)

	table := conntrack.NewTable(cfg.CTMapSize, func(_ flowkey.Key) {
		reg.TableEvictions.Inc()
	})

	snapshotPath := filepath.Join(cfgdir.Dir(), conntrack.SnapshotFileName)
	if err := conntrack.LoadSnapshot(table, snapshotPath); err != nil {
		printer.Warningf("failed to restore pinned connection-tracking table: %v\n", err)
	} else {
		printer.Debugf("restored %d connection-tracking entries from %s\n", table.Len(), snapshotPath)
	}

	numCPU := runtime.NumCPU()
	em := emitter.New(numCPU, emitter.DefaultChannelDepth)
	nano := clock.NewReal()

	dp := dataplane.New(table, flt, em, reg, nano, numCPU, cfg.SamplingRate, time.Now().UnixNano())
	dp.EnableMetrics = cfg.EnableMetrics
	dp.AggregationLevel = cfg.AggregationLevel

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if inClusterFlag {
		watcher, err := k8swatch.NewInCluster(flt)
		if err != nil {
			return errors.Wrap(err, "failed to build in-cluster filter watcher")
		}
		go func() {
			if err := watcher.Run(runCtx); err != nil && runCtx.Err() == nil {
				printer.Errorf("k8s filter watcher stopped: %v\n", err)
			}
		}()
	}

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			printer.Errorf("metrics server stopped: %v\n", err)
		}
	}()
	go pollGaugesAndDrops(runCtx, table, em, reg)
	for _, ch := range em.Channels() {
		go drainRecords(runCtx, ch)
	}

	seconds := clock.NewReal()
	live := pcapsrc.Live{}
	done := make(chan struct{})
	go func() {
		<-runCtx.Done()
		close(done)
	}()

	// Round-robins over the CPU count so packets fan out across every
	// per-CPU sampler/emitter channel pair instead of piling onto one.
	// Pump invokes this callback from a single goroutine, so a plain
	// counter needs no synchronization.
	cpu := 0
	err := pcapsrc.Pump(done, live, interfaceFlag, bpfFilterFlag, obspoint.FromNetwork, func(op obspoint.Point, data []byte) {
		dp.Process(op, cpu, data, seconds.NowSeconds())
		cpu = (cpu + 1) % numCPU
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	if saveErr := conntrack.SaveSnapshot(table, snapshotPath); saveErr != nil {
		printer.Warningf("failed to pin connection-tracking table for next restart: %v\n", saveErr)
	}

	return err
}

// drainRecords plays the user-space collector for one per-CPU
// channel. A record left undrained would eventually push the channel
// into its drop path, so this loop must outlive the capture loop.
func drainRecords(ctx context.Context, ch *emitter.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-ch.Records():
			printer.Debugf("report %s:%d -> %s:%d %s flags=0x%02x bytes=%d reply=%v carry=%d/%dB\n",
				flowkey.IPv4FromUint32(r.SrcIP), r.SrcPort,
				flowkey.IPv4FromUint32(r.DstIP), r.DstPort,
				r.Proto, r.TCPFlags, r.Bytes, r.IsReply,
				r.PreviouslyObservedPackets, r.PreviouslyObservedBytes)
		}
	}
}

func pollGaugesAndDrops(ctx context.Context, table *conntrack.Table, em *emitter.Emitter, reg *metrics.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastDrops uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.CTEntries.Set(float64(table.Len()))
			total := em.TotalDrops()
			if total > lastDrops {
				reg.EmitDrops.Add(float64(total - lastDrops))
				lastDrops = total
			}
		}
	}
}

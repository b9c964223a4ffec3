package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"gridcast.io/internal/persistence/indexdb"
	persistlog "gridcast.io/internal/persistence/log"
	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/tuning"
	"gridcast.io/internal/sim/world"
	"gridcast.io/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		layoutPath = flag.String("layout", "", "path to a wire layout (default: tuning layout_path, else the embedded layout)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite tick index")
		queue      = flag.Int("send_queue", 8, "per-session outgoing packet queue")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if lp := strings.TrimSpace(*layoutPath); lp != "" {
		tune.LayoutPath = lp
	}
	layout := codec.DefaultLayout()
	if tune.LayoutPath != "" {
		if layout, err = codec.LoadLayout(tune.LayoutPath); err != nil {
			logger.Fatalf("load layout: %v", err)
		}
	}
	if err := tune.Validate(layout); err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	reg, err := codec.NewRegistry(layout, codec.NewHuffmanText())
	if err != nil {
		logger.Fatalf("codec registry: %v", err)
	}
	wcfg, err := world.ConfigFromTuning(tune)
	if err != nil {
		logger.Fatalf("world config: %v", err)
	}
	w, err := world.New(wcfg, reg, tune.ReplicationConfig(), logger)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	runDir := filepath.Join(*dataDir, "runs", time.Now().UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		logger.Fatalf("run dir: %v", err)
	}
	if err := writeRunTuning(runDir, tune); err != nil {
		logger.Fatalf("run tuning: %v", err)
	}

	// Optional read-model index (does not affect the tick loop).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(runDir, "index.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertConfig(tune, layout); err != nil {
			logger.Printf("index: upsert config: %v", err)
		}
	}

	tickLog := persistlog.NewTickLogger(runDir)
	faultLog := persistlog.NewFaultLogger(runDir)
	defer tickLog.Close()
	defer faultLog.Close()
	if idx != nil {
		w.SetTickLogger(multiTickLogger{a: tickLog, b: idx})
		w.SetFaultLogger(multiFaultLogger{a: faultLog, b: idx})
	} else {
		w.SetTickLogger(tickLog)
		w.SetFaultLogger(faultLog)
	}

	ctx, cancel := signalContext()
	defer cancel()

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	wsSrv := ws.NewServer(w, logger)
	wsSrv.Queue = *queue

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, w.Metrics(), w.CurrentTick(), layout.Revision)
		if idx != nil {
			writeIndexMetrics(rw, idx.Stats())
		}
	})
	if envBool("GRIDCAST_ENABLE_ADMIN_HTTP", true) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Tick    uint64             `json:"tick"`
				RunDir  string             `json:"run_dir"`
				Metrics world.WorldMetrics `json:"metrics"`
			}{
				Tick:    w.CurrentTick(),
				RunDir:  runDir,
				Metrics: w.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Printf("admin endpoints disabled (GRIDCAST_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("GRIDCAST_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s revision=%d tick_rate=%dHz run=%s", *addr, layout.Revision, tune.TickRateHz, runDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	<-worldDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// writeRunTuning stores the effective tuning next to the logs so a run can be replayed.
func writeRunTuning(runDir string, tune tuning.Tuning) error {
	b, err := yaml.Marshal(tune)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, "tuning.yaml"), b, 0o644)
}

func writeMetrics(rw io.Writer, m world.WorldMetrics, tick uint64, revision int) {
	if m.Tick != 0 {
		tick = m.Tick
	}
	rep := m.Replication

	fmt.Fprintf(rw, "# HELP gridcast_world_tick Current world tick.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_world_tick gauge\n")
	fmt.Fprintf(rw, "gridcast_world_tick{revision=\"%d\"} %d\n", revision, tick)

	fmt.Fprintf(rw, "# HELP gridcast_world_avatars Avatars in the world by kind.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_world_avatars gauge\n")
	fmt.Fprintf(rw, "gridcast_world_avatars{kind=%q} %d\n", "player", m.Players)
	fmt.Fprintf(rw, "gridcast_world_avatars{kind=%q} %d\n", "npc", m.NPCs)

	fmt.Fprintf(rw, "# HELP gridcast_observers Connected observers.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_observers gauge\n")
	fmt.Fprintf(rw, "gridcast_observers %d\n", m.Observers)

	fmt.Fprintf(rw, "# HELP gridcast_world_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_world_queue_depth gauge\n")
	fmt.Fprintf(rw, "gridcast_world_queue_depth{queue=%q} %d\n", "inbox", m.QueueDepths.Inbox)
	fmt.Fprintf(rw, "gridcast_world_queue_depth{queue=%q} %d\n", "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "gridcast_world_queue_depth{queue=%q} %d\n", "leave", m.QueueDepths.Leave)

	fmt.Fprintf(rw, "# HELP gridcast_world_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_world_step_ms gauge\n")
	fmt.Fprintf(rw, "gridcast_world_step_ms %.3f\n", m.StepMS)

	fmt.Fprintf(rw, "# HELP gridcast_replication_ms Last replication pass duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_replication_ms gauge\n")
	fmt.Fprintf(rw, "gridcast_replication_ms %.3f\n", float64(rep.Duration.Microseconds())/1000.0)

	fmt.Fprintf(rw, "# HELP gridcast_replication_bytes Bytes written in the last tick.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_replication_bytes gauge\n")
	fmt.Fprintf(rw, "gridcast_replication_bytes{stat=%q} %d\n", "total", rep.Bytes)
	fmt.Fprintf(rw, "gridcast_replication_bytes{stat=%q} %d\n", "max_packet", rep.MaxBytes)

	fmt.Fprintf(rw, "# HELP gridcast_replication_last_tick Per-tick replication counters.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_replication_last_tick gauge\n")
	for _, kv := range []struct {
		name string
		v    int
	}{
		{"encodes", rep.Encodes},
		{"failures", rep.Failures},
		{"updates", rep.Updates},
		{"added", rep.Added},
		{"removed", rep.Removed},
		{"ext_sent", rep.ExtSent},
		{"deferred", rep.Deferred},
		{"shared_copies", rep.Shared},
		{"on_demand_encodes", rep.OnDemand},
	} {
		fmt.Fprintf(rw, "gridcast_replication_last_tick{stat=%q} %d\n", kv.name, kv.v)
	}

	fmt.Fprintf(rw, "# HELP gridcast_actions_rejected_total Actions refused by the world.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_actions_rejected_total counter\n")
	fmt.Fprintf(rw, "gridcast_actions_rejected_total %d\n", m.RejectedTotal)

	fmt.Fprintf(rw, "# HELP gridcast_observer_faults_total Observers disconnected by the engine.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_observer_faults_total counter\n")
	fmt.Fprintf(rw, "gridcast_observer_faults_total %d\n", m.FaultedTotal)

	fmt.Fprintf(rw, "# HELP gridcast_pool_packets Packet buffers allocated by the pool.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_pool_packets gauge\n")
	fmt.Fprintf(rw, "gridcast_pool_packets %d\n", m.PoolPackets)
}

func writeIndexMetrics(rw io.Writer, s indexdb.Stats) {
	fmt.Fprintf(rw, "# HELP gridcast_index_queue_depth SQLite index write queue depth.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "gridcast_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP gridcast_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_index_dropped_total counter\n")
	fmt.Fprintf(rw, "gridcast_index_dropped_total{kind=%q} %d\n", "tick", s.DropTickTotal)
	fmt.Fprintf(rw, "gridcast_index_dropped_total{kind=%q} %d\n", "fault", s.DropFaultTotal)

	fmt.Fprintf(rw, "# HELP gridcast_index_write_errors_total Failed index transactions.\n")
	fmt.Fprintf(rw, "# TYPE gridcast_index_write_errors_total counter\n")
	fmt.Fprintf(rw, "gridcast_index_write_errors_total %d\n", s.WriteErrTotal)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

type multiTickLogger struct {
	a world.TickLogger
	b world.TickLogger
}

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiFaultLogger struct {
	a world.FaultLogger
	b world.FaultLogger
}

func (m multiFaultLogger) WriteFault(entry world.FaultEntry) error {
	if m.a != nil {
		_ = m.a.WriteFault(entry)
	}
	if m.b != nil {
		_ = m.b.WriteFault(entry)
	}
	return nil
}

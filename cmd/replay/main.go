package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"

	persistlog "gridcast.io/internal/persistence/log"
	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/replication"
	"gridcast.io/internal/sim/tuning"
	"gridcast.io/internal/sim/world"
)

func main() {
	var (
		runDir = flag.String("run", "", "run directory (data/runs/<stamp>) holding tuning.yaml and ticks/")
		toTick = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}
	res, err := replayRun(*runDir, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if res.StoppedAt != math.MaxUint64 {
		fmt.Printf("replay ok: checked=%d ticks (stopped at tick=%d: observer fault)\n", res.Checked, res.StoppedAt)
		return
	}
	fmt.Printf("replay ok: checked=%d ticks\n", res.Checked)
}

type result struct {
	Checked uint64
	// StoppedAt is the first tick whose replication depended on a client
	// fault, or MaxUint64 when the whole log was verified.
	StoppedAt uint64
}

// replayRun re-runs the world from the run's tuning, feeding it the logged
// joins, leaves and actions, and checks every tick's replication counters.
func replayRun(runDir string, toTick uint64) (result, error) {
	res := result{StoppedAt: math.MaxUint64}

	tune, err := tuning.Load(filepath.Join(runDir, "tuning.yaml"))
	if err != nil {
		return res, fmt.Errorf("load tuning: %w", err)
	}
	layout := codec.DefaultLayout()
	if tune.LayoutPath != "" {
		if layout, err = codec.LoadLayout(tune.LayoutPath); err != nil {
			return res, fmt.Errorf("load layout: %w", err)
		}
	}
	reg, err := codec.NewRegistry(layout, codec.NewHuffmanText())
	if err != nil {
		return res, err
	}
	wcfg, err := world.ConfigFromTuning(tune)
	if err != nil {
		return res, err
	}
	w, err := world.New(wcfg, reg, tune.ReplicationConfig(), log.New(io.Discard, "", 0))
	if err != nil {
		return res, err
	}

	// A client fault changes what the engine sends from then on, and the
	// replayed clients never fault.
	faultFiles, err := persistlog.ListFiles(filepath.Join(runDir, "faults"), "faults")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return res, err
	}
	for _, path := range faultFiles {
		if err := persistlog.ReadFaults(path, func(e world.FaultEntry) error {
			if e.Tick < res.StoppedAt {
				res.StoppedAt = e.Tick
			}
			return nil
		}); err != nil {
			return res, err
		}
	}

	files, err := persistlog.ListFiles(filepath.Join(runDir, "ticks"), "ticks")
	if err != nil {
		return res, fmt.Errorf("list ticks: %w", err)
	}
	if len(files) == 0 {
		return res, fmt.Errorf("no tick files found in %s", runDir)
	}

	errStop := errors.New("stop")
	for _, path := range files {
		err := persistlog.ReadTicks(path, func(entry world.TickLogEntry) error {
			if toTick != 0 && entry.Tick > toTick {
				return errStop
			}
			if len(entry.Replication.Faulted) > 0 && entry.Tick < res.StoppedAt {
				res.StoppedAt = entry.Tick
			}
			if entry.Tick >= res.StoppedAt {
				return errStop
			}
			if err := replayTick(w, entry); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			res.Checked++
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func replayTick(w *world.World, entry world.TickLogEntry) error {
	if entry.Tick != w.CurrentTick() {
		return fmt.Errorf("tick mismatch: want=%d got=%d", w.CurrentTick(), entry.Tick)
	}

	joins := make([]world.JoinRequest, 0, len(entry.Joins))
	for _, j := range entry.Joins {
		p, ok := extinfo.ParsePlatform(j.Platform)
		if !ok {
			return fmt.Errorf("tick %d: join %d has platform %q", entry.Tick, j.Avatar, j.Platform)
		}
		joins = append(joins, world.JoinRequest{
			Name:          j.Name,
			Platform:      p,
			HighResRadius: j.HighResRadius,
			LowResRadius:  j.LowResRadius,
			Sink:          discardSink{},
			Resp:          make(chan world.JoinResponse, 1),
		})
	}
	leaves := make([]avatar.Index, 0, len(entry.Leaves))
	for _, idx := range entry.Leaves {
		leaves = append(leaves, avatar.Index(idx))
	}
	acts := make([]world.ActionEnvelope, 0, len(entry.Actions))
	for _, ra := range entry.Actions {
		acts = append(acts, world.ActionEnvelope{Avatar: avatar.Index(ra.Avatar), Act: ra.Act})
	}

	tick, rep := w.StepOnce(joins, leaves, acts)
	if tick != entry.Tick {
		return fmt.Errorf("internal tick mismatch: stepped=%d entry=%d", tick, entry.Tick)
	}
	for i, req := range joins {
		resp := <-req.Resp
		if resp.Err != nil {
			return fmt.Errorf("tick %d: join %q refused: %s %v", tick, req.Name, resp.Code, resp.Err)
		}
		if want := entry.Joins[i].Avatar; resp.Welcome.Avatar != want {
			return fmt.Errorf("tick %d: join %q got avatar %d want %d", tick, req.Name, resp.Welcome.Avatar, want)
		}
	}
	if err := compareReports(rep, entry.Replication); err != nil {
		return fmt.Errorf("tick %d: %w", tick, err)
	}
	return nil
}

func compareReports(got, want replication.TickReport) error {
	fields := []struct {
		name      string
		got, want int
	}{
		{"observers", got.Observers, want.Observers},
		{"avatars", got.Avatars, want.Avatars},
		{"encodes", got.Encodes, want.Encodes},
		{"failures", got.Failures, want.Failures},
		{"bytes", got.Bytes, want.Bytes},
		{"max_bytes", got.MaxBytes, want.MaxBytes},
		{"updates", got.Updates, want.Updates},
		{"added", got.Added, want.Added},
		{"removed", got.Removed, want.Removed},
		{"ext_sent", got.ExtSent, want.ExtSent},
		{"deferred", got.Deferred, want.Deferred},
		{"shared_copies", got.Shared, want.Shared},
		{"on_demand_encodes", got.OnDemand, want.OnDemand},
	}
	for _, f := range fields {
		if f.got != f.want {
			return fmt.Errorf("%s mismatch: got=%d want=%d", f.name, f.got, f.want)
		}
	}
	return nil
}

// discardSink stands in for a client that reads every packet on time.
type discardSink struct{}

func (discardSink) Deliver(p *replication.Packet) error {
	if err := p.MarkConsumed(); err != nil {
		return err
	}
	return p.Release()
}

func (discardSink) Fault(error) {}

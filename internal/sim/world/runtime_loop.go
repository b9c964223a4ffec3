package world

import (
	"context"
	"errors"
	"time"

	"gridcast.io/internal/protocol"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/replication"
)

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingActions []ActionEnvelope
	var pendingJoins []JoinRequest
	var pendingLeaves []avatar.Index

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case idx := <-w.leave:
			pendingLeaves = append(pendingLeaves, idx)
		case env := <-w.inbox:
			pendingActions = append(pendingActions, env)
		case <-ticker.C:
			w.step(ctx, pendingJoins, pendingLeaves, pendingActions)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingActions = pendingActions[:0]
		}
	}
}

func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// StepOnce advances the world by a single tick using the same ordering semantics as the server.
// It is primarily intended for deterministic tests and tools.
func (w *World) StepOnce(joins []JoinRequest, leaves []avatar.Index, actions []ActionEnvelope) (uint64, replication.TickReport) {
	tick := w.tick.Load()
	rep := w.step(context.Background(), joins, leaves, actions)
	return tick, rep
}

// step applies leaves, joins, actions and NPC behavior, then replicates.
func (w *World) step(ctx context.Context, joins []JoinRequest, leaves []avatar.Index, actions []ActionEnvelope) replication.TickReport {
	start := time.Now()
	nowTick := w.tick.Load()
	entry := TickLogEntry{Tick: nowTick}

	for _, idx := range leaves {
		if w.handleLeave(idx) {
			entry.Leaves = append(entry.Leaves, uint16(idx))
		}
	}
	for _, req := range joins {
		if rj, ok := w.handleJoin(req, nowTick); ok {
			entry.Joins = append(entry.Joins, rj)
		}
	}
	for _, env := range actions {
		p := w.players[env.Avatar]
		r := w.table.Get(env.Avatar)
		if p == nil || r == nil {
			continue
		}
		entry.Actions = append(entry.Actions, RecordedAction{Avatar: uint16(env.Avatar), Act: env.Act})
		for _, a := range env.Act.Actions {
			if err := w.applyAction(r, p, a, nowTick); err != nil {
				w.rejected++
				entry.Rejected = append(entry.Rejected, RecordedReject{
					Avatar: uint16(env.Avatar),
					Action: a.Type,
					Code:   codeFor(err),
				})
			}
		}
	}
	w.stepNPCs()

	rep, err := w.coord.Tick(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Printf("world: replication tick=%d: %v", nowTick, err)
	}
	entry.Replication = rep

	if w.tickLogger != nil {
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.logger.Printf("world: tick log tick=%d: %v", nowTick, err)
		}
	}

	w.tick.Add(1)
	w.metrics.Store(WorldMetrics{
		Tick:      w.tick.Load(),
		Players:   len(w.players),
		NPCs:      len(w.npcs),
		Observers: w.coord.Observers(),
		QueueDepths: QueueDepths{
			Inbox: len(w.inbox),
			Join:  len(w.join),
			Leave: len(w.leave),
		},
		StepMS:        float64(time.Since(start).Microseconds()) / 1000.0,
		RejectedTotal: w.rejected,
		FaultedTotal:  w.faulted,
		PoolPackets:   w.coord.Pool().Allocated(),
		Replication:   rep,
	})
	return rep
}

func (w *World) handleJoin(req JoinRequest, nowTick uint64) (RecordedJoin, bool) {
	refuse := func(code string, err error) (RecordedJoin, bool) {
		if req.Resp != nil {
			req.Resp <- JoinResponse{Code: code, Err: err}
		}
		return RecordedJoin{}, false
	}
	if req.Sink == nil {
		return refuse(protocol.ErrInternal, errors.New("world: join without sink"))
	}
	r, err := w.table.SpawnPlayer(w.spawnPoint(w.cfg.SpawnRadius))
	if err != nil {
		return refuse(protocol.ErrWorldFull, err)
	}
	name := sanitizeName(req.Name, r.Index)
	r.Blocks.SetAppearance(defaultAppearance(name))

	err = w.coord.Connect(replication.ObserverSpec{
		Index:      r.Index,
		Platform:   req.Platform,
		HighRadius: req.HighResRadius,
		LowRadius:  req.LowResRadius,
		Sink:       &hostSink{Sink: req.Sink, w: w, idx: r.Index},
	})
	if err != nil {
		_ = w.table.Despawn(r.Index)
		return refuse(protocol.ErrInternal, err)
	}
	w.players[r.Index] = &player{name: name, platform: req.Platform, joined: nowTick}

	if req.Resp != nil {
		cfg := w.coord.Config()
		s := w.cfg.Spawn
		req.Resp <- JoinResponse{Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			Avatar:          uint16(r.Index),
			Revision:        w.layout.Revision,
			Platform:        req.Platform.String(),
			Tick:            nowTick,
			WorldParams: protocol.WorldParams{
				TickRateHz:    w.cfg.TickRateHz,
				ByteCeiling:   cfg.ByteCeiling,
				HighResRadius: w.coord.Tracker(r.Index).HighRadius(),
				LowResRadius:  w.coord.Tracker(r.Index).LowRadius(),
				Spawn:         [3]int{s.Level(), s.X(), s.Z()},
			},
		}}
	}
	return RecordedJoin{
		Avatar:        uint16(r.Index),
		Name:          name,
		Platform:      req.Platform.String(),
		HighResRadius: req.HighResRadius,
		LowResRadius:  req.LowResRadius,
	}, true
}

// handleLeave drops the observer (if the engine has not already faulted it)
// and despawns the avatar.
func (w *World) handleLeave(idx avatar.Index) bool {
	if _, ok := w.players[idx]; !ok {
		return false
	}
	if err := w.coord.Disconnect(idx); err != nil && !errors.Is(err, replication.ErrUnknownObserver) {
		w.logger.Printf("world: disconnect %v: %v", idx, err)
	}
	if err := w.table.Despawn(idx); err != nil {
		w.logger.Printf("world: despawn %v: %v", idx, err)
	}
	delete(w.players, idx)
	return true
}

// hostSink records faults before handing them to the network layer.
type hostSink struct {
	replication.Sink
	w   *World
	idx avatar.Index
}

func (s *hostSink) Fault(err error) {
	w := s.w
	w.faulted++
	if w.faultLogger != nil {
		e := FaultEntry{Tick: w.tick.Load(), Avatar: uint16(s.idx), Error: err.Error()}
		if p := w.players[s.idx]; p != nil {
			e.Name = p.name
		}
		if lerr := w.faultLogger.WriteFault(e); lerr != nil {
			w.logger.Printf("world: fault log %v: %v", s.idx, lerr)
		}
	}
	s.Sink.Fault(err)
}

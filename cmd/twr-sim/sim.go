package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/logging"
	"github.com/signalsfoundry/uwb-twr/internal/radio/simair"
	"github.com/signalsfoundry/uwb-twr/internal/ranging"
	"github.com/signalsfoundry/uwb-twr/model"
	"github.com/signalsfoundry/uwb-twr/timectrl"
)

// simulation is a scenario attached to a simulated channel: one responder
// serving in the background and the initiators driven by cycle.
type simulation struct {
	scenario *core.Scenario
	air      *simair.Air
	engine   *ranging.Engine
	log      logging.Logger

	endpoints  map[core.NodeID]*simair.Endpoint
	responder  *model.Node
	initiators []*model.Node
	peers      ranging.PeerSet
	coord      *ranging.Coordinator
}

type simulationMetrics interface {
	ranging.MetricsRecorder
	simair.Metrics
}

func newSimulation(sc *core.Scenario, metrics simulationMetrics, log logging.Logger, opts ...ranging.Option) (*simulation, error) {
	air := simair.New(simair.Config{
		Radio:   sc.Radio,
		Log:     log,
		Metrics: metrics,
		Seed:    sc.Seed,
	})
	engineOpts := append([]ranging.Option{
		ranging.WithLogger(log),
		ranging.WithMetricsRecorder(metrics),
	}, opts...)
	s := &simulation{
		scenario:  sc,
		air:       air,
		engine:    ranging.New(ranging.FromScenario(sc.Protocol), engineOpts...),
		log:       log,
		endpoints: make(map[core.NodeID]*simair.Endpoint, len(sc.Nodes)),
	}

	for _, n := range sc.Nodes {
		ep, err := air.Attach(simair.EndpointConfig{
			Address:      n.ID,
			Clock:        timectrl.NewOscillator(n.ClockOffset, n.DriftPPB),
			Motion:       core.NewMotionModel(n),
			AntennaDelay: n.AntennaDelay,
			DropRate:     n.DropRate,
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("attach node %d: %w", n.ID, err)
		}
		s.endpoints[n.ID] = ep
	}

	resp := sc.Responder()
	s.responder = s.engine.NewNode(resp.ID, model.RoleResponder, resp.AntennaDelay)

	var ids []core.NodeID
	for _, n := range sc.Initiators() {
		node := s.engine.NewNode(n.ID, model.RoleInitiator, n.AntennaDelay)
		node.Peer = resp.ID
		s.initiators = append(s.initiators, node)
		ids = append(ids, n.ID)
	}
	s.peers = ranging.NewPeerSet(ids...)
	if sc.Mode == core.ModeSimple {
		s.responder.Peer = ids[0]
	}

	if sc.Mode == core.ModeMulti {
		links := make([]ranging.Link, len(s.initiators))
		for i, n := range s.initiators {
			links[i] = ranging.Link{Node: n, Radio: s.endpoints[n.ID]}
		}
		coord, err := ranging.NewCoordinator(s.engine, links...)
		if err != nil {
			s.close()
			return nil, err
		}
		s.coord = coord
	}
	return s, nil
}

// serveResponder answers exchanges until ctx is done. Failed exchanges are
// logged by the engine and do not stop the loop.
func (s *simulation) serveResponder(ctx context.Context) {
	ep := s.endpoints[s.responder.ID]
	for ctx.Err() == nil {
		var err error
		switch s.scenario.Mode {
		case core.ModeSimple:
			err = s.engine.RespondSimple(ctx, s.responder, ep)
		case core.ModeDouble:
			err = s.engine.RespondDouble(ctx, s.responder, ep, s.peers)
		default:
			err = s.engine.RespondMulti(ctx, s.responder, ep, s.peers)
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
	}
}

// cycle runs one ranging cycle for every initiator and then lets the
// cycle interval pass on their counters.
func (s *simulation) cycle(ctx context.Context) ([]model.Measurement, error) {
	defer s.idle()

	switch s.scenario.Mode {
	case core.ModeMulti:
		return s.coord.Range(ctx)
	case core.ModeSimple:
		n := s.initiators[0]
		m, err := s.engine.InitiateSimple(ctx, n, s.endpoints[n.ID])
		return []model.Measurement{m}, err
	default:
		n := s.initiators[0]
		m, err := s.engine.InitiateDouble(ctx, n, s.endpoints[n.ID])
		return []model.Measurement{m}, err
	}
}

func (s *simulation) idle() {
	if s.scenario.CycleInterval <= 0 {
		return
	}
	for _, n := range s.initiators {
		s.endpoints[n.ID].Advance(s.scenario.CycleInterval)
	}
}

func (s *simulation) close() {
	for _, ep := range s.endpoints {
		_ = ep.Close()
	}
}

package ranging_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/radio/simair"
	"github.com/signalsfoundry/uwb-twr/internal/ranging"
	"github.com/signalsfoundry/uwb-twr/model"
	"github.com/signalsfoundry/uwb-twr/timectrl"
)

type simNode struct {
	id     core.NodeID
	pos    core.Vec3
	offset uint64
	drift  int64
}

func attachAll(t *testing.T, air *simair.Air, nodes ...simNode) map[core.NodeID]*simair.Endpoint {
	t.Helper()
	out := make(map[core.NodeID]*simair.Endpoint, len(nodes))
	for _, n := range nodes {
		ep, err := air.Attach(simair.EndpointConfig{
			Address:      n.id,
			Clock:        timectrl.NewOscillator(n.offset, n.drift),
			Motion:       core.StaticMotion{Position: n.pos},
			AntennaDelay: core.DefaultAntennaDelay,
		})
		if err != nil {
			t.Fatalf("Attach(%d): %v", n.id, err)
		}
		t.Cleanup(func() { _ = ep.Close() })
		out[n.id] = ep
	}
	return out
}

func simConfig() ranging.Config {
	cfg := ranging.DefaultConfig()
	cfg.ResponderTimeout = 2 * time.Second
	return cfg
}

// serve runs fn cycles times on a goroutine and reports the first error.
func serve(cycles int, fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		var first error
		for i := 0; i < cycles; i++ {
			if err := fn(); err != nil && first == nil {
				first = err
			}
		}
		done <- first
	}()
	return done
}

func TestSimSimpleRanging(t *testing.T) {
	tests := []struct {
		name      string
		responder simNode
	}{
		{name: "aligned", responder: simNode{id: 2, pos: core.Vec3{X: 12}}},
		{name: "offset", responder: simNode{id: 2, pos: core.Vec3{X: 3, Y: 4}, offset: 777_777_777}},
		{name: "wrapping", responder: simNode{id: 2, pos: core.Vec3{Z: 7.5}, offset: core.TickModulus - 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			air := simair.New(simair.Config{})
			initiator := simNode{id: 1, offset: core.TickModulus - 50_000_000}
			eps := attachAll(t, air, initiator, tt.responder)
			e := ranging.New(simConfig())

			resp := e.NewNode(2, model.RoleResponder, core.DefaultAntennaDelay)
			resp.Peer = 1
			const cycles = 5
			done := serve(cycles, func() error {
				return e.RespondSimple(context.Background(), resp, eps[2])
			})

			node := e.NewNode(1, model.RoleInitiator, core.DefaultAntennaDelay)
			node.Peer = 2
			want := initiator.pos.DistanceTo(tt.responder.pos)
			for i := 0; i < cycles; i++ {
				m, err := e.InitiateSimple(context.Background(), node, eps[1])
				if err != nil {
					t.Fatalf("cycle %d: %v", i, err)
				}
				if math.Abs(m.Distance-want) > 0.01 {
					t.Fatalf("cycle %d: distance %.4f, want %.4f", i, m.Distance, want)
				}
				eps[1].Advance(20 * time.Millisecond)
			}
			if err := <-done; err != nil {
				t.Fatalf("responder: %v", err)
			}
		})
	}
}

func TestSimDoubleSidedCancelsDrift(t *testing.T) {
	anchor := simNode{id: 1, offset: 123_456_789, drift: -10_000}
	tag := simNode{id: core.TagID, pos: core.Vec3{X: 6, Y: 8}, offset: core.TickModulus - 2_000_000_000, drift: 15_000}
	want := 10.0

	// Single-sided first: the responder's fast clock stretches the reply.
	{
		air := simair.New(simair.Config{})
		eps := attachAll(t, air, anchor, simNode{id: 2, pos: tag.pos, offset: tag.offset, drift: tag.drift})
		e := ranging.New(simConfig())
		resp := e.NewNode(2, model.RoleResponder, core.DefaultAntennaDelay)
		done := serve(1, func() error { return e.RespondSimple(context.Background(), resp, eps[2]) })

		node := e.NewNode(1, model.RoleInitiator, core.DefaultAntennaDelay)
		node.Peer = 2
		m, err := e.InitiateSimple(context.Background(), node, eps[1])
		if err != nil {
			t.Fatalf("InitiateSimple: %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("responder: %v", err)
		}
		if math.Abs(m.Distance-want) < 1 {
			t.Fatalf("single-sided distance %.3f unexpectedly close to %.3f under drift", m.Distance, want)
		}
	}

	air := simair.New(simair.Config{})
	eps := attachAll(t, air, anchor, tag)
	e := ranging.New(simConfig())
	hub := e.NewNode(core.TagID, model.RoleResponder, core.DefaultAntennaDelay)
	const cycles = 4
	done := serve(cycles, func() error {
		return e.RespondDouble(context.Background(), hub, eps[core.TagID], ranging.NewPeerSet(1))
	})

	node := e.NewNode(1, model.RoleInitiator, core.DefaultAntennaDelay)
	node.Peer = core.TagID
	for i := 0; i < cycles; i++ {
		m, err := e.InitiateDouble(context.Background(), node, eps[1])
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if math.Abs(m.Distance-want) > 0.05 || m.Rejected {
			t.Fatalf("cycle %d: distance %.4f, want %.4f", i, m.Distance, want)
		}
		eps[1].Advance(30 * time.Millisecond)
	}
	if math.Abs(node.FilteredDistance-want) > 0.05 {
		t.Fatalf("filtered %.4f, want %.4f", node.FilteredDistance, want)
	}
	if err := <-done; err != nil {
		t.Fatalf("responder: %v", err)
	}
}

func runMulti(t *testing.T, cfg ranging.Config, anchors []simNode) ([]model.Measurement, *simair.Air, error) {
	t.Helper()
	air := simair.New(simair.Config{})
	tag := simNode{id: core.TagID, offset: 5_000_000_000, drift: 8_000}
	eps := attachAll(t, air, append([]simNode{tag}, anchors...)...)
	e := ranging.New(cfg)

	hub := e.NewNode(core.TagID, model.RoleResponder, core.DefaultAntennaDelay)
	done := serve(1, func() error {
		return e.RespondMulti(context.Background(), hub, eps[core.TagID], ranging.NewPeerSet(1, 2, 3))
	})

	var links []ranging.Link
	for _, a := range anchors {
		n := e.NewNode(a.id, model.RoleAnchor, core.DefaultAntennaDelay)
		n.Peer = core.TagID
		links = append(links, ranging.Link{Node: n, Radio: eps[a.id]})
	}
	c, err := ranging.NewCoordinator(e, links...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	got, rangeErr := c.Range(context.Background())
	<-done
	return got, air, rangeErr
}

func TestSimMultiAnchor(t *testing.T) {
	anchors := []simNode{
		{id: 1, pos: core.Vec3{X: 3}, offset: 1_000, drift: -5_000},
		{id: 2, pos: core.Vec3{Y: 4}, offset: core.TickModulus - 300_000_000, drift: 12_000},
		{id: 3, pos: core.Vec3{X: -3, Y: -4, Z: 12}, offset: 42, drift: 0},
	}
	got, air, err := runMulti(t, simConfig(), anchors)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	for i, a := range anchors {
		want := a.pos.Norm()
		if !got[i].Valid() || math.Abs(got[i].Distance-want) > 0.05 {
			t.Fatalf("anchor %d: %+v, want %.3f m", a.id, got[i], want)
		}
	}
	if air.Collisions() != 0 {
		t.Fatalf("collisions = %d with the default stride", air.Collisions())
	}
}

func TestSimNarrowStrideCollides(t *testing.T) {
	cfg := simConfig()
	cfg.Stride = 120 * time.Microsecond
	cfg.ResponderTimeout = 200 * time.Millisecond
	anchors := []simNode{
		{id: 1, pos: core.Vec3{X: 4}},
		{id: 2, pos: core.Vec3{Y: 4}},
		{id: 3, pos: core.Vec3{X: -4}},
	}
	got, air, err := runMulti(t, cfg, anchors)
	if air.Collisions() == 0 {
		t.Fatal("overlapping finals did not collide")
	}
	if !errors.Is(err, ranging.ErrPeerSignaled) {
		t.Fatalf("err = %v, want the collided anchor to see a sentinel", err)
	}
	if got[1].Error != model.ErrorPeerSignaled {
		t.Fatalf("anchor 2 = %+v, want peer signaled", got[1])
	}
	if !got[0].Valid() || !got[2].Valid() {
		t.Fatalf("anchors 1 and 3 = %+v, %+v", got[0], got[2])
	}
}

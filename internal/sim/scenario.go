// Package sim generates synthetic exchange traffic for load drills.
// A Generator draws reproducible flows from a fixed subject population;
// cmd/simulate replays them against a running API.
package sim

import (
	"math/rand"
	"time"
)

// Subject is a simulated chat identity taking part in flows.
type Subject struct {
	ID    string
	Label string
}

// Flow kinds mirror the public operations of the exchange API.
// A replay flow consumes the same token twice and expects the second
// attempt to conflict.
const (
	FlowToken   = "token"
	FlowCode    = "code"
	FlowRequest = "request"
	FlowReplay  = "replay"
)

// Flow is one unit of work for a load worker.
type Flow struct {
	Kind    string
	Subject Subject
	Intent  string
}

// Scenario describes the population a generator draws from.
type Scenario struct {
	Name     string
	Subjects []Subject
	Intents  []string
}

// DefaultScenario returns a small population of chat subjects with
// intents matching what a chat-bot front end would request.
func DefaultScenario() Scenario {
	return Scenario{
		Name: "chat-burst",
		Subjects: []Subject{
			{ID: "1001", Label: "alice"},
			{ID: "1002", Label: "bob"},
			{ID: "1003", Label: "carol"},
			{ID: "1004", Label: "dave"},
			{ID: "1005", Label: "erin"},
			{ID: "1006", Label: "frank"},
		},
		Intents: []string{"login", "link_device", "approve_payment", "view_history"},
	}
}

// Generator produces a randomized but reproducible stream of flows.
// Not safe for concurrent use; give each worker its own generator.
type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
}

// NewGenerator seeds a generator for the scenario. Seed 0 picks a
// time-based seed, any other value makes the stream reproducible.
func NewGenerator(scenario Scenario, seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		scenario: scenario,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

// NextFlow picks the next flow. The mix leans on token exchanges with
// a tail of request, code and replay traffic.
func (g *Generator) NextFlow() Flow {
	subject := g.scenario.Subjects[g.rnd.Intn(len(g.scenario.Subjects))]
	intent := g.scenario.Intents[g.rnd.Intn(len(g.scenario.Intents))]
	flow := Flow{Subject: subject, Intent: intent}
	switch n := g.rnd.Intn(100); {
	case n < 40:
		flow.Kind = FlowToken
	case n < 70:
		flow.Kind = FlowRequest
	case n < 90:
		flow.Kind = FlowCode
	default:
		flow.Kind = FlowReplay
	}
	return flow
}

// Jitter returns a random pause between min and max for pacing workers.
func (g *Generator) Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(g.rnd.Int63n(int64(max-min)))
}

// Subjects exposes the scenario population, e.g. for pre-seeding.
func (g *Generator) Subjects() []Subject {
	return g.scenario.Subjects
}

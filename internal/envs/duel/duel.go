// Package duel implements a small 2D kinematic air combat environment, enough to exercise the
// self-play training loop without a flight dynamics model.
//
// Two tasks are supported:
//
//   - combat: two teams of aircraft (agents [0, A/2) and [A/2, A)). An aircraft that keeps an enemy
//     within its lock cone and range for lock_steps consecutive steps shoots it down. Leaving the
//     arena is a crash. The episode ends when a team is eliminated or after max_steps.
//   - heading: every aircraft must fly a target heading that changes every steady_steps steps, each
//     time by a larger angle. If at the time of a change an aircraft is off by more than 10 degrees
//     the episode ends ("unreached heading").
//
// Actions per agent are [turn, throttle], each in [-1, 1].
package duel

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/airduel/internal/envs"
	"github.com/janpfeifer/airduel/internal/parameters"
	"github.com/janpfeifer/airduel/internal/tensor"
	"github.com/pkg/errors"
)

func init() {
	envs.Register("duel", NewFromParams)
}

// Task of the environment.
type Task int

const (
	TaskCombat Task = iota
	TaskHeading
)

func (t Task) String() string {
	if t == TaskHeading {
		return "heading"
	}
	return "combat"
}

const (
	// ObsDim is the size of the per-agent observation.
	ObsDim = 8

	// ActDim is the size of the per-agent action: turn and throttle.
	ActDim = 2

	maxTurnRate      = 0.1 // radians per step
	acceleration     = 10  // m/s per step
	minSpeed         = 150 // m/s
	maxSpeed         = 350 // m/s
	lockAngle        = 15 * math32.Pi / 180
	headingTolerance = 10 * math32.Pi / 180
	metersPerDegree  = 111320
	originLon        = 120.0
	originLat        = 60.0
)

type aircraft struct {
	x, y, alt      float32
	heading, speed float32
	alive          bool
	lock           int
	target         float32 // Target heading, for the heading task.
}

// Env implements envs.Env.
type Env struct {
	task      Task
	numAgents int
	maxSteps  int
	arena     float32 // Half-width of the square arena, in meters.
	lockRange float32
	lockSteps int

	// steadySteps between heading changes, for the heading task.
	steadySteps int

	rng      *rand.Rand
	planes   []aircraft
	dones    []bool
	step     int
	turns    int
	kills    int
	rendered bool
}

var _ envs.Env = (*Env)(nil)

// NewFromParams implements envs.Factory. Parameters: task (combat or heading), agents,
// max_steps, arena, lock_range, lock_steps and steady_steps.
func NewFromParams(params parameters.Params, index int, seed uint64) (envs.Env, error) {
	e := &Env{
		rng: rand.New(rand.NewPCG(seed, uint64(index))),
	}
	taskName, err := parameters.PopParamOr(params, "task", "combat")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(taskName) {
	case "combat":
		e.task = TaskCombat
	case "heading":
		e.task = TaskHeading
	default:
		return nil, errors.Errorf("unknown duel task %q, valid values are \"combat\" or \"heading\"", taskName)
	}
	if e.numAgents, err = parameters.PopParamOr(params, "agents", 2); err != nil {
		return nil, err
	}
	if e.maxSteps, err = parameters.PopParamOr(params, "max_steps", 500); err != nil {
		return nil, err
	}
	if e.arena, err = parameters.PopParamOr(params, "arena", float32(10_000)); err != nil {
		return nil, err
	}
	if e.lockRange, err = parameters.PopParamOr(params, "lock_range", float32(3_000)); err != nil {
		return nil, err
	}
	if e.lockSteps, err = parameters.PopParamOr(params, "lock_steps", 3); err != nil {
		return nil, err
	}
	if e.steadySteps, err = parameters.PopParamOr(params, "steady_steps", 60); err != nil {
		return nil, err
	}
	if e.numAgents <= 0 || e.maxSteps <= 0 || e.arena <= 0 || e.lockSteps <= 0 || e.steadySteps <= 0 {
		return nil, errors.Errorf("invalid duel parameters agents=%d, max_steps=%d, arena=%g, lock_steps=%d, steady_steps=%d",
			e.numAgents, e.maxSteps, e.arena, e.lockSteps, e.steadySteps)
	}
	if e.task == TaskCombat && e.numAgents%2 != 0 {
		return nil, errors.Errorf("duel combat task requires an even number of agents, got %d", e.numAgents)
	}
	e.planes = make([]aircraft, e.numAgents)
	e.dones = make([]bool, e.numAgents)
	return e, nil
}

// NumAgents implements envs.Env.
func (e *Env) NumAgents() int { return e.numAgents }

// ObsDims implements envs.Env.
func (e *Env) ObsDims() []int { return []int{ObsDim} }

// ActDims implements envs.Env.
func (e *Env) ActDims() []int { return []int{ActDim} }

// team returns 0 for the first half of the agents, 1 for the second.
func (e *Env) team(agent int) int {
	if agent < e.numAgents/2 {
		return 0
	}
	return 1
}

func wrapAngle(a float32) float32 {
	for a > math32.Pi {
		a -= 2 * math32.Pi
	}
	for a < -math32.Pi {
		a += 2 * math32.Pi
	}
	return a
}

// Reset implements envs.Env.
func (e *Env) Reset() (*tensor.Tensor, error) {
	e.step, e.turns, e.kills = 0, 0, 0
	for agent := range e.planes {
		p := &e.planes[agent]
		*p = aircraft{alive: true, speed: 250, alt: 6000 + 1000*float32(agent%3)}
		e.dones[agent] = false
		spread := (e.rng.Float32() - 0.5) * e.arena * 0.5
		switch e.task {
		case TaskCombat:
			// Teams start facing each other at opposite sides of the arena.
			if e.team(agent) == 0 {
				p.x, p.y, p.heading = -e.arena/2, spread, 0
			} else {
				p.x, p.y, p.heading = e.arena/2, spread, math32.Pi
			}
		case TaskHeading:
			p.x, p.y = spread, (e.rng.Float32()-0.5)*e.arena*0.5
			p.heading = wrapAngle(e.rng.Float32() * 2 * math32.Pi)
			p.target = p.heading
		}
	}
	return e.observe(), nil
}

// nearestEnemy returns the index of the nearest alive enemy, or -1.
func (e *Env) nearestEnemy(agent int) (enemy int, dist float32) {
	enemy, dist = -1, math32.Inf(1)
	me := &e.planes[agent]
	for other := range e.planes {
		if e.team(other) == e.team(agent) || !e.planes[other].alive {
			continue
		}
		d := math32.Hypot(e.planes[other].x-me.x, e.planes[other].y-me.y)
		if d < dist {
			enemy, dist = other, d
		}
	}
	return
}

// angleOff is the angle between the heading of agent and the line of sight to other.
func (e *Env) angleOff(agent, other int) float32 {
	me, them := &e.planes[agent], &e.planes[other]
	bearing := math32.Atan2(them.y-me.y, them.x-me.x)
	return wrapAngle(bearing - me.heading)
}

func (e *Env) observe() *tensor.Tensor {
	obs := tensor.Zeros(e.numAgents, ObsDim)
	for agent := range e.planes {
		p := &e.planes[agent]
		if !p.alive {
			continue
		}
		row := obs.Row(agent)
		row[2], row[3] = math32.Cos(p.heading), math32.Sin(p.heading)
		row[4] = (p.speed - minSpeed) / (maxSpeed - minSpeed)
		switch e.task {
		case TaskCombat:
			enemy, dist := e.nearestEnemy(agent)
			if enemy < 0 {
				continue
			}
			off := e.angleOff(agent, enemy)
			row[0] = (e.planes[enemy].x - p.x) / e.arena
			row[1] = (e.planes[enemy].y - p.y) / e.arena
			row[5], row[6] = math32.Cos(off), math32.Sin(off)
			row[7] = min(dist/e.lockRange, 2)
		case TaskHeading:
			delta := wrapAngle(p.target - p.heading)
			row[0], row[1] = math32.Cos(delta), math32.Sin(delta)
			row[5], row[6] = p.x/e.arena, p.y/e.arena
			row[7] = float32(e.step%e.steadySteps) / float32(e.steadySteps)
		}
	}
	return obs
}

func clip(x float32) float32 { return min(max(x, -1), 1) }

func (e *Env) fly(actions *tensor.Tensor) {
	for agent := range e.planes {
		p := &e.planes[agent]
		if !p.alive {
			continue
		}
		action := actions.Row(agent)
		p.heading = wrapAngle(p.heading + clip(action[0])*maxTurnRate)
		p.speed = min(max(p.speed+clip(action[1])*acceleration, minSpeed), maxSpeed)
		p.x += p.speed * math32.Cos(p.heading)
		p.y += p.speed * math32.Sin(p.heading)
	}
}

// Step implements envs.Env.
func (e *Env) Step(actions *tensor.Tensor) (obs *tensor.Tensor, rewards []float32, dones []bool, info envs.Info, err error) {
	if actions.Rank() != 2 || actions.Dim(0) != e.numAgents || actions.Dim(1) != ActDim {
		return nil, nil, nil, nil, errors.Errorf("duel: actions shaped %v, expected [%d %d]", actions.Dims, e.numAgents, ActDim)
	}
	e.step++
	e.fly(actions)
	rewards = make([]float32, e.numAgents)
	var episodeOver bool
	switch e.task {
	case TaskCombat:
		episodeOver = e.combat(rewards)
	case TaskHeading:
		episodeOver = e.heading(rewards)
	}
	if e.step >= e.maxSteps {
		episodeOver = true
	}
	dones = make([]bool, e.numAgents)
	for agent := range dones {
		dones[agent] = episodeOver || e.dones[agent]
	}
	info = envs.Info{"kills": float32(e.kills)}
	if e.task == TaskHeading {
		info[envs.InfoHeadingTurnCounts] = float32(e.turns)
	}
	return e.observe(), rewards, dones, info, nil
}

// combat computes rewards, lock-ons and crashes. It returns whether the episode is over.
func (e *Env) combat(rewards []float32) bool {
	for agent := range e.planes {
		p := &e.planes[agent]
		if !p.alive {
			continue
		}
		if math32.Abs(p.x) > e.arena || math32.Abs(p.y) > e.arena {
			p.alive = false
			e.dones[agent] = true
			rewards[agent] -= 1
			continue
		}
		enemy, dist := e.nearestEnemy(agent)
		if enemy < 0 {
			continue
		}
		off := math32.Abs(e.angleOff(agent, enemy))
		rewards[agent] += 0.01 * math32.Cos(off)
		if off < lockAngle && dist < e.lockRange {
			p.lock++
		} else {
			p.lock = 0
		}
		if p.lock >= e.lockSteps {
			e.planes[enemy].alive = false
			e.dones[enemy] = true
			rewards[agent] += 1
			rewards[enemy] -= 1
			p.lock = 0
			e.kills++
		}
	}
	var alive [2]int
	for agent := range e.planes {
		if e.planes[agent].alive {
			alive[e.team(agent)]++
		}
	}
	return alive[0] == 0 || alive[1] == 0
}

// heading computes the heading tracking rewards and changes the target heading every
// steadySteps. It returns whether the episode is over.
func (e *Env) heading(rewards []float32) bool {
	checkpoint := e.step%e.steadySteps == 0
	if checkpoint {
		e.turns++
	}
	// The change of heading grows with the number of turns, up to 90 degrees.
	change := min(float32(e.turns)*10, 90) * math32.Pi / 180
	var unreached bool
	for agent := range e.planes {
		p := &e.planes[agent]
		delta := math32.Abs(wrapAngle(p.target - p.heading))
		rewards[agent] = -delta / math32.Pi
		if !checkpoint {
			continue
		}
		if delta > headingTolerance {
			unreached = true
		}
		if e.rng.IntN(2) == 0 {
			p.target = wrapAngle(p.target - change)
		} else {
			p.target = wrapAngle(p.target + change)
		}
	}
	return unreached
}

// Render implements envs.Env, writing a frame in Tacview's ACMI text format.
func (e *Env) Render(w io.Writer) error {
	var sb strings.Builder
	if !e.rendered {
		sb.WriteString("FileType=text/acmi/tacview\nFileVersion=2.1\n0,ReferenceTime=2020-04-01T00:00:00Z\n")
		e.rendered = true
	}
	fmt.Fprintf(&sb, "#%.2f\n", float32(e.step))
	for agent := range e.planes {
		p := &e.planes[agent]
		prefix, color := "A", "Red"
		if e.team(agent) == 1 {
			prefix, color = "B", "Blue"
		}
		if !p.alive {
			fmt.Fprintf(&sb, "-%s%04X\n", prefix, 0x100+agent)
			continue
		}
		lon := originLon + float64(p.x)/metersPerDegree
		lat := originLat + float64(p.y)/metersPerDegree
		yaw := 90 - p.heading*180/math32.Pi
		fmt.Fprintf(&sb, "%s%04X,T=%.6f|%.6f|%.1f|0|0|%.1f,Name=F16,Color=%s\n",
			prefix, 0x100+agent, lon, lat, p.alt, yaw, color)
	}
	_, err := io.WriteString(w, sb.String())
	return errors.Wrap(err, "failed to write ACMI frame")
}

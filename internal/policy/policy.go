// Package policy defines the capabilities the orchestrator consumes from a learning policy:
// batched action selection, checkpointing and training. Policy implementations register
// themselves as modules (see RegisterModule) and are created from configuration strings like
// "linear:hidden=32,seed=7".
package policy

import (
	"io"

	"github.com/janpfeifer/airduel/internal/buffer"
	"github.com/janpfeifer/airduel/internal/tensor"
)

// Output of a stochastic batched forward pass of the actor and the critic.
// All tensors are batched on the leading axis, like the inputs.
type Output struct {
	// Values predicted by the critic, shaped [B, 1].
	Values *tensor.Tensor

	// Actions sampled, shaped [B, *ActDims].
	Actions *tensor.Tensor

	// LogProbs of the sampled actions, shaped [B, 1].
	LogProbs *tensor.Tensor

	// RNNActor and RNNCritic are the updated recurrent states, shaped [B, layers, hidden].
	RNNActor, RNNCritic *tensor.Tensor
}

// Policy is an actor-critic policy with recurrent state.
//
// Inputs are flattened batches: B = num_envs * num_agents. Observations are [B, *ObsDims],
// recurrent states [B, layers, hidden] and masks [B, 1]. A mask of 0 means the episode ended
// in the previous step and the recurrent state must be restarted.
type Policy interface {
	// GetActions samples actions and evaluates the critic.
	GetActions(obs, rnnActor, rnnCritic, masks *tensor.Tensor) Output

	// Act runs only the actor. If deterministic, it returns the mode of the action distribution.
	Act(obs, rnnActor, masks *tensor.Tensor, deterministic bool) (actions, newRNNActor *tensor.Tensor)

	// RecurrentDims returns the number of recurrent layers and the hidden size.
	RecurrentDims() (layers, hidden int)

	// ActDims is the shape of the actions of one agent.
	ActDims() []int

	// SaveActor and SaveCritic serialize the parameters of each network.
	SaveActor(w io.Writer) error
	SaveCritic(w io.Writer) error

	// LoadActor and LoadCritic replace the parameters of each network.
	LoadActor(r io.Reader) error
	LoadCritic(r io.Reader) error

	// String returns a description of the policy, used for logging.
	String() string
}

// Metrics reported by a training update, keyed by name.
type Metrics map[string]float32

// Trainer optimizes a Policy from the contents of a ReplayBuffer.
type Trainer interface {
	// Compute the returns and advantages for the rollout in the buffer. It's called once the
	// buffer has been fully written for the iteration.
	Compute(buf *buffer.ReplayBuffer)

	// Update the policy parameters. It returns the training metrics.
	Update(buf *buffer.ReplayBuffer) (Metrics, error)
}

// Spec describes the per-agent shapes a policy must handle.
type Spec struct {
	ObsDims, ActDims []int
}

// Factory creates new Policy instances with the same configuration.
// Used to create the opponents instances, which are then loaded from checkpoints.
type Factory func() (Policy, error)

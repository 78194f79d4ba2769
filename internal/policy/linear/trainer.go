package linear

import (
	"github.com/chewxy/math32"
	"github.com/janpfeifer/airduel/internal/buffer"
	"github.com/janpfeifer/airduel/internal/parameters"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/pkg/errors"
)

// Trainer implements policy.Trainer with GAE advantages and a clipped surrogate (PPO) objective,
// optimized with plain SGD on the heads of the actor and the critic.
type Trainer struct {
	policy *Policy

	// LearningRate for the actor and the critic.
	LearningRate, CriticLearningRate float32

	// Gamma is the discount factor and GAELambda the GAE smoothing.
	Gamma, GAELambda float32

	// ClipParam of the PPO ratio.
	ClipParam float32

	// MaxGradNorm clips the gradient to this l2 length before applying.
	MaxGradNorm float32

	// Epochs of gradient descent per Update.
	Epochs int
}

var _ policy.Trainer = (*Trainer)(nil)

// NewTrainer with default hyperparameters.
func NewTrainer(p *Policy) *Trainer {
	return &Trainer{
		policy:             p,
		LearningRate:       3e-3,
		CriticLearningRate: 1e-2,
		Gamma:              0.99,
		GAELambda:          0.95,
		ClipParam:          0.2,
		MaxGradNorm:        2,
		Epochs:             4,
	}
}

// NewTrainerFromParams creates a trainer configured with the params "lr", "critic_lr", "gamma",
// "gae_lambda", "clip", "max_grad_norm" and "epochs".
func NewTrainerFromParams(p *Policy, params parameters.Params) (*Trainer, error) {
	t := NewTrainer(p)
	var err error
	for _, f := range []struct {
		key   string
		value *float32
	}{
		{"lr", &t.LearningRate},
		{"critic_lr", &t.CriticLearningRate},
		{"gamma", &t.Gamma},
		{"gae_lambda", &t.GAELambda},
		{"clip", &t.ClipParam},
		{"max_grad_norm", &t.MaxGradNorm},
	} {
		*f.value, err = parameters.PopParamOr(params, f.key, *f.value)
		if err != nil {
			return nil, err
		}
	}
	t.Epochs, err = parameters.PopParamOr(params, "epochs", t.Epochs)
	if err != nil {
		return nil, err
	}
	if t.Epochs <= 0 || t.Gamma < 0 || t.Gamma > 1 {
		return nil, errors.Errorf("invalid linear trainer parameters epochs=%d, gamma=%g", t.Epochs, t.Gamma)
	}
	return t, nil
}

// Compute implements policy.Trainer: it evaluates the bootstrap value of the last observation and
// computes the GAE advantages and the returns of every written step.
func (t *Trainer) Compute(buf *buffer.ReplayBuffer) {
	p := t.policy
	steps := buf.Writes()
	last := buf.Step()
	obs := buf.Obs[last].Flatten2()
	rnn := buf.RNNCritic[last].Flatten2()
	masks := buf.Masks[last].Flatten2()
	bootstrap := buf.Values[last]
	newH := make([]float32, p.hidden)
	for b := range obs.Dim(0) {
		bootstrap.Data[b] = p.criticStep(obs.Row(b), rnn.Row(b), masks.Data[b], newH)
	}

	size := buf.Values[0].Size()
	gae := make([]float32, size)
	for step := steps - 1; step >= 0; step-- {
		rewards, values := buf.Rewards[step].Data, buf.Values[step].Data
		nextValues, nextMasks := buf.Values[step+1].Data, buf.Masks[step+1].Data
		advantages, returns := buf.Advantages[step].Data, buf.Returns[step].Data
		for k := range size {
			delta := rewards[k] + t.Gamma*nextValues[k]*nextMasks[k] - values[k]
			gae[k] = delta + t.Gamma*t.GAELambda*nextMasks[k]*gae[k]
			advantages[k] = gae[k]
			returns[k] = gae[k] + values[k]
		}
	}
}

// Update implements policy.Trainer.
func (t *Trainer) Update(buf *buffer.ReplayBuffer) (policy.Metrics, error) {
	steps := buf.Writes()
	if steps == 0 {
		return nil, errors.New("linear trainer: nothing to train on, buffer is empty")
	}

	// Normalize advantages.
	var mean, sqSum float32
	var count int
	for step := range steps {
		for _, adv := range buf.Advantages[step].Data {
			mean += adv
			sqSum += adv * adv
			count++
		}
	}
	mean /= float32(count)
	std := math32.Sqrt(max(sqSum/float32(count)-mean*mean, 0)) + 1e-5

	metrics := make(policy.Metrics)
	for range t.Epochs {
		epoch := t.epoch(buf, steps, mean, std)
		for key, value := range epoch {
			metrics[key] += value / float32(t.Epochs)
		}
	}
	return metrics, nil
}

// epoch does one step of gradient descent over the whole buffer, and returns the metrics measured
// before the step.
func (t *Trainer) epoch(buf *buffer.ReplayBuffer, steps int, advMean, advStd float32) policy.Metrics {
	p := t.policy
	actorGrad := [][]float32{
		make([]float32, len(p.actor[headW].Data)),
		make([]float32, len(p.actor[headB].Data)),
		make([]float32, len(p.actor[actorLogStd].Data)),
	}
	criticGrad := [][]float32{
		make([]float32, len(p.critic[headW].Data)),
		make([]float32, len(p.critic[headB].Data)),
	}
	features := make([]float32, p.hidden)
	mean := make([]float32, p.actSize)
	logStd := p.actor[actorLogStd].Data
	var policyLoss, valueLoss, ratioSum float32
	var n int
	for step := range steps {
		obs := buf.Obs[step].Flatten2()
		rnnActor := buf.RNNActor[step].Flatten2()
		rnnCritic := buf.RNNCritic[step].Flatten2()
		masks := buf.Masks[step].Flatten2()
		actions := buf.Actions[step].Flatten2()
		for b := range obs.Dim(0) {
			n++
			adv := (buf.Advantages[step].Data[b] - advMean) / advStd
			action := actions.Row(b)

			// Actor: clipped surrogate.
			p.actorStep(obs.Row(b), rnnActor.Row(b), masks.Data[b], features, mean)
			ratio := math32.Exp(p.logProb(action, mean) - buf.LogProbs[step].Data[b])
			ratioSum += ratio
			surrogate := min(ratio*adv, clip(ratio, 1-t.ClipParam, 1+t.ClipParam)*adv)
			policyLoss -= surrogate
			clipped := (adv > 0 && ratio > 1+t.ClipParam) || (adv < 0 && ratio < 1-t.ClipParam)
			if !clipped {
				// d(-ratio*adv)/dθ = -ratio*adv*dlogp/dθ
				c := -ratio * adv
				for j, a := range action {
					variance := math32.Exp(2 * logStd[j])
					dMean := c * (a - mean[j]) / variance
					for i, f := range features {
						actorGrad[0][j*p.hidden+i] += dMean * f
					}
					actorGrad[1][j] += dMean
					actorGrad[2][j] += c * ((a-mean[j])*(a-mean[j])/variance - 1)
				}
			}

			// Critic: 0.5 * (returns - value)^2
			value := p.criticStep(obs.Row(b), rnnCritic.Row(b), masks.Data[b], features)
			diff := value - buf.Returns[step].Data[b]
			valueLoss += 0.5 * diff * diff
			for i, f := range features {
				criticGrad[0][i] += diff * f
			}
			criticGrad[1][0] += diff
		}
	}
	N := float32(n)
	actorNorm := applyGradient(actorGrad, [][]float32{p.actor[headW].Data, p.actor[headB].Data, p.actor[actorLogStd].Data},
		N, t.LearningRate, t.MaxGradNorm)
	criticNorm := applyGradient(criticGrad, [][]float32{p.critic[headW].Data, p.critic[headB].Data},
		N, t.CriticLearningRate, t.MaxGradNorm)
	var entropy float32
	for _, ls := range logStd {
		entropy += ls + halfLog2Pi + 0.5
	}
	return policy.Metrics{
		"policy_loss":      policyLoss / N,
		"value_loss":       valueLoss / N,
		"dist_entropy":     entropy,
		"ratio":            ratioSum / N,
		"actor_grad_norm":  actorNorm,
		"critic_grad_norm": criticNorm,
	}
}

func clip(x, low, high float32) float32 {
	return min(max(x, low), high)
}

// applyGradient takes the mean of the gradients, clips it and applies it to the parameters.
// It returns the l2 norm of the gradient before clipping.
func applyGradient(grads, params [][]float32, n, learningRate, maxNorm float32) float32 {
	var sq float32
	for _, grad := range grads {
		for ii := range grad {
			grad[ii] /= n
			sq += grad[ii] * grad[ii]
		}
	}
	norm := math32.Sqrt(sq)
	ratio := float32(1)
	if maxNorm > 0 && norm > maxNorm {
		ratio = maxNorm / norm
	}
	for ii, grad := range grads {
		for jj := range grad {
			params[ii][jj] -= learningRate * ratio * grad[jj]
		}
	}
	return norm
}

package policy

import (
	"github.com/janpfeifer/airduel/internal/parameters"
	"github.com/pkg/errors"
)

// Module creates policies and their trainers.
type Module interface {
	// NewPolicy creates a policy with freshly initialized parameters. Parameters used should be
	// popped from params (see parameters.PopParamOr), leftovers are reported as errors.
	NewPolicy(spec Spec, params parameters.Params) (Policy, error)

	// NewTrainer creates a trainer for a policy created by this module.
	NewTrainer(policy Policy, params parameters.Params) (Trainer, error)
}

var (
	// Registered modules.
	keywordToModules = make(map[string]Module)
)

// RegisterModule so it can be used from configuration strings.
func RegisterModule(name string, module Module) {
	keywordToModules[name] = module
}

// DefaultConfig is used if an empty configuration is given.
var DefaultConfig = "linear"

func findModule(config string) (name string, module Module, params parameters.Params, err error) {
	if config == "" {
		config = DefaultConfig
	}
	name, rest := parameters.SplitModule(config)
	module, found := keywordToModules[name]
	if !found {
		return name, nil, nil, errors.Errorf("unknown policy module %q", name)
	}
	return name, module, parameters.NewFromConfigString(rest), nil
}

// New creates a new Policy given the configuration string.
//
// Args:
//
//	config: the module name followed by a colon (":"), followed by a comma-separated list of optional
//		parameters with optional values associated. If empty, DefaultConfig is used.
func New(config string, spec Spec) (Policy, error) {
	name, module, params, err := findModule(config)
	if err != nil {
		return nil, err
	}
	p, err := module.NewPolicy(spec, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create policy %q", name)
	}
	if err := parameters.CheckAllUsed(params, "policy "+name); err != nil {
		return nil, err
	}
	return p, nil
}

// NewFactory validates the configuration by creating a first Policy, and returns it along with a
// Factory that creates more instances of the same configuration.
func NewFactory(config string, spec Spec) (Policy, Factory, error) {
	p, err := New(config, spec)
	if err != nil {
		return nil, nil, err
	}
	factory := func() (Policy, error) { return New(config, spec) }
	return p, factory, nil
}

// NewTrainer creates the trainer of the module named in the policy config, with the
// trainer specific parameters in trainerConfig (e.g.: "lr=1e-3,gamma=0.99").
func NewTrainer(config string, p Policy, trainerConfig string) (Trainer, error) {
	name, module, _, err := findModule(config)
	if err != nil {
		return nil, err
	}
	params := parameters.NewFromConfigString(trainerConfig)
	trainer, err := module.NewTrainer(p, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create trainer for policy %q", name)
	}
	if err := parameters.CheckAllUsed(params, "trainer "+name); err != nil {
		return nil, err
	}
	return trainer, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/janpfeifer/airduel/internal/envs"
	"github.com/janpfeifer/airduel/internal/parameters"
	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/janpfeifer/airduel/internal/train"
	"github.com/janpfeifer/airduel/internal/ui/report"
	"github.com/janpfeifer/airduel/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// moduleName returns the module name of a configuration string, or defaultName if empty.
func moduleName(config, defaultName string) string {
	if config == "" {
		return defaultName
	}
	name, _ := parameters.SplitModule(config)
	return name
}

// selectRunDir returns modelDir to resume training in it, or a new run directory otherwise (and
// always for rendering).
func selectRunDir(modelDir string, render bool) (string, error) {
	if modelDir != "" && !render {
		info, err := os.Stat(modelDir)
		if err != nil {
			return "", errors.Wrapf(err, "cannot resume from -model_dir=%q", modelDir)
		}
		if !info.IsDir() {
			return "", errors.Errorf("-model_dir=%q is not a directory", modelDir)
		}
		klog.Infof("Resuming training in %s", modelDir)
		return modelDir, nil
	}
	return train.NewRunDir(*flagResults, moduleName(*flagEnv, envs.DefaultConfig),
		moduleName(*flagPolicy, policy.DefaultConfig), *flagExperiment)
}

// createRunner creates the environments, the policy and the training runner, in a new run directory.
func createRunner() (*train.Runner, string, error) {
	refresh, err := pool.ParseRefreshPolicy(*flagRefresh)
	if err != nil {
		return nil, "", errors.WithMessage(err, "invalid -refresh")
	}
	cfg := train.DefaultConfig()
	cfg.Horizon = *flagHorizon
	cfg.NumEnvs = *flagNumEnvs
	cfg.NumEnvSteps = *flagNumEnvSteps
	cfg.SelfPlay = *flagSelfPlay
	cfg.NumOpponents = *flagNumOpponents
	cfg.Refresh = refresh
	cfg.InitRating = float32(*flagInitRating)
	cfg.SaveInterval = *flagSaveInterval
	cfg.LogInterval = *flagLogInterval
	cfg.EvalInterval = *flagEvalInterval
	cfg.UseEval = *flagUseEval
	cfg.EvalEpisodes = *flagEvalEpisodes
	cfg.MaxEvalSteps = *flagMaxEvalSteps
	cfg.Seed = *flagSeed
	cfg.ModelDir = *flagModelDir
	cfg.PoolIndex = *flagPoolIndex
	if *flagRender {
		if cfg.ModelDir == "" {
			return nil, "", errors.New("-render requires -model_dir")
		}
		cfg.NumEnvs = 1
		cfg.NumOpponents = 1
		cfg.NumEnvSteps = int64(cfg.Horizon)
		cfg.UseEval = false
		cfg.PoolIndex = false
	}

	env, err := envs.NewVector(*flagEnv, cfg.NumEnvs, *flagParallelism, cfg.Seed)
	if err != nil {
		return nil, "", err
	}
	var evalEnv envs.VectorEnv
	if cfg.UseEval {
		if evalEnv, err = envs.NewVector(*flagEnv, *flagEvalEnvs, *flagParallelism, cfg.Seed+1); err != nil {
			return nil, "", err
		}
	}
	spec := policy.Spec{ObsDims: env.ObsDims(), ActDims: env.ActDims()}
	p, factory, err := policy.NewFactory(*flagPolicy, spec)
	if err != nil {
		return nil, "", err
	}
	trainer, err := policy.NewTrainer(*flagPolicy, p, *flagTrainer)
	if err != nil {
		return nil, "", err
	}
	klog.V(1).Infof("Policy: %s", p)

	runDir, err := selectRunDir(cfg.ModelDir, *flagRender)
	if err != nil {
		return nil, "", err
	}
	cfg.SaveDir = runDir
	runner, err := train.New(cfg, env, evalEnv, p, trainer, factory)
	if err != nil {
		return nil, "", err
	}
	runner.Report = report.Print
	return runner, runDir, nil
}

// render one episode to an ACMI file in the run directory.
func render(ctx context.Context, runner *train.Runner, runDir string) error {
	filePath := path.Join(runDir, *flagExperiment+".txt.acmi")
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", filePath)
	}
	fmt.Printf("Rendering episode to %s ", filePath)
	spinner := spinning.New(ctx)
	reward, err := runner.Render(ctx, f)
	spinner.Done()
	fmt.Println()
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close %s", filePath)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Render episode reward of ego agents: %g\n", reward)
	return nil
}

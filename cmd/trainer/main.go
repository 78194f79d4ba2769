// trainer is a command line tool to train a policy for the air combat environments with self-play.
//
// It works by:
//  1. Collecting -horizon steps in each of the -num_envs parallel environments, with the ego agents
//     controlled by the policy being trained, and the opponents by policies loaded from the pool
//     of previously saved checkpoints.
//  2. Updating the policy with the collected rollouts.
//  3. Every -save_interval iterations, saving the policy and registering it in the pool.
//  4. Every -eval_interval iterations, evaluating it (if -use_eval) and refreshing the opponents.
//
// With -render it instead plays one episode with the policy restored from -model_dir, and writes
// an ACMI file that can be opened with Tacview.
//
// See -help for flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	_ "github.com/janpfeifer/airduel/internal/envs/duel"
	_ "github.com/janpfeifer/airduel/internal/policy/linear"
	"github.com/janpfeifer/airduel/internal/profilers"
	"github.com/janpfeifer/airduel/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// Flags
var (
	flagEnv = flag.String("env", "", "Environment configuration, e.g. \"duel:task=heading,max_steps=400\". "+
		"Empty means the default environment.")
	flagPolicy = flag.String("policy", "", "Policy configuration, e.g. \"linear:hidden=16,seed=7\". "+
		"Empty means the default policy.")
	flagTrainer = flag.String("trainer", "", "Trainer parameters for the policy module, e.g. \"lr=1e-3,epochs=4\".")

	flagNumEnvs     = flag.Int("num_envs", 8, "Number of parallel environments used for training.")
	flagEvalEnvs    = flag.Int("eval_envs", 2, "Number of parallel environments used for evaluation.")
	flagParallelism = flag.Int("parallelism", 0, "Maximum number of environments stepped concurrently. "+
		"If <= 0, all environments are stepped concurrently.")
	flagHorizon     = flag.Int("horizon", 200, "Number of steps collected in each environment per iteration.")
	flagNumEnvSteps = flag.Int64("num_env_steps", 10_000_000, "Total number of environment steps to train.")
	flagSeed        = flag.Uint64("seed", 1, "Random seed for environments and opponents sampling.")

	flagSelfPlay     = flag.Bool("selfplay", true, "Train with self-play: half of the agents are opponents.")
	flagNumOpponents = flag.Int("num_opponents", 1, "Number of different opponents sampled from the pool, "+
		"each playing a contiguous chunk of the environments. It must be <= -num_envs.")
	flagRefresh = flag.String("refresh", "latest", "Algorithm to sample opponents from the pool: "+
		"\"latest\" (or \"sp\") or \"uniform_historical\" (or \"fsp\").")
	flagInitRating = flag.Float64("init_rating", 1000, "Rating of the checkpoints registered in the pool.")

	flagSaveInterval = flag.Int("save_interval", 1, "Save a checkpoint every given number of iterations.")
	flagLogInterval  = flag.Int("log_interval", 5, "Log training statistics every given number of iterations.")
	flagEvalInterval = flag.Int("eval_interval", 25, "Evaluate and refresh opponents every given number of iterations.")
	flagUseEval      = flag.Bool("use_eval", false, "Evaluate the policy every -eval_interval iterations.")
	flagEvalEpisodes = flag.Int("eval_episodes", 32, "Number of episodes of each evaluation.")
	flagMaxEvalSteps = flag.Int("max_eval_steps", 0, "If > 0, limits the number of steps of evaluation and rendering.")

	flagResults    = flag.String("results", "results", "Base directory where to create the run directories.")
	flagExperiment = flag.String("experiment", "default", "Name of the experiment, used for the run directory.")
	flagModelDir   = flag.String("model_dir", "", "If set, restores the latest policy from this run directory "+
		"and resumes training in it: the policy pool is recovered (with -pool_index) and iterations continue "+
		"after the last one saved. With -render, only the policy is restored.")
	flagPoolIndex  = flag.Bool("pool_index", true, "Persist the policy pool in the run directory.")
	flagRender     = flag.Bool("render", false, "Instead of training, render one episode of the policy "+
		"restored from -model_dir to an ACMI file.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	runner, runDir, err := createRunner()
	if err != nil {
		klog.Fatalf("Failed to create trainer: %+v", err)
	}
	defer func() { must.M(runner.Close()) }()

	if *flagRender {
		must.M(render(globalCtx, runner, runDir))
		return
	}
	fmt.Printf("Training %d iterations (from iteration %d), saving to %s\n",
		runner.Config().Iterations(), runner.FirstIteration(), runDir)
	fmt.Println("\t- It saves periodically, and you can simply interrupt (Control+C) when you want to stop.")
	if err := runner.Run(globalCtx); err != nil {
		if globalCtx.Err() != nil {
			// Interrupted.
			klog.Infof("Training interrupted in iteration %d", runner.State().Iteration)
			return
		}
		klog.Fatalf("Training failed: %+v", err)
	}
	fmt.Printf("Training finished: %d environment steps\n", runner.State().TotalSteps)
}

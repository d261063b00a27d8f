/*
Package stresstest runs load scenarios: virtual users executing iteration
bodies under an execution profile, with run records persisted to SQLite.

# Overview

A Scenario is a static definition: one or more named executors, each with a
Profile and an iteration body, optional setup/teardown hooks, and thresholds.
A Runner instantiates it once per run:

 1. Create the run record
 2. Setup (once); its result reaches every VU as SetupData
 3. Start every executor concurrently (errgroup)
 4. Wait, then Teardown (once)
 5. Evaluate thresholds, persist summaries and verdicts, finalize the record

Setup errors are logged and the run proceeds degraded. Iteration errors and
panics never stop sibling VUs; panics are counted in iteration_panics.

# Profiles

constant-vus:
  - VUs loop over iterations for Duration

ramping-vus:
  - Starts at StartVUs; the target moves linearly toward each stage's
    Target over the stage's Duration (see TargetAt)
  - Every VU up to the peak is spawned up front and gated on the target

constant-arrival-rate:
  - Starts Rate iterations per TimeUnit through a token-bucket limiter
  - Iterations run on idle VUs from a pool of PreAllocatedVUs, growing up to
    MaxVUs; with no VU free the iteration is dropped (dropped_iterations)

shared-iterations:
  - VUs share a fixed budget of Iterations, bounded by MaxDuration

Once the scheduling window closes, in-flight iterations get GracefulStop
(default 30s) before their context is cancelled. Interrupted iterations are
not counted.

# VUs

Each VU runs its iterations serially and owns its State, built once by the
InitVU hook (typically its own session manager). VU IDs are unique across
a run, and each VU's Rand is seeded from the run seed and the VU ID.

# Metrics

Executors record iterations, iteration_duration, iteration_panics,
dropped_iterations, vus and vus_max, all tagged with the executor name.
Request-level metrics come from the executor package's client.

# Database Schema

runs:
  - One row per run with status, pass/fail and headline numbers

metric_summaries:
  - The summary table of a run, one row per metric or filtered selector

threshold_results:
  - One row per threshold expression with its observed value

samples:
  - Raw samples, written only when sample capture is enabled; batched
    off the VU goroutines

# Example Usage

	runner, err := stresstest.NewRunner(scenario, stresstest.RunOptions{
		Metrics: reg,
		Manager: manager,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if !result.Passed() {
		// thresholds failed
	}
*/
package stresstest

package saem

import (
	"fmt"

	"go.uber.org/zap"
)

// Config holds the algorithm settings.  It is passed by value to each
// fit so that concurrent or repeated fits cannot affect each other.
type Config struct {

	// Seed for the random number generator.  Fits with the same
	// problem and configuration give identical results.
	Seed uint64

	// Iterations of the MCMC sampler before any parameter update.
	BurnIn int

	// Iterations with unit step size (exploration phase).
	ExploreIters int

	// Iterations with decreasing step size (smoothing phase).
	SmoothIters int

	// Number of initial exploration iterations during which the
	// variance parameters can decrease by at most a factor of
	// AnnealRate per iteration.
	AnnealIters int
	AnnealRate  float64

	// Number of passes of each of the three Metropolis-Hastings
	// kernels per iteration.
	MCMC [3]int

	// Number of draws per subject for the importance sampling
	// estimate of the log-likelihood, and the degrees of freedom of
	// the t proposal.
	ImportanceSamples int
	ImportanceDF      float64

	// If true, compute standard errors for the fixed effects and
	// random effect variances.
	StandardErrors bool

	// Relative change tolerance used to assess convergence over the
	// second half of the smoothing phase.
	Tol float64

	// Largest change of a fixed effect, relative to one plus its
	// magnitude, allowed between the last two quarters of the
	// exploration phase.
	DriftTol float64

	// Log receives progress messages; may be nil.
	Log *zap.Logger
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Seed:              123456,
		BurnIn:            5,
		ExploreIters:      300,
		SmoothIters:       100,
		AnnealIters:       150,
		AnnealRate:        0.97,
		MCMC:              [3]int{2, 2, 2},
		ImportanceSamples: 1000,
		ImportanceDF:      4,
		StandardErrors:    true,
		Tol:               0.05,
		DriftTol:          0.1,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {

	switch {
	case c.BurnIn < 0:
		return fmt.Errorf("saem: negative burn-in")
	case c.ExploreIters < 1:
		return fmt.Errorf("saem: need at least one exploration iteration")
	case c.SmoothIters < 2:
		return fmt.Errorf("saem: need at least two smoothing iterations")
	case c.AnnealIters < 0 || c.AnnealIters > c.ExploreIters:
		return fmt.Errorf("saem: annealing iterations must be in [0, %d]", c.ExploreIters)
	case c.AnnealRate <= 0 || c.AnnealRate > 1:
		return fmt.Errorf("saem: annealing rate must be in (0, 1]")
	case c.MCMC[0] < 0 || c.MCMC[1] < 0 || c.MCMC[2] < 0 || c.MCMC[0]+c.MCMC[1]+c.MCMC[2] == 0:
		return fmt.Errorf("saem: invalid MCMC kernel counts %v", c.MCMC)
	case c.ImportanceSamples < 10:
		return fmt.Errorf("saem: need at least 10 importance samples")
	case c.ImportanceDF <= 0:
		return fmt.Errorf("saem: importance sampling degrees of freedom must be positive")
	case !(c.Tol > 0):
		return fmt.Errorf("saem: tolerance must be positive")
	case !(c.DriftTol > 0):
		return fmt.Errorf("saem: drift tolerance must be positive")
	}

	return nil
}

func (c Config) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

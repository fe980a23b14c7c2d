package pkdata

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/pkfit/onecpt"
)

// SimConfig describes a synthetic single-dose study.
type SimConfig struct {

	// Seed for the random number generator.
	Seed uint64

	NumSubjects int

	// Sampling times, the same for every subject.
	Times []float64

	Dose float64

	// Typical parameters for a subject with both covariates equal to zero.
	Pop onecpt.Params

	// Standard deviations of the log-scale random effects for (ka, V, ke).
	OmegaSD [3]float64

	// Linear effects of sex and age on the log parameters.
	SexEffect [3]float64
	AgeEffect [3]float64

	AgeMin, AgeMax float64

	// Probability that a subject is female.
	FemaleProb float64

	// Residual error is additive plus proportional.
	ResidualAdd  float64
	ResidualProp float64
}

// DefaultSimConfig returns a study with 40 subjects and a rich
// sampling design.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Seed:         20240111,
		NumSubjects:  40,
		Times:        []float64{0, 0.25, 0.5, 1, 1.5, 2, 3, 4, 6, 8, 12, 24},
		Dose:         100,
		Pop:          onecpt.Params{Ka: 1.238, V: 101.361, Ke: 0.498},
		OmegaSD:      [3]float64{0.3, 0.2, 0.25},
		AgeMin:       20,
		AgeMax:       70,
		FemaleProb:   0.5,
		ResidualAdd:  0.005,
		ResidualProp: 0.05,
	}
}

// Simulate generates a data set from the one-compartment model.
// Identical configurations produce identical data.
func Simulate(cfg SimConfig) (*Dataset, error) {

	if cfg.NumSubjects < 1 || len(cfg.Times) == 0 {
		return nil, fmt.Errorf("%w: empty simulation design", ErrInvalid)
	}
	if err := cfg.Pop.Validate(); err != nil {
		return nil, err
	}
	if cfg.AgeMax < cfg.AgeMin || !(cfg.AgeMin > 0) {
		return nil, fmt.Errorf("%w: age range [%v, %v]", ErrInvalid, cfg.AgeMin, cfg.AgeMax)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	unif := distuv.Uniform{Min: cfg.AgeMin, Max: cfg.AgeMax, Src: rng}

	lp := cfg.Pop.Log()

	var obs []Observation
	for i := 0; i < cfg.NumSubjects; i++ {

		id := i + 1
		sex := Male
		if rng.Float64() < cfg.FemaleProb {
			sex = Female
		}
		age := math.Round(unif.Rand())

		// Draw until the individual parameters are admissible.
		var p onecpt.Params
		for try := 0; ; try++ {
			if try == 100 {
				return nil, fmt.Errorf("pkdata: cannot draw admissible parameters for subject %d", id)
			}
			phi := make([]float64, 3)
			for k := range phi {
				phi[k] = lp[k] + cfg.SexEffect[k]*float64(sex) + cfg.AgeEffect[k]*age + cfg.OmegaSD[k]*norm.Rand()
			}
			p = onecpt.FromLog(phi)
			if p.Validate() == nil {
				break
			}
		}

		for _, t := range cfg.Times {
			f := onecpt.Conc(cfg.Dose, p, t)
			y := 0.0
			if t > 0 {
				y = f + (cfg.ResidualAdd+cfg.ResidualProp*f)*norm.Rand()
				y = math.Max(y, 0)
			}
			obs = append(obs, Observation{
				ID:   id,
				Time: t,
				Conc: y,
				Dose: cfg.Dose,
				Sex:  sex,
				Age:  age,
			})
		}
	}

	return NewDataset(obs)
}

// Package pkdata holds concentration-time data from a single-dose PK
// study.  Records are keyed by patient id; nothing in the package relies
// on the row order of the input.
package pkdata

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrUnknownSubject is returned when a patient id is not present
	// in a data set.
	ErrUnknownSubject = errors.New("pkdata: unknown subject")

	// ErrInvalid is returned when a record violates a data constraint.
	ErrInvalid = errors.New("pkdata: invalid record")
)

// Sex is coded 0/1 as in the input data.
type Sex int

// Male and Female are the two levels of Sex.
const (
	Male   Sex = 0
	Female Sex = 1
)

func (s Sex) String() string {
	switch s {
	case Male:
		return "male"
	case Female:
		return "female"
	default:
		return fmt.Sprintf("Sex(%d)", int(s))
	}
}

// Observation is one row of the long-format input table.
type Observation struct {
	ID   int
	Time float64

	// Conc is NaN when the concentration is missing.
	Conc float64
	Dose float64
	Sex  Sex
	Age  float64
}

// Dose is a single extravascular dose event.
type Dose struct {
	Amount float64
	Time   float64
}

// Covariates are the subject-level covariates.
type Covariates struct {
	Sex Sex
	Age float64
}

// Subject holds the data for one patient, sorted by time.
type Subject struct {
	ID   int
	Dose Dose
	Covariates

	Time []float64
	Conc []float64
}

// clone returns a deep copy of the subject.
func (s *Subject) clone() *Subject {
	c := *s
	c.Time = append([]float64(nil), s.Time...)
	c.Conc = append([]float64(nil), s.Conc...)
	return &c
}

// Observed returns the times and concentrations with the missing
// concentrations removed.
func (s *Subject) Observed() ([]float64, []float64) {
	var tm, cn []float64
	for i := range s.Time {
		if !math.IsNaN(s.Conc[i]) {
			tm = append(tm, s.Time[i])
			cn = append(cn, s.Conc[i])
		}
	}
	return tm, cn
}

// Dataset is an immutable collection of subjects.
type Dataset struct {
	obs      []Observation
	subjects map[int]*Subject
	ids      []int
}

// NewDataset validates the observations and groups them by subject.
// Each subject must have a single dose, given at time zero, and
// constant covariates.
func NewDataset(obs []Observation) (*Dataset, error) {

	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrInvalid)
	}

	ds := &Dataset{
		subjects: make(map[int]*Subject),
	}

	for i, ob := range obs {

		switch {
		case math.IsNaN(ob.Time) || ob.Time < 0:
			return nil, fmt.Errorf("%w: row %d: time %v", ErrInvalid, i+1, ob.Time)
		case ob.Conc < 0:
			return nil, fmt.Errorf("%w: row %d: negative concentration %v", ErrInvalid, i+1, ob.Conc)
		case !(ob.Dose > 0):
			return nil, fmt.Errorf("%w: row %d: dose %v", ErrInvalid, i+1, ob.Dose)
		case !(ob.Age > 0):
			return nil, fmt.Errorf("%w: row %d: age %v", ErrInvalid, i+1, ob.Age)
		case ob.Sex != Male && ob.Sex != Female:
			return nil, fmt.Errorf("%w: row %d: sex %d", ErrInvalid, i+1, ob.Sex)
		}

		sub, ok := ds.subjects[ob.ID]
		if !ok {
			sub = &Subject{
				ID:         ob.ID,
				Dose:       Dose{Amount: ob.Dose},
				Covariates: Covariates{Sex: ob.Sex, Age: ob.Age},
			}
			ds.subjects[ob.ID] = sub
			ds.ids = append(ds.ids, ob.ID)
		} else {
			if sub.Dose.Amount != ob.Dose {
				return nil, fmt.Errorf("%w: subject %d has more than one dose", ErrInvalid, ob.ID)
			}
			if sub.Sex != ob.Sex || sub.Age != ob.Age {
				return nil, fmt.Errorf("%w: subject %d has varying covariates", ErrInvalid, ob.ID)
			}
		}

		sub.Time = append(sub.Time, ob.Time)
		sub.Conc = append(sub.Conc, ob.Conc)
	}

	sort.Ints(ds.ids)

	for _, sub := range ds.subjects {
		sort.Sort(byTime{sub})
		for j := 1; j < len(sub.Time); j++ {
			if sub.Time[j] == sub.Time[j-1] {
				return nil, fmt.Errorf("%w: subject %d has duplicate time %v", ErrInvalid, sub.ID, sub.Time[j])
			}
		}
	}

	ds.obs = make([]Observation, 0, len(obs))
	for _, id := range ds.ids {
		sub := ds.subjects[id]
		for j := range sub.Time {
			ds.obs = append(ds.obs, Observation{
				ID:   id,
				Time: sub.Time[j],
				Conc: sub.Conc[j],
				Dose: sub.Dose.Amount,
				Sex:  sub.Sex,
				Age:  sub.Age,
			})
		}
	}

	return ds, nil
}

type byTime struct {
	s *Subject
}

func (b byTime) Len() int           { return len(b.s.Time) }
func (b byTime) Less(i, j int) bool { return b.s.Time[i] < b.s.Time[j] }
func (b byTime) Swap(i, j int) {
	b.s.Time[i], b.s.Time[j] = b.s.Time[j], b.s.Time[i]
	b.s.Conc[i], b.s.Conc[j] = b.s.Conc[j], b.s.Conc[i]
}

// Observations returns a copy of the records, ordered by id and time.
func (ds *Dataset) Observations() []Observation {
	return append([]Observation(nil), ds.obs...)
}

// IDs returns the patient ids in increasing order.
func (ds *Dataset) IDs() []int {
	return append([]int(nil), ds.ids...)
}

// NumSubjects returns the number of patients.
func (ds *Dataset) NumSubjects() int {
	return len(ds.ids)
}

// NumObs returns the number of records, including those with a
// missing concentration.
func (ds *Dataset) NumObs() int {
	return len(ds.obs)
}

// NumObserved returns the number of non-missing concentrations.
func (ds *Dataset) NumObserved() int {
	n := 0
	for _, ob := range ds.obs {
		if !math.IsNaN(ob.Conc) {
			n++
		}
	}
	return n
}

// Subject returns a copy of the data for one patient.
func (ds *Dataset) Subject(id int) (*Subject, error) {
	sub, ok := ds.subjects[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownSubject, id)
	}
	return sub.clone(), nil
}

// Subjects returns copies of all subjects in id order.
func (ds *Dataset) Subjects() []*Subject {
	var subs []*Subject
	for _, id := range ds.ids {
		subs = append(subs, ds.subjects[id].clone())
	}
	return subs
}

// Covariates returns the covariates for one patient.
func (ds *Dataset) Covariates(id int) (Covariates, error) {
	sub, ok := ds.subjects[id]
	if !ok {
		return Covariates{}, fmt.Errorf("%w: id %d", ErrUnknownSubject, id)
	}
	return sub.Covariates, nil
}

// BySex partitions the subjects by sex.
func (ds *Dataset) BySex() map[Sex][]*Subject {
	m := make(map[Sex][]*Subject)
	for _, sub := range ds.Subjects() {
		m[sub.Sex] = append(m[sub.Sex], sub)
	}
	return m
}

// Filter returns a new data set holding the observations for which f
// returns true.  Subjects left with no observations are dropped.
func (ds *Dataset) Filter(f func(Observation) bool) (*Dataset, error) {
	var obs []Observation
	for _, ob := range ds.obs {
		if f(ob) {
			obs = append(obs, ob)
		}
	}
	return NewDataset(obs)
}

// DropPredose returns the data used for model fitting: the time-zero
// records, which carry no information about the parameters, are
// removed, as are missing concentrations.
func (ds *Dataset) DropPredose() (*Dataset, error) {
	return ds.Filter(func(ob Observation) bool {
		return ob.Time > 0 && !math.IsNaN(ob.Conc)
	})
}

// PopulationMean returns the naive population-average profile: the
// mean of the non-missing concentrations at each distinct time.
func (ds *Dataset) PopulationMean() ([]float64, []float64) {

	sum := make(map[float64]float64)
	cnt := make(map[float64]int)
	for _, ob := range ds.obs {
		if math.IsNaN(ob.Conc) {
			continue
		}
		sum[ob.Time] += ob.Conc
		cnt[ob.Time]++
	}

	var times []float64
	for t := range sum {
		times = append(times, t)
	}
	sort.Float64s(times)

	mean := make([]float64, len(times))
	for i, t := range times {
		mean[i] = sum[t] / float64(cnt[t])
	}

	return times, mean
}

// Dose returns the common dose amount, or an error if subjects
// received different doses.
func (ds *Dataset) Dose() (float64, error) {
	d := ds.subjects[ds.ids[0]].Dose.Amount
	for _, id := range ds.ids {
		if ds.subjects[id].Dose.Amount != d {
			return 0, fmt.Errorf("pkdata: subjects received different doses")
		}
	}
	return d, nil
}

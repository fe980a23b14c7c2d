// Package covariate screens individual parameter estimates for
// associations with sex and age.  The results are descriptive; nothing
// here changes a fitted model.
package covariate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/saem"
)

var (
	// ErrMissingCovariate is returned when an id has no covariate record.
	ErrMissingCovariate = errors.New("covariate: missing covariate record")

	// ErrNotImplemented is returned by Stepwise.
	ErrNotImplemented = errors.New("covariate: not implemented")
)

// Table holds per-subject values joined with the subject covariates.
type Table struct {
	Names []string
	IDs   []int

	values map[int][]float64
	covs   map[int]pkdata.Covariates
}

// Join joins per-subject values with the covariates in the data set,
// by id.  Every id in values must be present in the data set.
func Join(values map[int][]float64, names []string, ds *pkdata.Dataset) (*Table, error) {

	tab := &Table{
		Names:  append([]string(nil), names...),
		values: make(map[int][]float64),
		covs:   make(map[int]pkdata.Covariates),
	}

	for id := range values {
		tab.IDs = append(tab.IDs, id)
	}
	sort.Ints(tab.IDs)

	for _, id := range tab.IDs {
		v := values[id]
		if len(v) != len(names) {
			return nil, fmt.Errorf("covariate: id %d has %d values for %d names", id, len(v), len(names))
		}
		cv, err := ds.Covariates(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingCovariate, err)
		}
		tab.values[id] = append([]float64(nil), v...)
		tab.covs[id] = cv
	}

	return tab, nil
}

// IndividualValues returns the log-scale individual parameters, or the
// random effects if eta is true, keyed by id.
func IndividualValues(rslt *saem.Result, eta bool) (map[int][]float64, []string) {

	values := make(map[int][]float64)
	for _, ind := range rslt.Individuals() {
		if eta {
			values[ind.ID] = append([]float64(nil), ind.Eta...)
		} else {
			values[ind.ID] = append([]float64(nil), ind.MAP...)
		}
	}

	var names []string
	for _, p := range rslt.ParamNames {
		if eta {
			names = append(names, "eta_"+p)
		} else {
			names = append(names, "log_"+p)
		}
	}

	return values, names
}

// Len returns the number of subjects.
func (tab *Table) Len() int {
	return len(tab.IDs)
}

// Column returns column k in id order.
func (tab *Table) Column(k int) []float64 {
	x := make([]float64, len(tab.IDs))
	for i, id := range tab.IDs {
		x[i] = tab.values[id][k]
	}
	return x
}

// Value returns the values for one subject.
func (tab *Table) Value(id int) ([]float64, error) {
	v, ok := tab.values[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", pkdata.ErrUnknownSubject, id)
	}
	return v, nil
}

// Ages returns the ages in id order.
func (tab *Table) Ages() []float64 {
	x := make([]float64, len(tab.IDs))
	for i, id := range tab.IDs {
		x[i] = tab.covs[id].Age
	}
	return x
}

// Sexes returns the sex codes in id order.
func (tab *Table) Sexes() []float64 {
	x := make([]float64, len(tab.IDs))
	for i, id := range tab.IDs {
		x[i] = float64(tab.covs[id].Sex)
	}
	return x
}

// BySex splits column k by sex.
func (tab *Table) BySex(k int) (male, female []float64) {
	for _, id := range tab.IDs {
		v := tab.values[id][k]
		if tab.covs[id].Sex == pkdata.Female {
			female = append(female, v)
		} else {
			male = append(male, v)
		}
	}
	return male, female
}

// Stepwise would search for a covariate model by adding and removing
// effects.  The entry and exit rules are not defined, so it always
// returns ErrNotImplemented.
func Stepwise(prob *saem.Problem, cfg saem.Config, candidates []string) (*saem.CovariateModel, error) {
	return nil, fmt.Errorf("%w: stepwise covariate search", ErrNotImplemented)
}

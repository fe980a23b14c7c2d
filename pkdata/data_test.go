package pkdata

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Rows are deliberately out of order, and the subject ids are not
// contiguous.
const data1 = `ID,TIME,CONC,DOSE,SEX,AGE,EXTRA
7,1,0.52,100,1,40,a
3,0,0,100,0,55,b
3,1,0.40,100,0,55,c
7,0,0,100,1,40,d
3,2,0.45,100,0,55,e
7,2,NA,100,1,40,f
3,4,0.30,100,0,55,g
7,4,0.36,100,1,40,h
`

func TestReadCSV(t *testing.T) {

	ds, err := ReadCSV(strings.NewReader(data1))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 7}, ds.IDs())
	assert.Equal(t, 2, ds.NumSubjects())
	assert.Equal(t, 8, ds.NumObs())
	assert.Equal(t, 7, ds.NumObserved())

	sub, err := ds.Subject(3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2, 4}, sub.Time)
	assert.Equal(t, []float64{0, 0.40, 0.45, 0.30}, sub.Conc)
	assert.Equal(t, Male, sub.Sex)
	assert.Equal(t, 55.0, sub.Age)
	assert.Equal(t, 100.0, sub.Dose.Amount)

	sub, err = ds.Subject(7)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(sub.Conc[2]))
	tm, cn := sub.Observed()
	assert.Equal(t, []float64{0, 1, 4}, tm)
	assert.Equal(t, []float64{0, 0.52, 0.36}, cn)

	// Returned subjects are copies
	sub.Conc[1] = 99
	sub2, _ := ds.Subject(7)
	assert.Equal(t, 0.52, sub2.Conc[1])

	_, err = ds.Subject(5)
	assert.True(t, errors.Is(err, ErrUnknownSubject))

	cv, err := ds.Covariates(7)
	require.NoError(t, err)
	assert.Equal(t, Covariates{Sex: Female, Age: 40}, cv)
	_, err = ds.Covariates(8)
	assert.True(t, errors.Is(err, ErrUnknownSubject))

	d, err := ds.Dose()
	require.NoError(t, err)
	assert.Equal(t, 100.0, d)
}

func TestAliases(t *testing.T) {

	s := "subject,t,dv,amt,gender,age\n1,0,0,50,0,30\n1,1,.,50,0,30\n1,2,0.5,50,0,30\n"
	ds, err := ReadCSV(strings.NewReader(s))
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumObs())
	assert.Equal(t, 2, ds.NumObserved())
}

func TestReadErrors(t *testing.T) {

	cases := []string{
		"",
		"ID,TIME,CONC,DOSE,SEX\n1,0,0,100,0\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,-1,0,100,0,30\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,0,-0.1,100,0,30\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,0,0,100,2,30\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,0,0,100,0,0\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,0,0,100,0,30\n1,1,1,200,0,30\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,0,0,100,0,30\n1,1,1,100,1,30\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,1,0,100,0,30\n1,1,1,100,0,30\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1.5,0,0,100,0,30\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,x,0,100,0,30\n",
		"ID,TIME,CONC,DOSE,SEX,AGE\n1,0,0,NA,0,30\n",
	}

	for _, c := range cases {
		_, err := ReadCSV(strings.NewReader(c))
		assert.Error(t, err, c)
	}
}

func TestDropPredose(t *testing.T) {

	ds, err := ReadCSV(strings.NewReader(data1))
	require.NoError(t, err)

	fit, err := ds.DropPredose()
	require.NoError(t, err)

	for _, ob := range fit.Observations() {
		assert.True(t, ob.Time > 0)
		assert.False(t, math.IsNaN(ob.Conc))
	}
	assert.Equal(t, 5, fit.NumObs())

	// The full data are unchanged
	assert.Equal(t, 8, ds.NumObs())
}

func TestPopulationMean(t *testing.T) {

	ds, err := ReadCSV(strings.NewReader(data1))
	require.NoError(t, err)

	tm, mn := ds.PopulationMean()
	assert.Equal(t, []float64{0, 1, 2, 4}, tm)
	assert.InDelta(t, 0, mn[0], 1e-12)
	assert.InDelta(t, 0.46, mn[1], 1e-12)
	assert.InDelta(t, 0.45, mn[2], 1e-12)
	assert.InDelta(t, 0.33, mn[3], 1e-12)
}

func TestBySex(t *testing.T) {

	ds, err := ReadCSV(strings.NewReader(data1))
	require.NoError(t, err)

	m := ds.BySex()
	require.Len(t, m[Male], 1)
	require.Len(t, m[Female], 1)
	assert.Equal(t, 3, m[Male][0].ID)
	assert.Equal(t, 7, m[Female][0].ID)
}

func TestWriteRoundTrip(t *testing.T) {

	ds, err := ReadCSV(strings.NewReader(data1))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ds.WriteCSV(&buf))

	ds2, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, ds.IDs(), ds2.IDs())
	ob1 := ds.Observations()
	ob2 := ds2.Observations()
	require.Equal(t, len(ob1), len(ob2))
	for i := range ob1 {
		assert.Equal(t, ob1[i].ID, ob2[i].ID)
		assert.Equal(t, ob1[i].Time, ob2[i].Time)
		if math.IsNaN(ob1[i].Conc) {
			assert.True(t, math.IsNaN(ob2[i].Conc))
		} else {
			assert.Equal(t, ob1[i].Conc, ob2[i].Conc)
		}
	}
}

func TestSimulate(t *testing.T) {

	cfg := DefaultSimConfig()
	cfg.NumSubjects = 12
	cfg.SexEffect = [3]float64{0, 0.2, 0}

	ds1, err := Simulate(cfg)
	require.NoError(t, err)
	ds2, err := Simulate(cfg)
	require.NoError(t, err)

	assert.Equal(t, 12, ds1.NumSubjects())
	assert.Equal(t, 12*len(cfg.Times), ds1.NumObs())
	assert.Equal(t, ds1.Observations(), ds2.Observations())

	for _, ob := range ds1.Observations() {
		if ob.Time == 0 {
			assert.Equal(t, 0.0, ob.Conc)
		}
		assert.True(t, ob.Conc >= 0)
		assert.True(t, ob.Age >= cfg.AgeMin && ob.Age <= cfg.AgeMax)
	}

	cfg.Seed++
	ds3, err := Simulate(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, ds1.Observations(), ds3.Observations())

	cfg.NumSubjects = 0
	_, err = Simulate(cfg)
	assert.Error(t, err)
}

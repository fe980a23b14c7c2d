package pkdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Column aliases, matched case-insensitively against the header.
var aliases = map[string][]string{
	"id":   {"id", "patient", "subject", "pid"},
	"time": {"time", "t"},
	"conc": {"conc", "dv", "concentration", "cp"},
	"dose": {"dose", "amt"},
	"sex":  {"sex", "gender"},
	"age":  {"age"},
}

var columns = []string{"id", "time", "conc", "dose", "sex", "age"}

// Load reads a data set from a CSV file.
func Load(fname string) (*Dataset, error) {

	fid, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fid.Close()

	ds, err := ReadCSV(fid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fname, err)
	}

	return ds, nil
}

func headerPositions(header []string) (map[string]int, error) {

	pos := make(map[string]int)
	for j, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for col, al := range aliases {
			for _, a := range al {
				if h == a {
					if _, ok := pos[col]; ok {
						return nil, fmt.Errorf("%w: column %q given twice", ErrInvalid, col)
					}
					pos[col] = j
				}
			}
		}
	}

	for _, col := range columns {
		if _, ok := pos[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalid, col)
		}
	}

	return pos, nil
}

func parseFloat(s string, missingOK bool) (float64, error) {
	s = strings.TrimSpace(s)
	if missingOK {
		switch strings.ToUpper(s) {
		case "", "NA", ".", "NAN":
			return math.NaN(), nil
		}
	}
	return strconv.ParseFloat(s, 64)
}

// ReadCSV reads a long-format table with one row per sample.  A header
// row naming the id, time, conc, dose, sex and age columns is required;
// other columns are ignored.  Missing concentrations may be given as
// an empty field, NA or ".".
func ReadCSV(r io.Reader) (*Dataset, error) {

	rdr := csv.NewReader(r)
	rdr.TrimLeadingSpace = true
	rdr.FieldsPerRecord = -1

	header, err := rdr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrInvalid, err)
	}

	pos, err := headerPositions(header)
	if err != nil {
		return nil, err
	}

	var obs []Observation
	for line := 2; ; line++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		if len(rec) < len(header) {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrInvalid, line, len(rec))
		}

		var ob Observation
		var v [6]float64
		for k, col := range columns {
			v[k], err = parseFloat(rec[pos[col]], col == "conc")
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %s: %v", ErrInvalid, line, col, err)
			}
		}

		if v[0] != math.Trunc(v[0]) {
			return nil, fmt.Errorf("%w: line %d: non-integer id %v", ErrInvalid, line, v[0])
		}
		if v[4] != math.Trunc(v[4]) {
			return nil, fmt.Errorf("%w: line %d: non-integer sex code %v", ErrInvalid, line, v[4])
		}

		ob.ID = int(v[0])
		ob.Time = v[1]
		ob.Conc = v[2]
		ob.Dose = v[3]
		ob.Sex = Sex(v[4])
		ob.Age = v[5]
		obs = append(obs, ob)
	}

	return NewDataset(obs)
}

// WriteCSV writes the data set in the layout read by ReadCSV.
func (ds *Dataset) WriteCSV(w io.Writer) error {

	wtr := csv.NewWriter(w)
	if err := wtr.Write([]string{"ID", "TIME", "CONC", "DOSE", "SEX", "AGE"}); err != nil {
		return err
	}

	f := func(x float64) string {
		if math.IsNaN(x) {
			return "NA"
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	}

	for _, ob := range ds.obs {
		rec := []string{
			strconv.Itoa(ob.ID),
			f(ob.Time),
			f(ob.Conc),
			f(ob.Dose),
			strconv.Itoa(int(ob.Sex)),
			f(ob.Age),
		}
		if err := wtr.Write(rec); err != nil {
			return err
		}
	}

	wtr.Flush()
	return wtr.Error()
}

package onecpt

// Model is a structural PK model evaluated on the natural parameter
// scale.  Population fitting code depends only on this interface.
type Model interface {

	// Number of structural parameters.
	NumParams() int

	// Names of the structural parameters.
	Names() []string

	// Validate returns a non-nil error if the model cannot be
	// evaluated at psi.
	Validate(psi []float64) error

	// Predict returns the concentration at time t after the dose.
	Predict(dose float64, psi []float64, t float64) float64

	// Gradient places the derivative of the prediction with respect
	// to the log parameters into grad.
	Gradient(dose float64, psi []float64, t float64, grad []float64)
}

// OneCompartment is the Model for first-order absorption and
// elimination, with psi = (ka, V, ke).
type OneCompartment struct{}

var _ Model = OneCompartment{}

// NumParams implements Model.
func (OneCompartment) NumParams() int {
	return 3
}

// Names implements Model.
func (OneCompartment) Names() []string {
	return []string{"ka", "V", "ke"}
}

// Validate implements Model.
func (OneCompartment) Validate(psi []float64) error {
	return FromVector(psi).Validate()
}

// Predict implements Model.
func (OneCompartment) Predict(dose float64, psi []float64, t float64) float64 {
	return Conc(dose, FromVector(psi), t)
}

// Gradient implements Model.
func (OneCompartment) Gradient(dose float64, psi []float64, t float64, grad []float64) {
	Gradient(dose, FromVector(psi), t, grad)
}

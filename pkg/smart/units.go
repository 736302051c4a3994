package smart

import "fmt"

// Quantity helpers for normalizing observation values. Only the handful of
// UCUM codes that show up in vitals are covered; anything else is rejected so
// callers never silently mix units.

// Cm converts a length quantity to centimeters.
func Cm(value float64, unit string) (float64, error) {
	switch unit {
	case "cm":
		return value, nil
	case "m":
		return value * 100, nil
	case "in", "[in_i]", "[in_us]":
		return value * 2.54, nil
	case "ft", "[ft_us]":
		return value * 30.48, nil
	default:
		return 0, fmt.Errorf("unrecognized length unit: %q", unit)
	}
}

// Kg converts a weight quantity to kilograms.
func Kg(value float64, unit string) (float64, error) {
	switch unit {
	case "kg":
		return value, nil
	case "g":
		return value / 1000, nil
	case "lb", "[lb_av]":
		return value * 0.45359237, nil
	case "oz", "[oz_av]":
		return value * 0.0283495231, nil
	default:
		return 0, fmt.Errorf("unrecognized weight unit: %q", unit)
	}
}

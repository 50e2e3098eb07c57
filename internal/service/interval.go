package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IntervalContext distingue los dos usos de un intervalo: la cadencia de
// check-in y la ventana de inactividad. Los meses solo valen para la segunda.
type IntervalContext int

const (
	IntervalCheckin IntervalContext = iota
	IntervalInactivity
)

// ErrIntervalInvalid se devuelve ante cualquier spec malformado o fuera de
// rango. Nunca se aplica un valor por defecto en silencio.
var ErrIntervalInvalid = errors.New("interval invalid")

type intervalUnit struct {
	unit time.Duration
	min  int
	max  int
}

// Un mes se cuenta como 30 dias.
const monthDuration = 30 * 24 * time.Hour

var intervalUnits = map[string]intervalUnit{
	"minute": {unit: time.Minute, min: 1, max: 60},
	"hour":   {unit: time.Hour, min: 1, max: 24},
	"day":    {unit: 24 * time.Hour, min: 1, max: 365},
	"week":   {unit: 7 * 24 * time.Hour, min: 1, max: 52},
	"month":  {unit: monthDuration, min: 1, max: 12},
}

// ParseInterval convierte un spec como "5-minutes" o "2-hours" en una
// duracion. El formato es "<entero positivo>-<unidad>", con unidad singular o
// plural. Los limites por unidad y el set de unidades dependen del contexto.
func ParseInterval(spec string, context IntervalContext) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	value, unitName, ok := strings.Cut(spec, "-")
	if !ok || value == "" || unitName == "" {
		return 0, fmt.Errorf("%w: malformed spec %q", ErrIntervalInvalid, spec)
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: value %q must be a positive integer", ErrIntervalInvalid, value)
	}

	unitName = strings.ToLower(strings.TrimSuffix(unitName, "s"))
	unit, found := intervalUnits[unitName]
	if !found {
		return 0, fmt.Errorf("%w: unknown unit %q", ErrIntervalInvalid, unitName)
	}
	if unitName == "month" && context != IntervalInactivity {
		return 0, fmt.Errorf("%w: months are not allowed for check-in intervals", ErrIntervalInvalid)
	}
	if n < unit.min || n > unit.max {
		return 0, fmt.Errorf("%w: %d-%ss out of range [%d, %d]", ErrIntervalInvalid, n, unitName, unit.min, unit.max)
	}

	return time.Duration(n) * unit.unit, nil
}

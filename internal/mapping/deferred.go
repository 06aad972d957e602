package mapping

import "github.com/nmslite/hwsentry/internal/telemetry"

// KeyValuePair is an output key together with its raw template.
type KeyValuePair struct {
	Key   string
	Value string
}

// DeferredFunction is a template evaluation that needs the target monitor.
// It is one of LookupFunction, LegacyPowerSupplyFunction or
// ComputationFunction.
type DeferredFunction interface {
	Pair() KeyValuePair
	deferred()
}

// LookupFunction resolves a lookup whose arguments reference attributes of
// the target monitor.
type LookupFunction struct {
	KeyValuePair
	Resolve func(pair KeyValuePair, monitor *telemetry.Monitor) (string, bool)
}

// LegacyPowerSupplyFunction computes a power supply utilization from the
// monitor's power limit.
type LegacyPowerSupplyFunction struct {
	KeyValuePair
	Resolve func(pair KeyValuePair, monitor *telemetry.Monitor) *float64
}

// ComputationFunction derives one or more values from the monitor's
// previous samples. Missing keys in the result are omitted.
type ComputationFunction struct {
	KeyValuePair
	Resolve func(pair KeyValuePair, monitor *telemetry.Monitor) map[string]string
}

func (f LookupFunction) Pair() KeyValuePair            { return f.KeyValuePair }
func (f LegacyPowerSupplyFunction) Pair() KeyValuePair { return f.KeyValuePair }
func (f ComputationFunction) Pair() KeyValuePair       { return f.KeyValuePair }

func (LookupFunction) deferred()            {}
func (LegacyPowerSupplyFunction) deferred() {}
func (ComputationFunction) deferred()       {}

// registries keeps the deferred functions of one non-context pass in
// registration order.
type registries struct {
	lookups           []LookupFunction
	legacyPowerSupply []LegacyPowerSupplyFunction
	computations      []ComputationFunction
}

func (r *registries) add(f DeferredFunction) {
	switch fn := f.(type) {
	case LookupFunction:
		r.lookups = append(r.lookups, fn)
	case LegacyPowerSupplyFunction:
		r.legacyPowerSupply = append(r.legacyPowerSupply, fn)
	case ComputationFunction:
		r.computations = append(r.computations, fn)
	}
}

func (r *registries) len() int {
	return len(r.lookups) + len(r.legacyPowerSupply) + len(r.computations)
}

func (r *registries) clear() {
	r.lookups = nil
	r.legacyPowerSupply = nil
	r.computations = nil
}

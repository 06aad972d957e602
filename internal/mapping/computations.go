package mapping

import (
	"github.com/nmslite/hwsentry/internal/calc"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

// rate handles rate(x). A numeric x is a raw counter sample: the rate is
// computed against the sample kept in <key>.raw, and the new sample is
// emitted under <key>.raw for the next cycle. Otherwise x names a metric of
// the monitor whose current and previous samples are used.
func (p *Processor) rate(key string, match []string) outcome {
	arg, ok := p.argument(key, match[1])
	if !ok {
		return outcome{}
	}

	return outcome{deferred: ComputationFunction{
		KeyValuePair: KeyValuePair{Key: key, Value: match[0]},
		Resolve: func(pair KeyValuePair, monitor *telemetry.Monitor) map[string]string {
			hostname := p.jobInfo.Hostname
			result := make(map[string]string, 2)

			if sample := calc.ParseFloat(arg); sample != nil {
				rawKey := pair.Key + telemetry.RawMetricSuffix
				result[rawKey] = formatFloat(*sample)

				var previous, previousTime *float64
				if prev, ok := monitor.Metric(rawKey); ok && prev.Value != nil {
					previous = prev.Value
					previousTime = calc.Ptr(float64(prev.CollectTime) / 1000)
				}
				if r := calc.Rate(pair.Key, sample, previous, calc.Ptr(p.collectTimeSeconds()), previousTime, hostname); r != nil {
					result[pair.Key] = formatFloat(*r)
				}
				return result
			}

			metric, ok := monitor.Metric(arg)
			if !ok {
				p.logger.Debug("rate on unknown metric", "key", pair.Key, "metric", arg, "monitor_id", monitor.ID)
				return result
			}
			var previousTime *float64
			if metric.PreviousValue != nil {
				previousTime = calc.Ptr(float64(metric.PreviousCollectTime) / 1000)
			}
			r := calc.Rate(pair.Key, metric.Value, metric.PreviousValue,
				calc.Ptr(float64(metric.CollectTime)/1000), previousTime, hostname)
			if r != nil {
				result[pair.Key] = formatFloat(*r)
			}
			return result
		},
	}}
}

// fakeCounter handles fakeCounter(x): the sample is added to the previous
// value of <key>, turning a periodic reading into a monotonic counter. The
// first sample seeds the counter.
func (p *Processor) fakeCounter(key string, match []string) outcome {
	arg, ok := p.argument(key, match[1])
	if !ok {
		return outcome{}
	}

	return outcome{deferred: ComputationFunction{
		KeyValuePair: KeyValuePair{Key: key, Value: match[0]},
		Resolve: func(pair KeyValuePair, monitor *telemetry.Monitor) map[string]string {
			sample := calc.ParseFloat(arg)
			if sample == nil {
				p.logger.Debug("not a number, counter not updated", "key", pair.Key, "value", arg)
				return nil
			}
			if *sample < 0 {
				p.logger.Warn("negative sample, counter not updated", "key", pair.Key, "value", *sample)
				return nil
			}

			base := calc.Ptr(0)
			if prev, ok := monitor.Metric(pair.Key); ok && prev.Value != nil && prev.CollectTime != p.collectTime {
				base = prev.Value
			} else if ok && prev.PreviousValue != nil {
				base = prev.PreviousValue
			}

			counter := calc.Add(pair.Key, base, sample, p.jobInfo.Hostname)
			if counter == nil {
				return nil
			}
			return map[string]string{pair.Key: formatFloat(*counter)}
		},
	}}
}

// legacyPowerSupplyUtilization handles legacyPowerSupplyUtilization(x): x
// divided by the power limit of the monitor.
func (p *Processor) legacyPowerSupplyUtilization(key string, match []string) outcome {
	arg, ok := p.argument(key, match[1])
	if !ok {
		return outcome{}
	}

	return outcome{deferred: LegacyPowerSupplyFunction{
		KeyValuePair: KeyValuePair{Key: key, Value: match[0]},
		Resolve: func(pair KeyValuePair, monitor *telemetry.Monitor) *float64 {
			value := calc.ParseFloat(arg)
			if value == nil {
				p.logger.Debug("not a number, utilization dropped", "key", pair.Key, "value", arg)
				return nil
			}
			limit, ok := monitor.Metric(telemetry.MetricPowerSupplyLimit)
			if !ok {
				p.logger.Debug("power supply limit unknown", "key", pair.Key, "monitor_id", monitor.ID)
				return nil
			}
			return calc.Divide(pair.Key, value, limit.Value, p.jobInfo.Hostname)
		},
	}}
}

package mapping

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nmslite/hwsentry/internal/calc"
	"github.com/nmslite/hwsentry/internal/source"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

// Conversion factors.
const (
	mebibyteFactor = 1048576
	megaFactor     = 1000000
	percentFactor  = 0.01
)

// outcome is the result of evaluating one template: either immediate values
// or a deferred function. A zero outcome means the key is omitted.
type outcome struct {
	values   map[string]string
	deferred DeferredFunction
}

func valueOf(key, v string) outcome {
	return outcome{values: map[string]string{key: v}}
}

type matcher struct {
	name    string
	pattern *regexp.Regexp
	// nestable matchers may be used as the argument of a single-argument
	// function.
	nestable bool
	handle   func(p *Processor, key string, match []string) outcome
}

func function(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)^\s*` + name + `\s*\((.*)\)\s*$`)
}

var (
	singleColumnPattern = regexp.MustCompile(`^\s*\$(\d+)\s*$`)
	embeddedColPattern  = regexp.MustCompile(`(?s)^.*\$\d+.*$`)
	anyPattern          = regexp.MustCompile(`(?s)^.*$`)
	attributeRefPattern = regexp.MustCompile(`\$\{attribute::([^}]+)\}`)
)

// matchers is evaluated in order and the first match wins. Several patterns
// overlap, so the order matters.
var matchers []matcher

func init() {
	matchers = []matcher{
		{name: "fakeCounter", pattern: function("fakeCounter"), handle: (*Processor).fakeCounter},
		{name: "rate", pattern: function("rate"), handle: (*Processor).rate},
		{name: "legacyPowerSupplyUtilization", pattern: function("legacyPowerSupplyUtilization"), handle: (*Processor).legacyPowerSupplyUtilization},
		{name: "mebibyte2byte", pattern: function("mebibyte2byte"), nestable: true, handle: unitConversion(mebibyteFactor)},
		{name: "megabit2bit", pattern: function("megabit2bit"), nestable: true, handle: unitConversion(megaFactor)},
		{name: "megahertz2hertz", pattern: function("megahertz2hertz"), nestable: true, handle: unitConversion(megaFactor)},
		{name: "percent2ratio", pattern: function("percent2ratio"), nestable: true, handle: unitConversion(percentFactor)},
		{name: "boolean", pattern: function("boolean"), nestable: true, handle: (*Processor).boolean},
		{name: "legacyLedStatus", pattern: function("legacyLedStatus"), nestable: true, handle: enumeration("legacyLedStatus", ledStatus)},
		{name: "legacyFullDuplex", pattern: function("legacyFullDuplex"), nestable: true, handle: enumeration("legacyFullDuplex", fullDuplex)},
		{name: "legacyLinkStatus", pattern: function("legacyLinkStatus"), nestable: true, handle: enumeration("legacyLinkStatus", linkStatus)},
		{name: "legacyNeedsCleaning", pattern: function("legacyNeedsCleaning"), nestable: true, handle: enumeration("legacyNeedsCleaning", needsCleaning)},
		{name: "legacyPredictedFailure", pattern: function("legacyPredictedFailure"), nestable: true, handle: enumeration("legacyPredictedFailure", predictedFailure)},
		{name: "legacyIntrusionStatus", pattern: function("legacyIntrusionStatus"), nestable: true, handle: enumeration("legacyIntrusionStatus", intrusionStatus)},
		{name: "lookup", pattern: function("lookup"), nestable: true, handle: (*Processor).lookup},
		{name: "computePowerShareRatio", pattern: function("computePowerShareRatio"), handle: (*Processor).computePowerShareRatio},
		{name: "column", pattern: singleColumnPattern, handle: (*Processor).column},
		{name: "columns", pattern: embeddedColPattern, handle: (*Processor).columns},
		{name: "literal", pattern: anyPattern, handle: literal},
	}
}

// evaluate runs the first matcher that accepts the template.
func (p *Processor) evaluate(pair KeyValuePair) outcome {
	for _, m := range matchers {
		match := m.pattern.FindStringSubmatch(pair.Value)
		if match == nil {
			continue
		}
		return m.handle(p, pair.Key, match)
	}
	return outcome{}
}

// argument resolves a function argument: quotes are stripped, a nested
// function is evaluated and column tokens are replaced by their cells. The
// boolean is false when a nested function produced no value.
func (p *Processor) argument(key, arg string) (string, bool) {
	arg = unquote(arg)

	for _, m := range matchers {
		match := m.pattern.FindStringSubmatch(arg)
		if match == nil || !m.nestable {
			continue
		}
		out := m.handle(p, key, match)
		if out.deferred != nil {
			p.logger.Error("monitor dependent function cannot be nested", "key", key, "argument", arg)
			return "", false
		}
		v, ok := out.values[key]
		return v, ok
	}

	if source.HasColumnToken(arg) {
		return source.ExpandColumns(arg, p.row, p.logger), true
	}
	return arg, true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func unitConversion(factor float64) func(p *Processor, key string, match []string) outcome {
	return func(p *Processor, key string, match []string) outcome {
		arg, ok := p.argument(key, match[1])
		if !ok {
			return outcome{}
		}
		v := calc.ParseFloat(arg)
		if v == nil {
			p.logger.Debug("not a number, value dropped", "key", key, "value", arg)
			return outcome{}
		}
		return valueOf(key, formatFloat(*v*factor))
	}
}

func (p *Processor) boolean(key string, match []string) outcome {
	arg, _ := p.argument(key, match[1])
	if arg == "1" || strings.EqualFold(arg, "true") {
		return valueOf(key, "1")
	}
	return valueOf(key, "0")
}

var (
	fullDuplex = map[string]string{
		"1": "1", "full": "1", "yes": "1", "true": "1",
		"0": "0", "half": "0", "no": "0", "false": "0",
	}
	linkStatus = map[string]string{
		"0": "1", "plugged": "1", "up": "1", "ok": "1",
		"1": "0", "unplugged": "0", "down": "0",
	}
	needsCleaning = map[string]string{
		"1": "1", "2": "1", "true": "1", "needed": "1",
		"0": "0", "false": "0", "ok": "0",
	}
	predictedFailure = map[string]string{
		"1": "1", "true": "1", "yes": "1",
		"0": "0", "false": "0", "no": "0",
	}
	intrusionStatus = map[string]string{
		"1": "1", "open": "1",
		"0": "0", "closed": "0", "ok": "0",
	}
	ledStatus = map[string]string{
		"0": "off", "off": "off",
		"1": "blinking", "blinking": "blinking",
		"2": "on", "on": "on",
	}
)

func enumeration(name string, values map[string]string) func(p *Processor, key string, match []string) outcome {
	return func(p *Processor, key string, match []string) outcome {
		arg, ok := p.argument(key, match[1])
		if !ok {
			return outcome{}
		}
		v, ok := values[strings.ToLower(strings.TrimSpace(arg))]
		if !ok {
			p.logger.Debug("unknown value, key omitted", "function", name, "key", key, "value", arg)
			return outcome{}
		}
		return valueOf(key, v)
	}
}

// lookup handles lookup("monitorType", "returnAttr", "matchAttr", "matchValue").
// When an argument references ${attribute::<name>} the lookup waits for the
// target monitor.
func (p *Processor) lookup(key string, match []string) outcome {
	args := strings.Split(match[1], ",")
	if len(args) != 4 {
		p.logger.Error("lookup requires 4 arguments", "key", key, "arguments", len(args), "template", match[0])
		return outcome{}
	}
	for i := range args {
		args[i] = unquote(args[i])
		if i >= 2 && source.HasColumnToken(args[i]) {
			args[i] = source.ExpandColumns(args[i], p.row, p.logger)
		}
	}

	for _, arg := range args {
		if attributeRefPattern.MatchString(arg) {
			return outcome{deferred: LookupFunction{
				KeyValuePair: KeyValuePair{Key: key, Value: match[0]},
				Resolve: func(_ KeyValuePair, monitor *telemetry.Monitor) (string, bool) {
					resolved := make([]string, len(args))
					for i, a := range args {
						resolved[i] = attributeRefPattern.ReplaceAllStringFunc(a, func(ref string) string {
							name := attributeRefPattern.FindStringSubmatch(ref)[1]
							v, _ := monitor.Attribute(name)
							return v
						})
					}
					return p.findAttribute(key, resolved)
				},
			}}
		}
	}

	v, ok := p.findAttribute(key, args)
	if !ok {
		return outcome{}
	}
	return valueOf(key, v)
}

func (p *Processor) findAttribute(key string, args []string) (string, bool) {
	monitorType, returnAttr, matchAttr, matchValue := args[0], args[1], args[2], args[3]

	monitors, ok := p.monitors.MonitorsByType(monitorType)
	if !ok {
		p.logger.Error("lookup on unknown monitor type", "key", key, "monitor_type", monitorType)
		return "", false
	}
	for _, mon := range monitors {
		if v, ok := mon.Attribute(matchAttr); !ok || v != matchValue {
			continue
		}
		if v, ok := mon.Attribute(returnAttr); ok {
			return v, true
		}
		p.logger.Error("lookup matched a monitor without the requested attribute",
			"key", key, "monitor_id", mon.ID, "attribute", returnAttr)
		return "", false
	}
	p.logger.Error("lookup found no matching monitor",
		"key", key, "monitor_type", monitorType, "attribute", matchAttr, "value", matchValue)
	return "", false
}

// computePowerShareRatio publishes the raw share under <key>.raw; the shares
// of sibling monitors are combined later.
func (p *Processor) computePowerShareRatio(key string, match []string) outcome {
	arg, ok := p.argument(key, match[1])
	if !ok {
		return outcome{}
	}
	v := calc.ParseFloat(arg)
	if v == nil {
		p.logger.Debug("not a number, power share dropped", "key", key, "value", arg)
		return outcome{}
	}
	return valueOf(key+telemetry.RawMetricSuffix, formatFloat(*v))
}

func (p *Processor) column(key string, match []string) outcome {
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return valueOf(key, "")
	}
	return valueOf(key, source.Column(p.row, n, p.logger))
}

func (p *Processor) columns(key string, match []string) outcome {
	return valueOf(key, source.ExpandColumns(match[0], p.row, p.logger))
}

func literal(_ *Processor, key string, match []string) outcome {
	return valueOf(key, match[0])
}

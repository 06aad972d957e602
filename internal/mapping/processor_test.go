package mapping

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nmslite/hwsentry/internal/calc"
	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/source"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

type countingFinder struct {
	*telemetry.Manager
	calls int
}

func (f *countingFinder) MonitorsByType(monitorType string) ([]*telemetry.Monitor, bool) {
	f.calls++
	return f.Manager.MonitorsByType(monitorType)
}

func newFinder() *countingFinder {
	m := telemetry.NewManager("host-1")
	ctrl := telemetry.NewMonitor("disk_controller", "3", "conn")
	ctrl.AddAttributes(map[string]string{"id": "3", "controller_number": "2", "vendor": "acme"})
	m.AddMonitor(ctrl)
	return &countingFinder{Manager: m}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProcessor(t *testing.T, row []string, finder MonitorFinder, collectTime int64, logger *slog.Logger) *Processor {
	t.Helper()
	if logger == nil {
		logger = discardLogger()
	}
	p, err := NewProcessor(Options{
		Row:         row,
		JobInfo:     telemetry.JobInfo{ConnectorID: "conn", Hostname: "host-1", MonitorType: "disk", JobName: "collect"},
		Monitors:    finder,
		CollectTime: collectTime,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return p
}

func TestNewProcessor_RequiresCollaborators(t *testing.T) {
	if _, err := NewProcessor(Options{JobInfo: telemetry.JobInfo{Hostname: "h"}}); err == nil {
		t.Error("expected error without monitor finder")
	}
	if _, err := NewProcessor(Options{Monitors: newFinder()}); err == nil {
		t.Error("expected error without hostname")
	}
}

func TestInterpret_UnitConversions(t *testing.T) {
	expected := func(x string, factor float64) string {
		return formatFloat(*calc.ParseFloat(x) * factor)
	}

	testCases := []struct {
		template string
		want     string
		omitted  bool
	}{
		{template: "mebibyte2byte(2)", want: expected("2", mebibyteFactor)},
		{template: "mebibyte2byte(0.5)", want: expected("0.5", mebibyteFactor)},
		{template: "megabit2bit(100)", want: expected("100", megaFactor)},
		{template: "megahertz2hertz(2.4)", want: expected("2.4", megaFactor)},
		{template: "percent2ratio(50)", want: expected("50", percentFactor)},
		{template: "percent2ratio($2)", want: expected("75", percentFactor)},
		{template: "PERCENT2RATIO(\"75\")", want: expected("75", percentFactor)},
		{template: "megabit2bit(fast)", omitted: true},
		{template: "mebibyte2byte($1)", omitted: true},
		{template: "percent2ratio(NaN)", omitted: true},
		{template: "megabit2bit(Inf)", omitted: true},
	}

	for _, tc := range testCases {
		t.Run(tc.template, func(t *testing.T) {
			p := newProcessor(t, []string{"disk0", "75"}, newFinder(), 0, nil)
			got := p.Interpret(map[string]string{"k": tc.template})
			v, ok := got["k"]
			if tc.omitted {
				if ok {
					t.Errorf("expected key to be omitted, got %q", v)
				}
				return
			}
			if v != tc.want {
				t.Errorf("got %q, want %q", v, tc.want)
			}
		})
	}
}

func TestInterpret_Boolean(t *testing.T) {
	testCases := map[string]string{
		"boolean(1)":     "1",
		"boolean(true)":  "1",
		"boolean(TRUE)":  "1",
		"boolean(0)":     "0",
		"boolean(yes)":   "0",
		"boolean($1)":    "1",
		"Boolean(false)": "0",
	}

	for template, want := range testCases {
		t.Run(template, func(t *testing.T) {
			p := newProcessor(t, []string{"1"}, newFinder(), 0, nil)
			if got := p.Interpret(map[string]string{"k": template})["k"]; got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestInterpret_Columns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	p := newProcessor(t, []string{"a", "b", "c", "d"}, newFinder(), 0, logger)

	got := p.Interpret(map[string]string{
		"third":    "$3",
		"missing":  "$9",
		"combined": "$1-$2",
		"literal":  "Disk Controller",
	})

	if got["third"] != "c" {
		t.Errorf("$3: got %q, want c", got["third"])
	}
	if v, ok := got["missing"]; !ok || v != "" {
		t.Errorf("$9: got %q (present=%v), want empty string", v, ok)
	}
	if !strings.Contains(buf.String(), "column index out of range") {
		t.Error("expected a warning for the out-of-range column")
	}
	if got["combined"] != "a-b" {
		t.Errorf("combined: got %q, want a-b", got["combined"])
	}
	if got["literal"] != "Disk Controller" {
		t.Errorf("literal: got %q", got["literal"])
	}
}

func TestInterpret_LegacyFunctions(t *testing.T) {
	testCases := []struct {
		template string
		want     string
		omitted  bool
	}{
		{template: "legacyFullDuplex(full)", want: "1"},
		{template: "legacyFullDuplex(Half)", want: "0"},
		{template: "legacyLinkStatus(0)", want: "1"},
		{template: "legacyLinkStatus(unplugged)", want: "0"},
		{template: "legacyNeedsCleaning(2)", want: "1"},
		{template: "legacyNeedsCleaning(ok)", want: "0"},
		{template: "legacyPredictedFailure(yes)", want: "1"},
		{template: "legacyIntrusionStatus(closed)", want: "0"},
		{template: "legacyLedStatus(1)", want: "blinking"},
		{template: "legacyLedStatus($2)", want: "on"},
		{template: "legacyFullDuplex(maybe)", omitted: true},
		{template: "percent2ratio(legacyNeedsCleaning($3))", want: "0.01"},
		{template: "percent2ratio(legacyNeedsCleaning(unknown))", omitted: true},
		{template: "boolean(legacyPredictedFailure(true))", want: "1"},
	}

	for _, tc := range testCases {
		t.Run(tc.template, func(t *testing.T) {
			p := newProcessor(t, []string{"led", "2", "1"}, newFinder(), 0, nil)
			got := p.Interpret(map[string]string{"k": tc.template})
			v, ok := got["k"]
			if tc.omitted {
				if ok {
					t.Errorf("expected key to be omitted, got %q", v)
				}
				return
			}
			if v != tc.want {
				t.Errorf("got %q, want %q", v, tc.want)
			}
		})
	}
}

func TestInterpret_Lookup(t *testing.T) {
	testCases := []struct {
		name      string
		template  string
		want      string
		omitted   bool
		wantCalls int
	}{
		{
			name:      "quoted arguments",
			template:  `lookup("disk_controller","id","controller_number","2")`,
			want:      "3",
			wantCalls: 1,
		},
		{
			name:      "column arguments",
			template:  `lookup(disk_controller, vendor, controller_number, $2)`,
			want:      "acme",
			wantCalls: 1,
		},
		{
			name:      "three arguments",
			template:  `lookup("disk_controller","id","controller_number")`,
			omitted:   true,
			wantCalls: 0,
		},
		{
			name:      "five arguments",
			template:  `lookup("disk_controller","id","controller_number","2","x")`,
			omitted:   true,
			wantCalls: 0,
		},
		{
			name:      "unknown type",
			template:  `lookup("fan","id","controller_number","2")`,
			omitted:   true,
			wantCalls: 1,
		},
		{
			name:      "no match",
			template:  `lookup("disk_controller","id","controller_number","9")`,
			omitted:   true,
			wantCalls: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			finder := newFinder()
			p := newProcessor(t, []string{"disk0", "2"}, finder, 0, nil)
			got := p.Interpret(map[string]string{"controller_id": tc.template})

			v, ok := got["controller_id"]
			if tc.omitted && ok {
				t.Errorf("expected key to be omitted, got %q", v)
			}
			if !tc.omitted && v != tc.want {
				t.Errorf("got %q, want %q", v, tc.want)
			}
			if finder.calls != tc.wantCalls {
				t.Errorf("registry calls: got %d, want %d", finder.calls, tc.wantCalls)
			}
		})
	}
}

func TestResolveDeferred_AttributeLookup(t *testing.T) {
	finder := newFinder()
	p := newProcessor(t, []string{"disk0"}, finder, 0, nil)

	got := p.Interpret(map[string]string{
		"controller_vendor": `lookup("disk_controller","vendor","controller_number","${attribute::controller_number}")`,
	})
	if len(got) != 0 {
		t.Fatalf("expected lookup to be deferred, got %v", got)
	}
	if finder.calls != 0 {
		t.Errorf("expected no registry call before the context pass, got %d", finder.calls)
	}

	disk := telemetry.NewMonitor("disk", "disk0", "conn")
	disk.AddAttributes(map[string]string{"controller_number": "2"})

	resolved := p.ResolveDeferred(disk)
	if resolved["controller_vendor"] != "acme" {
		t.Errorf("got %q, want acme", resolved["controller_vendor"])
	}
}

func TestInterpret_ComputePowerShareRatio(t *testing.T) {
	p := newProcessor(t, []string{"120"}, newFinder(), 0, nil)
	got := p.Interpret(map[string]string{"hw.power_share": "computePowerShareRatio($1)"})

	if got["hw.power_share.raw"] != "120" {
		t.Errorf("got %v, want hw.power_share.raw=120", got)
	}
	if p.PendingDeferred() != 0 {
		t.Error("expected computePowerShareRatio to be resolved in the non-context pass")
	}
}

func TestResolveDeferred_ClearsRegistries(t *testing.T) {
	p := newProcessor(t, []string{"250", "10"}, newFinder(), 2000, nil)
	p.Interpret(map[string]string{
		"hw.power_supply.utilization": "legacyPowerSupplyUtilization($1)",
		"hw.energy":                   "fakeCounter($2)",
		"hw.network.io":               "rate($2)",
		"vendor":                      `lookup("disk_controller","vendor","controller_number","${attribute::n}")`,
	})
	if p.PendingDeferred() != 4 {
		t.Fatalf("expected 4 deferred functions, got %d", p.PendingDeferred())
	}

	mon := telemetry.NewMonitor("power_supply", "ps0", "conn")
	if first := p.ResolveDeferred(mon); len(first) == 0 {
		t.Error("expected values from the first context pass")
	}
	if p.PendingDeferred() != 0 {
		t.Errorf("expected registries to be empty, got %d", p.PendingDeferred())
	}
	if second := p.ResolveDeferred(mon); len(second) != 0 {
		t.Errorf("expected empty map on second call, got %v", second)
	}
}

func TestResolveDeferred_Rate(t *testing.T) {
	mon := telemetry.NewMonitor("network", "eth0", "conn")

	// first cycle: no previous sample, only the raw sample is emitted
	p := newProcessor(t, []string{"100"}, newFinder(), 1000, nil)
	p.Interpret(map[string]string{"hw.network.io": "rate($1)"})
	first := p.ResolveDeferred(mon)
	if _, ok := first["hw.network.io"]; ok {
		t.Errorf("expected no rate without a previous sample, got %v", first)
	}
	if first["hw.network.io.raw"] != "100" {
		t.Fatalf("expected raw sample, got %v", first)
	}
	mon.CollectMetric("hw.network.io.raw", 100, 1000)

	// second cycle, 10 seconds later
	p = newProcessor(t, []string{"200"}, newFinder(), 11000, nil)
	p.Interpret(map[string]string{"hw.network.io": "rate($1)"})
	second := p.ResolveDeferred(mon)
	if second["hw.network.io"] != "10" {
		t.Errorf("got rate %q, want 10", second["hw.network.io"])
	}

	// counter reset: negative delta is suppressed
	mon.CollectMetric("hw.network.io.raw", 200, 11000)
	p = newProcessor(t, []string{"5"}, newFinder(), 21000, nil)
	p.Interpret(map[string]string{"hw.network.io": "rate($1)"})
	third := p.ResolveDeferred(mon)
	if v, ok := third["hw.network.io"]; ok {
		t.Errorf("expected no rate after a counter reset, got %q", v)
	}
}

func TestResolveDeferred_RateOfMetric(t *testing.T) {
	mon := telemetry.NewMonitor("disk", "d0", "conn")
	mon.CollectMetric("hw.disk.io", 100, 1000)
	mon.CollectMetric("hw.disk.io", 300, 3000)

	p := newProcessor(t, nil, newFinder(), 3000, nil)
	p.Interpret(map[string]string{"hw.disk.io.rate": "rate(hw.disk.io)"})
	got := p.ResolveDeferred(mon)
	if got["hw.disk.io.rate"] != "100" {
		t.Errorf("got %q, want 100", got["hw.disk.io.rate"])
	}

	fresh := telemetry.NewMonitor("disk", "d1", "conn")
	fresh.CollectMetric("hw.disk.io", 100, 1000)
	p = newProcessor(t, nil, newFinder(), 3000, nil)
	p.Interpret(map[string]string{"hw.disk.io.rate": "rate(hw.disk.io)"})
	if got := p.ResolveDeferred(fresh); len(got) != 0 {
		t.Errorf("expected no rate with a single sample, got %v", got)
	}
}

func TestResolveDeferred_FakeCounter(t *testing.T) {
	mon := telemetry.NewMonitor("fan", "f0", "conn")

	p := newProcessor(t, []string{"5"}, newFinder(), 1000, nil)
	p.Interpret(map[string]string{"hw.energy": "fakeCounter($1)"})
	if got := p.ResolveDeferred(mon); got["hw.energy"] != "5" {
		t.Errorf("seed: got %q, want 5", got["hw.energy"])
	}
	mon.CollectMetric("hw.energy", 5, 1000)

	p = newProcessor(t, []string{"7"}, newFinder(), 2000, nil)
	p.Interpret(map[string]string{"hw.energy": "fakeCounter($1)"})
	if got := p.ResolveDeferred(mon); got["hw.energy"] != "12" {
		t.Errorf("accumulated: got %q, want 12", got["hw.energy"])
	}

	p = newProcessor(t, []string{"-3"}, newFinder(), 3000, nil)
	p.Interpret(map[string]string{"hw.energy": "fakeCounter($1)"})
	if got := p.ResolveDeferred(mon); len(got) != 0 {
		t.Errorf("expected negative sample to be dropped, got %v", got)
	}
}

func TestResolveDeferred_LegacyPowerSupplyUtilization(t *testing.T) {
	mon := telemetry.NewMonitor("power_supply", "ps0", "conn")

	p := newProcessor(t, []string{"250"}, newFinder(), 1000, nil)
	p.Interpret(map[string]string{"hw.power_supply.utilization": "legacyPowerSupplyUtilization($1)"})
	if got := p.ResolveDeferred(mon); len(got) != 0 {
		t.Errorf("expected no value without a limit, got %v", got)
	}

	mon.CollectMetric(telemetry.MetricPowerSupplyLimit, 500, 1000)
	p = newProcessor(t, []string{"250"}, newFinder(), 1000, nil)
	p.Interpret(map[string]string{"hw.power_supply.utilization": "legacyPowerSupplyUtilization($1)"})
	if got := p.ResolveDeferred(mon); got["hw.power_supply.utilization"] != "0.5" {
		t.Errorf("got %v, want 0.5", got)
	}
}

func TestInterpret_NestedDeferredFunctionRejected(t *testing.T) {
	p := newProcessor(t, []string{"10"}, newFinder(), 0, nil)
	got := p.Interpret(map[string]string{"k": "percent2ratio(rate($1))"})
	if len(got) != 0 {
		t.Errorf("expected key to be omitted, got %v", got)
	}
}

func TestProcessor_MappingAccessors(t *testing.T) {
	m := telemetry.NewManager("host-1")
	ns := m.Namespace("conn")
	table := source.NewTable([][]string{{"c0", "2"}})
	ns.PublishSourceTable("monitors.disk_controller.discovery.sources.controllers", table)

	p, err := NewProcessor(Options{
		Row:       []string{"c0", "2", "50"},
		JobInfo:   telemetry.JobInfo{ConnectorID: "conn", Hostname: "host-1"},
		Monitors:  m,
		Namespace: ns,
		Mapping: &connector.Mapping{
			Source:                "${source::monitors.disk_controller.discovery.sources.controllers}",
			Attributes:            map[string]string{"id": "$1", "controller_number": "$2"},
			Metrics:               map[string]string{"hw.ratio": "percent2ratio($3)"},
			ConditionalCollection: map[string]string{"hw.status": "1"},
			LegacyTextParameters:  map[string]string{"StatusInformation": "controller $1"},
		},
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, ok := p.SourceTable()
	if !ok || got != table {
		t.Error("expected the published source table")
	}
	if attrs := p.Attributes(); attrs["id"] != "c0" || attrs["controller_number"] != "2" {
		t.Errorf("unexpected attributes %v", attrs)
	}
	if metrics := p.Metrics(); metrics["hw.ratio"] != "0.5" {
		t.Errorf("unexpected metrics %v", metrics)
	}
	if cc := p.ConditionalCollection(); cc["hw.status"] != "1" {
		t.Errorf("unexpected conditional collection %v", cc)
	}
	if ltp := p.LegacyTextParameters(); ltp["StatusInformation"] != "controller c0" {
		t.Errorf("unexpected legacy text parameters %v", ltp)
	}
}

func TestProcessor_LiteralSource(t *testing.T) {
	p, err := NewProcessor(Options{
		JobInfo:  telemetry.JobInfo{Hostname: "host-1"},
		Monitors: newFinder(),
		Mapping:  &connector.Mapping{Source: "1;2;3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	table, ok := p.SourceTable()
	if !ok || len(table.Rows) != 1 || len(table.Rows[0]) != 3 {
		t.Errorf("expected one row of three cells, got %+v", table)
	}
}

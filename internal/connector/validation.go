package connector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidationError is a single invalid field of a connector.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors lists every problem found in a connector.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "connector validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("connector validation failed: %s", strings.Join(messages, "; "))
}

func (v *ValidationErrors) add(field, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Prepare validates c and fills in the namespace key of every source.
func Prepare(c *Connector) error {
	errs := &ValidationErrors{}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("connector validation failed: %w", err)
		}
		for _, e := range fieldErrs {
			errs.add(e.Namespace(), "failed %s validation", e.Tag())
		}
		return errs
	}

	for _, monitorType := range c.MonitorTypes() {
		job := c.Monitors[monitorType]
		if job.Discovery == nil && job.Collect == nil {
			errs.add("monitors."+monitorType, "at least one of discovery or collect is required")
			continue
		}
		for _, jobName := range []string{JobDiscovery, JobCollect} {
			j := job.Job(jobName)
			if j == nil {
				continue
			}
			for _, name := range j.SourceNames() {
				src := j.Sources[name]
				src.Key = SourceKey(monitorType, jobName, name)
				checkSource(errs, src)
			}
		}
	}

	if len(errs.Errors) > 0 {
		return errs
	}
	return nil
}

func checkSource(errs *ValidationErrors, src *Source) {
	switch src.Type {
	case SourceSNMPGet, SourceSNMPTable:
		if src.OID == "" {
			errs.add(src.Key, "oid is required for %s", src.Type)
		}
		if src.Type == SourceSNMPTable && len(src.Columns) == 0 {
			errs.add(src.Key, "columns are required for snmpTable")
		}
	case SourceWMI:
		if src.Query == "" {
			errs.add(src.Key, "query is required for wmi")
		}
	case SourceCommandLine:
		if src.CommandLine == "" {
			errs.add(src.Key, "command_line is required for commandLine")
		}
	case SourceHTTP:
		if src.Path == "" {
			errs.add(src.Key, "path is required for http")
		}
	}
}

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nepi-go/nepi/pkg/execution"
)

// resourceReport is the final state of one resource.
type resourceReport struct {
	Guid  execution.Guid          `json:"guid"`
	Type  string                  `json:"type"`
	State execution.ResourceState `json:"state"`
}

// experimentReport summarizes a finished deploy cycle.
type experimentReport struct {
	ExperimentID        string           `json:"experiment_id"`
	RunID               string           `json:"run_id"`
	FailureLevel        string           `json:"failure_level"`
	WorstFailure        string           `json:"worst_failure"`
	NonCriticalFailures int              `json:"non_critical_failures"`
	Resources           []resourceReport `json:"resources"`
}

func newReport(ec *execution.ExperimentController) experimentReport {
	fm := ec.FailureManager()
	r := experimentReport{
		ExperimentID:        ec.ID(),
		RunID:               ec.RunID(),
		FailureLevel:        fm.Level().String(),
		WorstFailure:        fm.Worst().String(),
		NonCriticalFailures: fm.NonCriticalFailures(),
	}
	for _, rm := range ec.Resources() {
		r.Resources = append(r.Resources, resourceReport{Guid: rm.Guid(), Type: rm.Type(), State: rm.State()})
	}
	return r
}

func printReport(w io.Writer, asJSON bool, ec *execution.ExperimentController) error {
	report := newReport(ec)
	if asJSON {
		return writeJSON(w, report)
	}

	fmt.Fprintf(w, "Experiment %s (run %s): %s\n", report.ExperimentID, report.RunID, report.FailureLevel)
	if report.NonCriticalFailures > 0 {
		fmt.Fprintf(w, "%d non-critical resource(s) failed\n", report.NonCriticalFailures)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GUID\tTYPE\tSTATE")
	for _, r := range report.Resources {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Guid, r.Type, r.State)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

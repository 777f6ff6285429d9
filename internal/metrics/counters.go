// Package metrics holds the process-wide counters served on /metrics.
package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Counters is shared by the executor and the runner so passes started by cron
// and by the API are counted alike. A nil *Counters ignores every call.
type Counters struct {
	EnrollmentPasses atomic.Int64
	StepsAttempted   atomic.Int64
	StepsFailed      atomic.Int64
	BatchesRun       atomic.Int64
	ItemsProcessed   atomic.Int64
	ItemsFailed      atomic.Int64
}

func (c *Counters) ObservePass(attempted, failed int) {
	if c == nil {
		return
	}
	c.EnrollmentPasses.Add(1)
	c.StepsAttempted.Add(int64(attempted))
	c.StepsFailed.Add(int64(failed))
}

func (c *Counters) ObserveBatch(processed, failed int) {
	if c == nil {
		return
	}
	c.BatchesRun.Add(1)
	c.ItemsProcessed.Add(int64(processed))
	c.ItemsFailed.Add(int64(failed))
}

// WriteText writes one "name value" line per counter.
func (c *Counters) WriteText(w io.Writer) error {
	if c == nil {
		c = &Counters{}
	}
	_, err := fmt.Fprintf(w,
		"leadflow_enrollment_passes_total %d\nleadflow_steps_attempted_total %d\nleadflow_steps_failed_total %d\n"+
			"leadflow_batches_run_total %d\nleadflow_items_processed_total %d\nleadflow_items_failed_total %d\n",
		c.EnrollmentPasses.Load(), c.StepsAttempted.Load(), c.StepsFailed.Load(),
		c.BatchesRun.Load(), c.ItemsProcessed.Load(), c.ItemsFailed.Load())
	return err
}

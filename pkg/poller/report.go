package poller

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/types"
)

// ErrNodeMissing is the result error for a sample or status whose node does
// not exist and could not be created.
var ErrNodeMissing = errors.New("node missing")

// Op names the node operation a result refers to.
type Op string

const (
	OpCurrent       Op = "current"
	OpMinute        Op = "minute"
	OpHour          Op = "hour"
	OpDay           Op = "day"
	OpMonth         Op = "month"
	OpCreate        Op = "create"
	OpNested        Op = "nested"
	OpState         Op = "state"
	OpStatus        Op = "status"
	OpChargeRate    Op = "charge_rate"
	OpMaxChargeRate Op = "max_charge_rate"
)

func scaleOp(s types.Scale) Op {
	switch s {
	case types.ScaleSecond:
		return OpCurrent
	case types.ScaleMinute:
		return OpMinute
	case types.ScaleHour:
		return OpHour
	case types.ScaleDay:
		return OpDay
	case types.ScaleMonth:
		return OpMonth
	}
	return Op(s)
}

// Result is the outcome of one node operation within a batch.
type Result struct {
	Address string
	Op      Op
	Value   float64
	Err     error
}

// Report collects the results of one poll. A failed item never stops the
// rest of the batch.
type Report struct {
	Scale   types.Scale
	Results []Result
	// StatusErr is set when the status fetch of a combined poll failed.
	StatusErr error
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
}

// Failed returns the results that carry an error.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded counts the results without an error.
func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Log writes one line per failed item and a summary.
func (r Report) Log(ctx context.Context) {
	l := log.Ctx(ctx)
	failed := r.Failed()
	for _, res := range failed {
		l.WarnContext(
			ctx,
			"node update failed",
			slog.String("address", res.Address),
			slog.String("op", string(res.Op)),
			slog.Any("error", res.Err),
		)
	}
	if r.StatusErr != nil {
		l.ErrorContext(ctx, "status query failed", slog.Any("error", r.StatusErr))
	}
	l.DebugContext(
		ctx,
		"poll complete",
		slog.String("scale", string(r.Scale)),
		slog.Int("succeeded", r.Succeeded()),
		slog.Int("failed", len(failed)),
	)
}

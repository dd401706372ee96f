package enrichment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shpitdev/developer-enricher/pkg/mcp"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/redact"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/worker"
)

// Caller performs one tool call and returns the raw response body.
// *mcp.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, s mcp.Session, tool string, args map[string]any) ([]byte, error)
}

// Outcome classifies what happened to one call of one record.
type Outcome string

const (
	OutcomeMerged         Outcome = "merged"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeServiceError   Outcome = "service_error"
	OutcomeToolError      Outcome = "tool_error"
	OutcomeAbsent         Outcome = "absent"
	OutcomeShapeMismatch  Outcome = "shape_mismatch"
)

const (
	recordEnriched = "enriched"
	recordSkipped  = "skipped"
)

type Options struct {
	// Workers > 1 enriches records concurrently. Defaults to 1.
	Workers int

	// MaxRetries applies to transient transport failures of a single call. Defaults to 0.
	MaxRetries     int
	RequestTimeout time.Duration
	RetryBackoff   time.Duration

	// RecordInterval is the wait after each record with one worker, and the spacing of
	// record starts across workers otherwise. CallInterval spaces individual calls across
	// all workers. <=0 disables.
	RecordInterval time.Duration
	CallInterval   time.Duration

	// Calls defaults to DefaultCalls().
	Calls []Call

	// OnRecord is invoked after each record completes, never concurrently.
	// A returned error stops the run.
	OnRecord func(RecordResult) error

	Metrics *Metrics
	Logger  zerolog.Logger
}

// CallResult is the outcome of one call for one record.
type CallResult struct {
	Group    FieldGroup
	Tool     string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// RecordResult is the outcome of all calls for one record.
type RecordResult struct {
	Index     int
	OrgNumber string
	Skipped   bool
	Calls     []CallResult
}

// Report summarizes a run.
type Report struct {
	Records  int
	Enriched int
	Skipped  int
	Outcomes map[FieldGroup]map[Outcome]int
	Duration time.Duration
}

// Count returns how many calls of group ended with outcome.
func (r Report) Count(group FieldGroup, outcome Outcome) int {
	return r.Outcomes[group][outcome]
}

func (r *Report) add(res RecordResult) {
	if r.Outcomes == nil {
		r.Outcomes = make(map[FieldGroup]map[Outcome]int)
	}
	if res.Skipped {
		r.Skipped++
		return
	}
	r.Enriched++
	for _, c := range res.Calls {
		byOutcome := r.Outcomes[c.Group]
		if byOutcome == nil {
			byOutcome = make(map[Outcome]int)
			r.Outcomes[c.Group] = byOutcome
		}
		byOutcome[c.Outcome]++
	}
}

// Pipeline enriches records through one session. Records are independent; each call
// failure only affects the fields of its own group.
type Pipeline struct {
	caller      Caller
	session     mcp.Session
	opts        Options
	calls       []Call
	callLimiter *rate.Limiter
	log         zerolog.Logger
}

func New(caller Caller, session mcp.Session, opts Options) *Pipeline {
	calls := opts.Calls
	if calls == nil {
		calls = DefaultCalls()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Pipeline{
		caller:      caller,
		session:     session,
		opts:        opts,
		calls:       calls,
		callLimiter: worker.NewLimiter(opts.CallInterval),
		log:         opts.Logger,
	}
}

// Run enriches records in place. Records are started in input order; with one worker
// they also complete in input order.
//
// Each record is enriched on a copy that is written back before OnRecord runs, so
// OnRecord may read the whole slice (to checkpoint it) while workers are busy.
//
// Per-call failures never fail the run. Run returns an error only when ctx is done or
// OnRecord fails; records finished before that keep their merged fields.
func (p *Pipeline) Run(ctx context.Context, records []DeveloperRecord) (Report, error) {
	start := time.Now()
	report := Report{Records: len(records), Outcomes: make(map[FieldGroup]map[Outcome]int)}

	indices := make([]int, len(records))
	for i := range indices {
		indices[i] = i
	}

	type enriched struct {
		rec DeveloperRecord
		res RecordResult
	}

	_, err := worker.ProcessAllWithCallback(ctx, indices,
		func(ctx context.Context, i int) (enriched, error) {
			rec := records[i]
			res := p.Enrich(ctx, &rec)
			res.Index = i
			return enriched{rec: rec, res: res}, nil
		},
		func(r worker.Result[int, enriched]) error {
			records[r.Input] = r.Output.rec
			report.add(r.Output.res)
			if p.opts.OnRecord != nil {
				return p.opts.OnRecord(r.Output.res)
			}
			return nil
		},
		p.recordPacing(),
	)
	report.Duration = time.Since(start)
	return report, err
}

// recordPacing waits RecordInterval between records when they run one at a time. With
// several workers the interval spaces record starts through a shared limiter instead.
func (p *Pipeline) recordPacing() worker.Options {
	if p.opts.Workers == 1 {
		return worker.Options{Workers: 1, Pause: p.opts.RecordInterval}
	}
	return worker.Options{Workers: p.opts.Workers, Interval: p.opts.RecordInterval}
}

// Enrich issues every call for one record and merges what it can.
func (p *Pipeline) Enrich(ctx context.Context, rec *DeveloperRecord) RecordResult {
	org := strings.TrimSpace(rec.OrgNumber)
	res := RecordResult{OrgNumber: org}
	if org == "" {
		res.Skipped = true
		p.opts.Metrics.observeRecord(recordSkipped)
		p.log.Warn().Str("name", rec.Name).Msg("record has no organization number; skipped")
		return res
	}

	p.log.Info().Str("org", org).Str("name", rec.Name).Msg("enriching record")
	res.Calls = make([]CallResult, 0, len(p.calls))
	for _, c := range p.calls {
		if ctx.Err() != nil {
			break
		}
		cr := p.apply(ctx, rec, org, c)
		res.Calls = append(res.Calls, cr)
		p.opts.Metrics.observeCall(cr.Group, cr.Outcome, cr.Duration)

		ev := p.log.Debug()
		if cr.Outcome != OutcomeMerged {
			ev = p.log.Warn().Str("error", redact.Secrets(errString(cr.Err)))
		}
		ev.Str("org", org).
			Str("group", string(cr.Group)).
			Str("tool", cr.Tool).
			Str("outcome", string(cr.Outcome)).
			Dur("duration", cr.Duration).
			Msg("call finished")
	}
	p.opts.Metrics.observeRecord(recordEnriched)
	return res
}

func (p *Pipeline) apply(ctx context.Context, rec *DeveloperRecord, org string, c Call) CallResult {
	start := time.Now()
	cr := CallResult{Group: c.Group, Tool: c.Tool}

	body, err := worker.Retry(ctx, func(ctx context.Context) ([]byte, error) {
		return p.caller.Call(ctx, p.session, c.Tool, c.Args(org))
	}, p.callLimiter, worker.Options{
		MaxRetries:        p.opts.MaxRetries,
		RequestTimeout:    p.opts.RequestTimeout,
		BackoffInitial:    p.opts.RetryBackoff,
		BackoffJitterFrac: 0.2,
	})
	if err != nil {
		cr.Outcome, cr.Err = OutcomeTransportError, err
		return finish(&cr, start)
	}

	result, err := mcp.Decode(body)
	if err != nil {
		cr.Outcome, cr.Err = classifyDecode(err), err
		return finish(&cr, start)
	}
	payload, err := mcp.ToolPayload(result)
	if err != nil {
		var te *mcp.ToolError
		if errors.As(err, &te) {
			te.Tool = c.Tool
			cr.Outcome = OutcomeToolError
		} else {
			cr.Outcome = OutcomeAbsent
		}
		cr.Err = err
		return finish(&cr, start)
	}

	merge := c.Merge
	if merge == nil {
		cr.Outcome, cr.Err = OutcomeAbsent, errors.New("no merge rule")
		return finish(&cr, start)
	}
	if err := merge(rec, payload); err != nil {
		var sm *ShapeMismatchError
		if errors.As(err, &sm) {
			cr.Outcome = OutcomeShapeMismatch
		} else {
			cr.Outcome = OutcomeAbsent
		}
		cr.Err = err
		return finish(&cr, start)
	}
	cr.Outcome = OutcomeMerged
	return finish(&cr, start)
}

func finish(cr *CallResult, start time.Time) CallResult {
	cr.Duration = time.Since(start)
	return *cr
}

func classifyDecode(err error) Outcome {
	var rpcErr *mcp.Error
	if errors.As(err, &rpcErr) {
		return OutcomeServiceError
	}
	return OutcomeAbsent
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/senseyeio/duration"
	"go.uber.org/zap"

	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
)

func snomed(code string) fhir.Coding {
	return fhir.Coding{System: fhir.SystemSNOMED, Code: code}
}

// Abstracted concepts and the codings they are derived from.
var (
	Immunotherapy       = snomed("64644003")
	ComplicatedDiarrhea = snomed("409587002")
	PersistentDiarrhea  = snomed("236071009")

	Sunitinib      = snomed("421192001")
	Nivolumab      = snomed("704191007")
	Diarrhea       = snomed("386661006")
	SevereDiarrhea = snomed("62315008")
)

// rule derives an abstracted value ("1" or "0") for the patient at now.
type rule func(ctx context.Context, e *Engine, patient string, now time.Time) (string, error)

var rules = map[string]rule{
	Immunotherapy.Token():       immunotherapyRule,
	ComplicatedDiarrhea.Token(): complicatedDiarrheaRule,
	PersistentDiarrhea.Token():  persistentDiarrheaRule,
}

// abstracted evaluates the rule for the coding. A coding without a rule contributes no value.
func (e *Engine) abstracted(ctx context.Context, r *run, c fhir.Coding) (string, bool, error) {
	eval, ok := rules[c.Token()]
	if !ok {
		r.logger.Info("no rule for abstracted coding", zap.String("coding", c.Token()))
		return "", false, nil
	}
	v, err := eval(ctx, e, r.patient, e.now())
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// immunotherapyRule: any active request for sunitinib or nivolumab, whatever its dosage period.
func immunotherapyRule(ctx context.Context, e *Engine, patient string, _ time.Time) (string, error) {
	for _, drug := range []fhir.Coding{Sunitinib, Nivolumab} {
		found, err := e.repo.SearchMedicationRequests(ctx, patient, drug, fhir.StatusActive)
		if err != nil {
			return "", fmt.Errorf("search medication requests: %w", err)
		}
		if len(found) > 0 {
			return "1", nil
		}
	}
	return "0", nil
}

// complicatedDiarrheaRule: diarrhea or severe diarrhea observed within the last window.
func complicatedDiarrheaRule(ctx context.Context, e *Engine, patient string, now time.Time) (string, error) {
	since := back(e.cfg.DayWindow, now)
	for _, c := range []fhir.Coding{Diarrhea, SevereDiarrhea} {
		found, err := e.repo.SearchObservations(ctx, patient, c)
		if err != nil {
			return "", fmt.Errorf("search observations: %w", err)
		}
		for i := range found {
			if at, ok := effectiveAt(&found[i], now); ok && at.After(since) {
				return "1", nil
			}
		}
	}
	return "0", nil
}

// persistentDiarrheaRule: diarrhea observed in each of the last three windows.
func persistentDiarrheaRule(ctx context.Context, e *Engine, patient string, now time.Time) (string, error) {
	found, err := e.repo.SearchObservations(ctx, patient, Diarrhea)
	if err != nil {
		return "", fmt.Errorf("search observations: %w", err)
	}

	buckets := dayBuckets(e.cfg.DayWindow, now, 3)
	seen := make([]bool, len(buckets))
	for i := range found {
		at, ok := effectiveAt(&found[i], now)
		if !ok {
			continue
		}
		for b, bucket := range buckets {
			if bucket.contains(at) {
				seen[b] = true
				break
			}
		}
	}
	for _, s := range seen {
		if !s {
			return "0", nil
		}
	}
	return "1", nil
}

// bucket is the half-open interval (from, to].
type bucket struct {
	from, to time.Time
}

func (b bucket) contains(t time.Time) bool {
	return t.After(b.from) && !t.After(b.to)
}

// dayBuckets returns n adjacent windows ending at now, most recent first.
func dayBuckets(window duration.Duration, now time.Time, n int) []bucket {
	out := make([]bucket, 0, n)
	to := now
	for i := 0; i < n; i++ {
		from := back(window, to)
		out = append(out, bucket{from: from, to: to})
		to = from
	}
	return out
}

// back moves t one window into the past.
func back(window duration.Duration, t time.Time) time.Time {
	neg := duration.Duration{
		Y:  -window.Y,
		M:  -window.M,
		W:  -window.W,
		D:  -window.D,
		TH: -window.TH,
		TM: -window.TM,
		TS: -window.TS,
	}
	return neg.Shift(t)
}

// effectiveAt is the observation's effective time. Future-dated and undated observations do not count.
func effectiveAt(o *fhir.Observation, now time.Time) (time.Time, bool) {
	at, err := fhir.ParseDateTime(o.Effective())
	if err != nil || at.After(now) {
		return time.Time{}, false
	}
	return at, true
}

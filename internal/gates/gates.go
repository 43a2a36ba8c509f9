package gates

import (
	"context"
	"log/slog"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

// Gate is one independent, side-effect free check over a page.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, page models.ContentPage) models.GateCheckResult
}

// Observer sees every gate result as it is produced.
type Observer func(gate string, result models.GateCheckResult)

// Composer runs an ordered gate list and AND-composes the results.
type Composer struct {
	gates     []Gate
	observers []Observer
	logger    *slog.Logger
}

// NewComposer builds a composer over gates in the given order. Nil gates are
// dropped so optional collaborators can be passed unconditionally.
func NewComposer(gates ...Gate) *Composer {
	c := &Composer{logger: slog.Default()}
	for _, g := range gates {
		c.Append(g)
	}
	return c
}

// Append adds g at the end of the evaluation order.
func (c *Composer) Append(g Gate) *Composer {
	if g != nil {
		c.gates = append(c.gates, g)
	}
	return c
}

// Observe registers an observer.
func (c *Composer) Observe(o Observer) *Composer {
	c.observers = append(c.observers, o)
	return c
}

// WithLogger sets the logger used for failed-gate diagnostics.
func (c *Composer) WithLogger(l *slog.Logger) *Composer {
	if l != nil {
		c.logger = l
	}
	return c
}

// Names returns gate names in evaluation order.
func (c *Composer) Names() []string {
	names := make([]string, len(c.gates))
	for i, g := range c.gates {
		names[i] = g.Name()
	}
	return names
}

// CheckAll evaluates every gate, even after a failure, and reports all results.
func (c *Composer) CheckAll(ctx context.Context, page models.ContentPage) models.AllGatesResult {
	out := models.AllGatesResult{
		AllGatesPassed: true,
		Results:        make([]models.NamedGateResult, 0, len(c.gates)),
		FailedGates:    []string{},
	}
	for _, g := range c.gates {
		res := g.Evaluate(ctx, page)
		out.Results = append(out.Results, models.NamedGateResult{Gate: g.Name(), Result: res})
		if !res.Passed {
			out.AllGatesPassed = false
			out.FailedGates = append(out.FailedGates, g.Name())
			c.logger.DebugContext(ctx, "gate failed", "page_id", page.ID, "gate", g.Name(), "code", res.Code, "reason", res.Reason)
		}
		for _, o := range c.observers {
			o(g.Name(), res)
		}
	}
	return out
}

// Pass builds a passing result.
func Pass(reason string) models.GateCheckResult {
	return models.GateCheckResult{Passed: true, Reason: reason}
}

// Fail builds a failing result carrying code.
func Fail(code errcodes.Code, reason string) models.GateCheckResult {
	return models.GateCheckResult{Passed: false, Reason: reason, Code: code}
}

func withDetail(r models.GateCheckResult, key string, value any) models.GateCheckResult {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}
	r.Details[key] = value
	return r
}

// Func adapts a function into a Gate.
type Func struct {
	GateName string
	Fn       func(ctx context.Context, page models.ContentPage) models.GateCheckResult
}

func (f Func) Name() string { return f.GateName }

func (f Func) Evaluate(ctx context.Context, page models.ContentPage) models.GateCheckResult {
	return f.Fn(ctx, page)
}

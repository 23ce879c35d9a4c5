package engine

import "github.com/visor-run/visor/outputs"

// Action names the routing decision recorded in the trace.
type Action string

const (
	ActionRun    Action = "run"
	ActionGoto   Action = "goto"
	ActionRetry  Action = "retry"
	ActionGotoJS Action = "goto_js"
	ActionRunJS  Action = "run_js"
	ActionSkip   Action = "skip"
	ActionHalt   Action = "halt"
)

// TraceEntry is one routing transition, kept for observability and tests.
type TraceEntry struct {
	FromCheck string        `json:"fromCheck"`
	Action    Action        `json:"action"`
	Reason    string        `json:"reason"`
	LoopDepth int           `json:"loopDepth"`
	Scope     outputs.Scope `json:"scope"`
}

// trace is the run's ordered routing trace; appends are serialized by the
// run mutex.
func (rn *run) addTrace(e TraceEntry) {
	rn.mu.Lock()
	rn.routing = append(rn.routing, e)
	rn.mu.Unlock()
	rn.runner.emitter.Emit(Event{
		Type:  EventRoutingAction,
		Check: e.FromCheck,
		Scope: e.Scope,
		Data: map[string]any{
			"action": string(e.Action),
			"reason": e.Reason,
			"loop":   e.LoopDepth,
		},
	})
}

package flow

// CallbackFunc synthesizes or extends a workflow once its dependencies
// are satisfied. It may populate work with tasks (work.Register(...))
// or return a replacement workflow; returning nil leaves work as the
// workflow callers continue to use.
type CallbackFunc func(f *Flow, work *Workflow, userData any) (*Workflow, error)

// Callback is a deferred workflow-synthesizing function gated on
// upstream S_OK signals (spec §3, §4.4). It fires exactly once.
type Callback struct {
	Func     CallbackFunc
	Work     *Workflow
	Deps     []Dependency
	UserData any
	Disabled bool
}

// depsAllOK reports whether every dependency this callback is gated on
// has reached S_OK.
func (c *Callback) depsAllOK() bool {
	if len(c.Deps) == 0 {
		return false
	}
	for _, d := range c.Deps {
		if !d.Satisfied() {
			return false
		}
	}
	return true
}

// gatesOn reports whether sender is one of this callback's upstream
// dependency nodes.
func (c *Callback) gatesOn(sender Node) bool {
	for _, d := range c.Deps {
		if d.Upstream == sender {
			return true
		}
	}
	return false
}

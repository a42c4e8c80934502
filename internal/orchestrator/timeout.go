package orchestrator

import (
	"github.com/ent0n29/chatbridge/internal/session"
)

// onTimeout is the session store's timeout hook. The store already finished
// the handle and cleared the state; the task is failed, the user told and
// the queue advanced unless the run settled first.
func (o *Orchestrator) onTimeout(ex session.Expired) {
	r, _ := ex.State.Handle.(*run)
	if r == nil {
		return
	}
	reason := "interactive timeout"
	if ex.State.Status == session.StatusExecuting {
		reason = "execution timeout"
	}
	r.endWait()
	r.timeout(reason)
}

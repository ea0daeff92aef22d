package analysis

import (
	"log"

	"github.com/tinytelemetry/sift/internal/model"
)

// Notifier is told about every finished run. Calls are fire-and-forget:
// the engine never waits for them.
type Notifier interface {
	RunFinished(run model.AnalysisRun, events []model.RunEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(run model.AnalysisRun, events []model.RunEvent)

func (f NotifierFunc) RunFinished(run model.AnalysisRun, events []model.RunEvent) { f(run, events) }

// StoreNotifier records finished runs and their event history.
type StoreNotifier struct {
	Store model.RunStore
}

func (n StoreNotifier) RunFinished(run model.AnalysisRun, events []model.RunEvent) {
	if err := n.Store.SaveRun(run, events); err != nil {
		log.Printf("analysis: persist run %s: %v", run.ID, err)
	}
}

// Notifiers fans a finished run out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) RunFinished(run model.AnalysisRun, events []model.RunEvent) {
	for _, n := range ns {
		n.RunFinished(run, events)
	}
}

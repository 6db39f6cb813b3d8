package scan

import (
	"sync"

	"url-reputation-scorer/features"
)

// Stage names a pipeline boundary.
type Stage string

const (
	StageParse    Stage = "parse"
	StageLexical  Stage = "lexical"
	StageProbe    Stage = "probe"
	StageAssemble Stage = "assemble"
	StageScore    Stage = "score"
	StageComplete Stage = "complete"
)

// Event is one progress notification. Feature is set for probe events;
// Err is set when the stage or probe failed.
type Event struct {
	Stage   Stage
	Feature features.Name
	Message string
	Err     error
}

// Observer receives progress events for a single scan.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}

// serialized delivers events one at a time, in the order they are emitted,
// even when probes finish on different goroutines.
type serialized struct {
	mu sync.Mutex
	o  Observer
}

func (s *serialized) Observe(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.o.Observe(e)
}

func serialize(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return &serialized{o: o}
}

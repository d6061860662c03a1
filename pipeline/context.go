package pipeline

import (
	"fmt"
	"sort"
)

// EventNames are the graph inputs receiving event ids. Empty names are not fed.
type EventNames struct {
	ForwardWait              string `json:"forwardWait,omitempty" yaml:"forward_wait,omitempty"`
	ForwardWaitAfterRecv     string `json:"forwardWaitAfterRecv,omitempty" yaml:"forward_wait_after_recv,omitempty"`
	ForwardRecordBeforeSend  string `json:"forwardRecordBeforeSend,omitempty" yaml:"forward_record_before_send,omitempty"`
	ForwardRecord            string `json:"forwardRecord,omitempty" yaml:"forward_record,omitempty"`
	BackwardWait             string `json:"backwardWait,omitempty" yaml:"backward_wait,omitempty"`
	BackwardWaitAfterRecv    string `json:"backwardWaitAfterRecv,omitempty" yaml:"backward_wait_after_recv,omitempty"`
	BackwardRecordBeforeSend string `json:"backwardRecordBeforeSend,omitempty" yaml:"backward_record_before_send,omitempty"`
	BackwardRecord           string `json:"backwardRecord,omitempty" yaml:"backward_record,omitempty"`
}

func (n EventNames) Name(kind EventKind) string {
	switch kind {
	case ForwardWait:
		return n.ForwardWait
	case ForwardWaitAfterRecv:
		return n.ForwardWaitAfterRecv
	case ForwardRecordBeforeSend:
		return n.ForwardRecordBeforeSend
	case ForwardRecord:
		return n.ForwardRecord
	case BackwardWait:
		return n.BackwardWait
	case BackwardWaitAfterRecv:
		return n.BackwardWaitAfterRecv
	case BackwardRecordBeforeSend:
		return n.BackwardRecordBeforeSend
	case BackwardRecord:
		return n.BackwardRecord
	default:
		return ""
	}
}

func (n EventNames) Any() bool {
	for _, kind := range EventKinds {
		if n.Name(kind) != "" {
			return true
		}
	}
	return false
}

// EventOutputNames are the graph outputs produced by the wait/record ops.
type EventOutputNames struct {
	ForwardWait    string `json:"forwardWait,omitempty" yaml:"forward_wait,omitempty"`
	ForwardRecord  string `json:"forwardRecord,omitempty" yaml:"forward_record,omitempty"`
	BackwardWait   string `json:"backwardWait,omitempty" yaml:"backward_wait,omitempty"`
	BackwardRecord string `json:"backwardRecord,omitempty" yaml:"backward_record,omitempty"`
}

// NonEmpty lists the configured output names in a stable order.
func (n EventOutputNames) NonEmpty() []string {
	out := make([]string, 0, 4)
	for _, name := range []string{n.ForwardWait, n.ForwardRecord, n.BackwardWait, n.BackwardRecord} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Context describes the local stage of a pipeline-parallel run.
type Context struct {
	StageID         int
	NumStages       int
	NumMicroBatches int
	FeedNames       map[string]struct{}
	FetchNames      map[string]struct{}
	Events          EventNames
	EventOutputs    EventOutputNames
}

// SingleStage is the context of a run without pipelining.
func SingleStage(numMicroBatches int) Context {
	return Context{StageID: 0, NumStages: 1, NumMicroBatches: numMicroBatches}
}

func (c Context) Validate() error {
	if c.NumStages < 1 {
		return fmt.Errorf("pipeline: number of stages must be positive, got %d", c.NumStages)
	}
	if c.StageID < 0 || c.StageID >= c.NumStages {
		return fmt.Errorf("pipeline: stage %d outside [0,%d)", c.StageID, c.NumStages)
	}
	if c.NumStages == 1 {
		if c.Events.Any() {
			return fmt.Errorf("pipeline: event tensors configured without pipeline parallelism")
		}
		return nil
	}
	if c.NumMicroBatches < 1 {
		return fmt.Errorf("pipeline: %d stages require a positive micro-batch count", c.NumStages)
	}
	return nil
}

func (c Context) Pipelined() bool { return c.NumStages > 1 }

func (c Context) IsLastStage() bool { return c.StageID == c.NumStages-1 }

func (c Context) AllowsFeed(name string) bool {
	_, ok := c.FeedNames[name]
	return ok
}

func (c Context) AllowsFetch(name string) bool {
	_, ok := c.FetchNames[name]
	return ok
}

// FilterFetches keeps the names this stage produces, preserving order.
// Without pipelining every name is kept.
func (c Context) FilterFetches(names []string) []string {
	if !c.Pipelined() {
		return append([]string(nil), names...)
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if c.AllowsFetch(name) {
			out = append(out, name)
		}
	}
	return out
}

// AllFetchNames returns the allowed fetch names sorted.
func (c Context) AllFetchNames() []string {
	out := make([]string, 0, len(c.FetchNames))
	for name := range c.FetchNames {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NameSet builds a set from names, skipping empties.
func NameSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

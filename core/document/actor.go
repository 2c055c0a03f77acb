package document

import (
	"github.com/adalundhe/weft/core/ot"
	"github.com/adalundhe/weft/core/state"
)

// actor owns everything mutable about one document. Its fields are only
// touched from the goroutine running run.
type actor struct {
	id       string
	tasks    chan func()
	exited   chan struct{}
	engine   *state.Engine
	initial  state.DocumentState
	state    state.DocumentState
	frontier []ot.Operation
	journal  *Journal
	count    uint64
	maxKept  int
}

func newActor(documentID, content string, cfg Config) (*actor, error) {
	engine, err := state.NewEngine(state.WithMaxHistory(cfg.MaxOperationHistorySize))
	if err != nil {
		return nil, err
	}
	initial := state.New(content)
	return &actor{
		id:      documentID,
		tasks:   make(chan func(), cfg.QueueSize),
		exited:  make(chan struct{}),
		engine:  engine,
		initial: initial,
		state:   initial.Clone(),
		journal: NewJournal(WithMaxEntries(cfg.JournalSize)),
		maxKept: cfg.MaxOperationHistorySize,
	}, nil
}

func (a *actor) run(stop <-chan struct{}) {
	for {
		select {
		case task := <-a.tasks:
			task()
		case <-stop:
			return
		}
	}
}

// commit installs a successfully applied operation. The frontier keeps the
// most recent applied operations for transforming late arrivals.
func (a *actor) commit(next state.DocumentState, applied ot.Operation, count uint64) {
	a.state = next
	a.count = count
	a.frontier = append(a.frontier, applied)
	if overflow := len(a.frontier) - a.maxKept; overflow > 0 {
		a.frontier = append([]ot.Operation(nil), a.frontier[overflow:]...)
	}
}

package pipeline

import "sync"

// Ballot resolves joint termination: each stage that opts in casts a
// monotonic false→true vote; the ballot resolves once every opted-in
// stage has voted. Stages that never opt in are excluded and may run
// indefinitely. The number of eligible voters isn't known until every
// stage's Start has run (stages opt in from Start), so the ballot can't
// decide "no voters, resolve immediately" until Finalize is called.
type Ballot struct {
	mu       sync.Mutex
	total    int
	votes    int
	resolved chan struct{}
	once     sync.Once
	ignore   bool
}

// NewBallot creates a Ballot with no eligible voters yet. Stages register
// as voters by calling Pipeline.OptIntoJointTermination during Start; once
// every stage has started, Finalize resolves the ballot immediately if no
// stage opted in. If ignore is true (Options.IgnoreJointTermination), the
// ballot never resolves via voting — callers should rely on unconditional
// termination instead.
func NewBallot(ignore bool) *Ballot {
	return &Ballot{
		resolved: make(chan struct{}),
		ignore:   ignore,
	}
}

// Finalize closes the ballot immediately if no stage opted in by the time
// every stage's Start has returned. Call it once, after starting every
// stage and before running them. It is a no-op if a stage already opted
// in (Vote will resolve the ballot itself).
func (b *Ballot) Finalize() {
	b.mu.Lock()
	total := b.total
	b.mu.Unlock()

	if total == 0 {
		b.once.Do(func() { close(b.resolved) })
	}
}

// Vote casts one joint-termination vote. Each call counts as one vote:
// the ballot does not record which stage voted, so a stage that calls
// Vote twice is counted twice.
func (b *Ballot) Vote() {
	if b.ignore {
		return
	}
	b.mu.Lock()
	b.votes++
	resolved := b.votes >= b.total
	b.mu.Unlock()

	if resolved {
		b.once.Do(func() { close(b.resolved) })
	}
}

// Resolved returns a channel that closes once every opted-in stage has
// voted (or immediately after Finalize, if there were no opted-in
// stages).
func (b *Ballot) Resolved() <-chan struct{} {
	return b.resolved
}

// HasVoters reports whether any stage opted in. Safe to call any time
// after Finalize, since total no longer changes once every stage's Start
// has returned (OptIntoJointTermination is only ever called from Start).
func (b *Ballot) HasVoters() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > 0
}

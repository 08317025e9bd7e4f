// Package txn provides all-or-nothing execution over in-memory participants.
//
// A participant hands out a Checkpoint describing its current state. When the
// guarded function fails every checkpoint is restored, newest participant
// first, so the world looks exactly as it did before the call.
package txn

// Checkpoint restores a participant to the state it had when the checkpoint
// was taken.
type Checkpoint interface {
	Restore()
}

// Participant is any stateful component that takes part in an atomic operation.
type Participant interface {
	Checkpoint() Checkpoint
}

// CheckpointFunc adapts a closure to the Checkpoint interface.
type CheckpointFunc func()

// Restore calls f.
func (f CheckpointFunc) Restore() { f() }

// Atomic runs fn. If fn returns an error or panics, all participants are
// restored and the error is returned (a panic is re-raised after restore).
func Atomic(fn func() error, participants ...Participant) (err error) {
	checkpoints := make([]Checkpoint, 0, len(participants))
	for _, p := range participants {
		if p == nil {
			continue
		}
		checkpoints = append(checkpoints, p.Checkpoint())
	}

	rollback := func() {
		for i := len(checkpoints) - 1; i >= 0; i-- {
			checkpoints[i].Restore()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
	}()

	if err = fn(); err != nil {
		rollback()
		return err
	}
	return nil
}

// Join groups several participants into one.
func Join(participants ...Participant) Participant {
	return group(participants)
}

type group []Participant

func (g group) Checkpoint() Checkpoint {
	checkpoints := make([]Checkpoint, 0, len(g))
	for _, p := range g {
		if p == nil {
			continue
		}
		checkpoints = append(checkpoints, p.Checkpoint())
	}
	return CheckpointFunc(func() {
		for i := len(checkpoints) - 1; i >= 0; i-- {
			checkpoints[i].Restore()
		}
	})
}

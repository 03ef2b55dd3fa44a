package paymaster

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/looplab/fsm"
)

// Operation states.
const (
	StateUnvalidated = "unvalidated"
	StateValidated   = "validated"
	StateSettling    = "settling"
	StateSettled     = "settled"
	StateRejected    = "rejected"
)

const (
	eventValidate = "validate"
	eventReject   = "reject"
	eventSettle   = "settle"
	eventComplete = "complete"
	eventRestore  = "restore"
)

// maxRejected bounds the number of rejected operations remembered.
const maxRejected = 1024

type trackedOp struct {
	fsm *fsm.FSM
	// context is the keccak of the context handed out by validation.
	context common.Hash
}

// Lifecycle tracks every validated operation until its postOp consumes it,
// so a context can only be settled once and only in the exact form the
// validation produced.
type Lifecycle struct {
	mu  sync.Mutex
	ops map[common.Hash]*trackedOp

	rejected      map[common.Hash]*fsm.FSM
	rejectedOrder []common.Hash
}

// NewLifecycle returns an empty tracker.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		ops:      make(map[common.Hash]*trackedOp),
		rejected: make(map[common.Hash]*fsm.FSM),
	}
}

func newOpFSM(hash common.Hash) *fsm.FSM {
	return fsm.NewFSM(
		StateUnvalidated,
		fsm.Events{
			{Name: eventValidate, Src: []string{StateUnvalidated}, Dst: StateValidated},
			{Name: eventReject, Src: []string{StateUnvalidated, StateValidated}, Dst: StateRejected},
			{Name: eventSettle, Src: []string{StateValidated}, Dst: StateSettling},
			{Name: eventComplete, Src: []string{StateSettling}, Dst: StateSettled},
			{Name: eventRestore, Src: []string{StateSettling}, Dst: StateValidated},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				log.Trace("User operation transition", "userOpHash", hash, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// Validated records a successful validation of hash that handed out opCtx.
func (l *Lifecycle) Validated(hash common.Hash, opCtx []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ops[hash]; ok {
		return fmt.Errorf("%w: userOp %s is already awaiting postOp", ErrInvalidContext, hash)
	}
	op := newOpFSM(hash)
	if err := op.Event(eventValidate); err != nil {
		return err
	}
	delete(l.rejected, hash)
	l.ops[hash] = &trackedOp{fsm: op, context: crypto.Keccak256Hash(opCtx)}
	return nil
}

// Rejected records a failed validation of hash. An operation already
// awaiting postOp is left untouched.
func (l *Lifecycle) Rejected(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ops[hash]; ok {
		return
	}
	if _, ok := l.rejected[hash]; ok {
		return
	}
	op := newOpFSM(hash)
	if err := op.Event(eventReject); err != nil {
		log.Warn("Failed to reject user operation", "userOpHash", hash, "err", err)
		return
	}
	l.remember(hash, op)
}

// Abort rejects a validated operation whose reservation could not be made.
func (l *Lifecycle) Abort(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tracked, ok := l.ops[hash]
	if !ok {
		return
	}
	if err := tracked.fsm.Event(eventReject); err != nil {
		log.Warn("Failed to abort user operation", "userOpHash", hash, "state", tracked.fsm.Current(), "err", err)
		return
	}
	delete(l.ops, hash)
	l.remember(hash, tracked.fsm)
}

// remember keeps the last maxRejected rejections. l.mu must be held.
func (l *Lifecycle) remember(hash common.Hash, op *fsm.FSM) {
	if _, ok := l.rejected[hash]; !ok {
		l.rejectedOrder = append(l.rejectedOrder, hash)
	}
	l.rejected[hash] = op
	for len(l.rejectedOrder) > maxRejected {
		delete(l.rejected, l.rejectedOrder[0])
		l.rejectedOrder = l.rejectedOrder[1:]
	}
}

// Settle starts the settlement of hash. opCtx must be byte for byte the
// context its validation returned. The settlement ends with Complete, or
// with Restore when it failed.
func (l *Lifecycle) Settle(hash common.Hash, opCtx []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tracked, ok := l.ops[hash]
	if !ok || !tracked.fsm.Can(eventSettle) {
		return fmt.Errorf("%w: userOp %s", ErrOperationNotValidated, hash)
	}
	if crypto.Keccak256Hash(opCtx) != tracked.context {
		return fmt.Errorf("%w: context of userOp %s does not match its validation", ErrInvalidContext, hash)
	}
	return tracked.fsm.Event(eventSettle)
}

// Complete marks hash settled and forgets it.
func (l *Lifecycle) Complete(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tracked, ok := l.ops[hash]
	if !ok {
		return
	}
	if err := tracked.fsm.Event(eventComplete); err != nil {
		log.Warn("Failed to complete user operation", "userOpHash", hash, "state", tracked.fsm.Current(), "err", err)
		return
	}
	delete(l.ops, hash)
}

// Restore returns hash to the validated state after a failed settlement,
// so that a retry with the same context is possible.
func (l *Lifecycle) Restore(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tracked, ok := l.ops[hash]
	if !ok {
		return
	}
	if err := tracked.fsm.Event(eventRestore); err != nil {
		log.Warn("Failed to restore user operation", "userOpHash", hash, "state", tracked.fsm.Current(), "err", err)
	}
}

// State returns the state of hash. Settled operations are not retained and
// report unvalidated, as do rejections older than the last maxRejected.
func (l *Lifecycle) State(hash common.Hash) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tracked, ok := l.ops[hash]; ok {
		return tracked.fsm.Current()
	}
	if _, ok := l.rejected[hash]; ok {
		return StateRejected
	}
	return StateUnvalidated
}

// Awaiting reports whether hash has a validation its postOp has not
// consumed yet.
func (l *Lifecycle) Awaiting(hash common.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ops[hash]
	return ok
}

// Pending returns the number of operations awaiting postOp.
func (l *Lifecycle) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

package identity

import (
	"fmt"
	"time"

	"proofpay/core/events"
)

type engineState interface {
	UsernameGet(username string) (*UsernameRecord, bool)
	UsernamePut(record *UsernameRecord) error
	UsernameByAddress(addr [20]byte) (*UsernameRecord, bool)
}

// Engine maintains the bidirectional username directory. Registrations are
// first-come-first-served and permanent.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an identity engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Register claims a username for the supplied address. Fails when the name
// is taken or the address already holds a username.
func (e *Engine) Register(addr [20]byte, username string) (*UsernameRecord, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("identity engine: state not configured")
	}
	normalized, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	if addr == ([20]byte{}) {
		return nil, fmt.Errorf("%w: address required", ErrInvalidUsername)
	}
	if existing, ok := e.state.UsernameGet(normalized); ok {
		if existing.Address == addr {
			return existing.Clone(), nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUsernameTaken, normalized)
	}
	if existing, ok := e.state.UsernameByAddress(addr); ok {
		return nil, fmt.Errorf("%w: holds %q", ErrAlreadyRegistered, existing.Username)
	}
	record := &UsernameRecord{
		Username:  normalized,
		Address:   addr,
		CreatedAt: e.nowFn(),
	}
	if err := e.state.UsernamePut(record); err != nil {
		return nil, err
	}
	e.emitter.Emit(registeredEvent{record: record})
	return record.Clone(), nil
}

// Resolve returns the registration for a username.
func (e *Engine) Resolve(username string) (*UsernameRecord, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("identity engine: state not configured")
	}
	normalized, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	record, ok := e.state.UsernameGet(normalized)
	if !ok {
		return nil, fmt.Errorf("%w: username %q", ErrNotFound, normalized)
	}
	return record.Clone(), nil
}

// Reverse returns the registration held by an address, if any.
func (e *Engine) Reverse(addr [20]byte) (*UsernameRecord, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("identity engine: state not configured")
	}
	record, ok := e.state.UsernameByAddress(addr)
	if !ok {
		return nil, fmt.Errorf("%w: address has no username", ErrNotFound)
	}
	return record.Clone(), nil
}

// IsAvailable reports whether a username can still be claimed. Malformed
// names are reported as unavailable rather than an error.
func (e *Engine) IsAvailable(username string) (bool, error) {
	if e == nil || e.state == nil {
		return false, fmt.Errorf("identity engine: state not configured")
	}
	normalized, err := NormalizeUsername(username)
	if err != nil {
		return false, nil
	}
	_, ok := e.state.UsernameGet(normalized)
	return !ok, nil
}

package revy

import (
	"context"
	"sync"
)

// Key names a slot of the context stack.
type Key string

const (
	KeyIsDisabled                Key = "is_disabled"
	KeyRevision                  Key = "revision"
	KeyRevisionDescription       Key = "revision_description"
	KeyActor                     Key = "actor"
	KeyObjectDeltaDescription    Key = "object_delta_description"
	KeyAttributeDeltaDescription Key = "attribute_delta_description"
	KeyDeletionDescription       Key = "deletion_description"
)

// stackKey is an unexported context key type.
type stackKey struct{}

// Stack is the scope stack of one unit of execution. Nested scopes entered
// from the same context share it; a goroutine that needs its own stack gets
// one from Fork.
type Stack struct {
	mu     sync.Mutex
	frames []*frame
}

type frame struct {
	data map[Key]any
}

func newFrame() *frame {
	return &frame{data: map[Key]any{}}
}

func (s *Stack) push(f *frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

// pop removes f and, if scopes were exited out of order, every frame above it.
func (s *Stack) pop(f *frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i] == f {
			for j := i; j < len(s.frames); j++ {
				s.frames[j] = nil
			}
			s.frames = s.frames[:i]
			return
		}
	}
}

// Depth returns the number of active frames.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *Stack) lookup(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i].data[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *Stack) set(key Key, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return false
	}
	s.frames[len(s.frames)-1].data[key] = v
	return true
}

func (s *Stack) unset(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return
	}
	delete(s.frames[len(s.frames)-1].data, key)
}

func (s *Stack) reset(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		delete(f.data, key)
	}
}

func (s *Stack) flatten() map[Key]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[Key]any{}
	for _, f := range s.frames {
		for k, v := range f.data {
			out[k] = v
		}
	}
	return out
}

// StackFrom returns the stack carried by ctx, or nil.
func StackFrom(ctx context.Context) *Stack {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(stackKey{}).(*Stack)
	return s
}

// Option presets a slot of a newly entered scope.
type Option func(f *frame)

func slot(key Key, v any) Option {
	return func(f *frame) { f.data[key] = v }
}

// Enter pushes a scope with the given slots preset. The returned function
// pops it; calling it more than once is a no-op.
func Enter(ctx context.Context, opts ...Option) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := StackFrom(ctx)
	if s == nil {
		s = &Stack{}
		ctx = context.WithValue(ctx, stackKey{}, s)
	}
	f := newFrame()
	for _, opt := range opts {
		opt(f)
	}
	s.push(f)
	var once sync.Once
	return ctx, func() { once.Do(func() { s.pop(f) }) }
}

// Via is Enter for one-shot overrides: at least one slot is expected.
func Via(ctx context.Context, opt Option, opts ...Option) (context.Context, func()) {
	return Enter(ctx, append([]Option{opt}, opts...)...)
}

// Scope runs fn inside a new scope and pops it on every exit path.
func Scope(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	ctx, exit := Enter(ctx, opts...)
	defer exit()
	return fn(ctx)
}

// Fork returns a context carrying a new, independent stack whose single frame
// holds the slots currently visible through ctx.
func Fork(ctx context.Context) context.Context {
	f := newFrame()
	if s := StackFrom(ctx); s != nil {
		f.data = s.flatten()
	}
	return context.WithValue(ctx, stackKey{}, &Stack{frames: []*frame{f}})
}

// Get returns the value of key from the innermost scope that sets it, or def.
func Get(ctx context.Context, key Key, def any) any {
	s := StackFrom(ctx)
	if s == nil {
		return def
	}
	if v, ok := s.lookup(key); ok {
		return v
	}
	return def
}

// Set assigns key in the innermost scope. Outside any scope it does nothing.
func Set(ctx context.Context, key Key, v any) {
	if s := StackFrom(ctx); s != nil {
		s.set(key, v)
	}
}

// Unset removes key from the innermost scope so lookups fall back to outer
// scopes.
func Unset(ctx context.Context, key Key) {
	if s := StackFrom(ctx); s != nil {
		s.unset(key)
	}
}

// Reset removes key from every scope of the stack.
func Reset(ctx context.Context, key Key) {
	if s := StackFrom(ctx); s != nil {
		s.reset(key)
	}
}

func getString(ctx context.Context, key Key) string {
	v, _ := Get(ctx, key, "").(string)
	return v
}

// IsDisabled reports whether instrumentation must be bypassed. It is true
// outside of any scope.
func IsDisabled(ctx context.Context) bool {
	s := StackFrom(ctx)
	if s == nil || s.Depth() == 0 {
		return true
	}
	disabled, _ := Get(ctx, KeyIsDisabled, false).(bool)
	return disabled
}

func IsEnabled(ctx context.Context) bool {
	return !IsDisabled(ctx)
}

// Disable turns instrumentation off for the innermost scope and its children.
func Disable(ctx context.Context) {
	Set(ctx, KeyIsDisabled, true)
}

// Enable turns instrumentation back on for the innermost scope.
func Enable(ctx context.Context) {
	Set(ctx, KeyIsDisabled, false)
}

func AsDisabled() Option { return slot(KeyIsDisabled, true) }

func AsEnabled() Option { return slot(KeyIsDisabled, false) }

// Actor returns the current actor; the zero Ref when none is set.
func Actor(ctx context.Context) Ref {
	v, _ := Get(ctx, KeyActor, Ref{}).(Ref)
	return v
}

func SetActor(ctx context.Context, actor Ref) { Set(ctx, KeyActor, actor) }

func UnsetActor(ctx context.Context) { Unset(ctx, KeyActor) }

func ResetActor(ctx context.Context) { Reset(ctx, KeyActor) }

func WithActor(actor Ref) Option { return slot(KeyActor, actor) }

func RevisionDescription(ctx context.Context) string {
	return getString(ctx, KeyRevisionDescription)
}

func SetRevisionDescription(ctx context.Context, s string) {
	Set(ctx, KeyRevisionDescription, s)
}

func WithRevisionDescription(s string) Option { return slot(KeyRevisionDescription, s) }

func ObjectDeltaDescription(ctx context.Context) string {
	return getString(ctx, KeyObjectDeltaDescription)
}

func SetObjectDeltaDescription(ctx context.Context, s string) {
	Set(ctx, KeyObjectDeltaDescription, s)
}

func WithObjectDeltaDescription(s string) Option { return slot(KeyObjectDeltaDescription, s) }

func AttributeDeltaDescription(ctx context.Context) string {
	return getString(ctx, KeyAttributeDeltaDescription)
}

func SetAttributeDeltaDescription(ctx context.Context, s string) {
	Set(ctx, KeyAttributeDeltaDescription, s)
}

func WithAttributeDeltaDescription(s string) Option {
	return slot(KeyAttributeDeltaDescription, s)
}

func DeletionDescription(ctx context.Context) string {
	return getString(ctx, KeyDeletionDescription)
}

func SetDeletionDescription(ctx context.Context, s string) {
	Set(ctx, KeyDeletionDescription, s)
}

func WithDeletionDescription(s string) Option { return slot(KeyDeletionDescription, s) }

// SetRevision makes rev the active revision of the innermost scope.
func SetRevision(ctx context.Context, rev *Revision) { Set(ctx, KeyRevision, rev) }

// SetLazyRevision installs a deferred revision in the innermost scope.
func SetLazyRevision(ctx context.Context, lazy *LazyRevision) { Set(ctx, KeyRevision, lazy) }

func UnsetRevision(ctx context.Context) { Unset(ctx, KeyRevision) }

func ResetRevision(ctx context.Context) { Reset(ctx, KeyRevision) }

func WithRevision(rev *Revision) Option { return slot(KeyRevision, rev) }

func WithLazyRevision(lazy *LazyRevision) Option { return slot(KeyRevision, lazy) }

// CurrentRevision returns the active revision. A deferred revision that has
// not been resolved yet yields nil.
func CurrentRevision(ctx context.Context) *Revision {
	switch v := Get(ctx, KeyRevision, nil).(type) {
	case *Revision:
		return v
	case *LazyRevision:
		return v.Revision()
	}
	return nil
}

// LazyRevision creates its revision on first use inside a transaction and
// returns the same revision on every later use.
type LazyRevision struct {
	mu  sync.Mutex
	fn  func(ctx context.Context, tx Tx) (*Revision, error)
	rev *Revision
}

// Lazy returns a deferred revision described by the revision-description
// slot visible when it is first resolved.
func Lazy() *LazyRevision {
	return LazyFunc(func(ctx context.Context, tx Tx) (*Revision, error) {
		rev := &Revision{Description: RevisionDescription(ctx)}
		if err := tx.InsertRevision(ctx, rev); err != nil {
			return nil, err
		}
		return rev, nil
	})
}

// LazyFunc returns a deferred revision built by fn.
func LazyFunc(fn func(ctx context.Context, tx Tx) (*Revision, error)) *LazyRevision {
	return &LazyRevision{fn: fn}
}

// Revision returns the memoized revision, or nil before first resolution.
func (l *LazyRevision) Revision() *Revision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rev
}

func (l *LazyRevision) resolve(ctx context.Context, tx Tx) (rev *Revision, created bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rev != nil {
		return l.rev, false, nil
	}
	rev, err = l.fn(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	l.rev = rev
	return rev, true, nil
}

// forget drops the memo if it still holds rev, used when the transaction that
// created rev rolled back.
func (l *LazyRevision) forget(rev *Revision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rev == rev {
		l.rev = nil
	}
}

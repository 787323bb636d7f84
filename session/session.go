// Package session keeps one board live for a client: it loads the board,
// folds the remote change stream into it and applies local drag and drop
// moves optimistically. All state changes for an open board run on a single
// goroutine; readers get immutable snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

var (
	// ErrNoBoard is returned when an operation needs an open board.
	ErrNoBoard = errors.New("no board is open")
	// ErrSessionClosed is returned when the board an operation was started
	// on has been closed since.
	ErrSessionClosed = errors.New("board session closed")
)

// Loader reads the current state of a board.
type Loader interface {
	LoadBoard(ctx context.Context, boardID string) (domain.Board, error)
}

// TaskWriter persists a task move.
type TaskWriter interface {
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error
}

// ChangeStream delivers remote changes for a board until the returned
// subscription is closed. Close must not return while deliver may still be
// called.
type ChangeStream interface {
	Subscribe(ctx context.Context, boardID string, deliver func(domain.Change)) (Subscription, error)
}

// Subscription is an open change stream.
type Subscription interface {
	Close() error
}

// Deps are the collaborators of a Session.
type Deps struct {
	Loader Loader
	Writer TaskWriter
	Stream ChangeStream
	Logger *log.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithWriteTimeout bounds every remote write issued for a drop.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithInboxSize sets how many pending messages the board goroutine buffers.
func WithInboxSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.inboxSize = n
		}
	}
}

// Session owns the lifecycle of the open board.
type Session struct {
	loader       Loader
	writer       TaskWriter
	stream       ChangeStream
	logger       *log.Logger
	writeTimeout time.Duration
	inboxSize    int

	mu     sync.Mutex // serialises Open and Close
	live   atomic.Pointer[actor]
	latest atomic.Pointer[actor] // live board, or the last one that was open
	broker *broker
}

// New creates a session with no open board.
func New(deps Deps, opts ...Option) *Session {
	if deps.Loader == nil || deps.Writer == nil || deps.Stream == nil {
		panic("session.New: loader, writer and stream are required")
	}
	s := &Session{
		loader:       deps.Loader,
		writer:       deps.Writer,
		stream:       deps.Stream,
		logger:       deps.Logger,
		writeTimeout: 10 * time.Second,
		inboxSize:    256,
		broker:       newBroker(),
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open makes boardID the live board. Any previously open board is closed,
// and its subscription released, before the new subscription is made.
// Changes that arrive while the board is loading are applied once it has
// loaded.
func (s *Session) Open(ctx context.Context, boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		s.logger.WithError(err).Warn("closing previous board subscription")
	}

	a := newActor(boardID, s.inboxSize, s.logger, s.broker.publish)
	go a.run()

	sub, err := s.stream.Subscribe(ctx, boardID, a.deliver)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("subscribe board %s: %w", boardID, err)
	}
	a.sub = sub

	board, err := s.loader.LoadBoard(ctx, boardID)
	if err != nil {
		_ = sub.Close()
		a.shutdown()
		return fmt.Errorf("load board %s: %w", boardID, err)
	}
	if !a.call(func() { a.loaded(board) }) {
		_ = sub.Close()
		return ErrSessionClosed
	}
	s.latest.Store(a)
	s.live.Store(a)
	s.logger.WithFields(log.Fields{"board": boardID, "columns": len(board.Columns()), "tasks": board.TaskCount()}).Info("board opened")
	return nil
}

// Close releases the live board's subscription and stops its goroutine. It
// is a no-op when no board is open.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	a := s.live.Swap(nil)
	if a == nil {
		return nil
	}
	var err error
	if a.sub != nil {
		err = a.sub.Close()
	}
	a.shutdown()
	s.logger.WithField("board", a.boardID).Info("board closed")
	return err
}

// BoardID returns the id of the live board, or "" when none is open.
func (s *Session) BoardID() string {
	if a := s.live.Load(); a != nil {
		return a.boardID
	}
	return ""
}

// Snapshot returns the current board. After Close it keeps returning the
// last state of the closed board.
func (s *Session) Snapshot() domain.Board {
	if a := s.latest.Load(); a != nil {
		return a.snapshot()
	}
	return domain.Board{}
}

// Updates returns a channel that receives the board after every change, and
// a function that stops delivery. Slow readers only see the latest board.
func (s *Session) Updates() (<-chan domain.Board, func()) {
	return s.broker.subscribe()
}

// actor runs every state change of one open board on its own goroutine.
type actor struct {
	boardID string
	logger  *log.Entry
	publish func(domain.Board)

	inbox chan func()
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	sub   Subscription

	view atomic.Pointer[domain.Board]

	// owned by the run goroutine
	board    domain.Board
	isLoaded bool
	pending  []domain.Change
}

func newActor(boardID string, inbox int, logger *log.Logger, publish func(domain.Board)) *actor {
	a := &actor{
		boardID: boardID,
		logger:  logger.WithField("board", boardID),
		publish: publish,
		inbox:   make(chan func(), inbox),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		board:   domain.NewBoard(boardID, nil, nil),
	}
	empty := a.board
	a.view.Store(&empty)
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.stop:
			return
		}
	}
}

// do queues fn for the board goroutine. It reports false once the goroutine
// has stopped.
func (a *actor) do(fn func()) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.inbox <- fn:
		return true
	case <-a.done:
		return false
	}
}

// call runs fn on the board goroutine and waits for it to finish.
func (a *actor) call(fn func()) bool {
	finished := make(chan struct{})
	if !a.do(func() { defer close(finished); fn() }) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-a.done:
		// fn may have been dequeued before the stop signal won the select
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

func (a *actor) shutdown() {
	a.once.Do(func() { close(a.stop) })
	<-a.done
}

func (a *actor) snapshot() domain.Board { return *a.view.Load() }

// set publishes a new board. Must run on the board goroutine, or after it
// has stopped.
func (a *actor) set(b domain.Board) {
	a.board = b
	a.view.Store(&b)
	a.publish(b)
}

func (a *actor) deliver(ch domain.Change) {
	if !a.do(func() { a.receive(ch) }) {
		a.logger.WithFields(log.Fields{"table": ch.Table(), "id": ch.EntityID()}).Debug("change dropped after close")
	}
}

func (a *actor) receive(ch domain.Change) {
	if !a.isLoaded {
		a.pending = append(a.pending, ch)
		return
	}
	a.apply(ch)
}

func (a *actor) loaded(b domain.Board) {
	a.isLoaded = true
	a.board = b
	pending := a.pending
	a.pending = nil
	for _, ch := range pending {
		b, _ = a.fold(b, ch)
	}
	a.set(b)
}

func (a *actor) apply(ch domain.Change) {
	next, outcome := a.fold(a.board, ch)
	if outcome == domain.Applied {
		a.set(next)
	}
}

func (a *actor) fold(b domain.Board, ch domain.Change) (domain.Board, domain.Outcome) {
	next, outcome := domain.Apply(b, ch)
	a.logger.WithFields(log.Fields{
		"table":   ch.Table(),
		"type":    ch.Type(),
		"id":      ch.EntityID(),
		"outcome": outcome.String(),
	}).Debug("remote change")
	return next, outcome
}

// broker fans board updates out to Updates readers.
type broker struct {
	mu   sync.Mutex
	subs map[chan domain.Board]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[chan domain.Board]struct{})}
}

func (b *broker) subscribe() (<-chan domain.Board, func()) {
	ch := make(chan domain.Board, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

func (b *broker) publish(board domain.Board) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- board:
		default:
		}
	}
}

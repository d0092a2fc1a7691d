// ABOUTME: Resumable stream registry: one writer per stream, unlimited replaying readers
// ABOUTME: Enforces one active generation per chat, mirrors logs to a LogStore, and evicts old sessions

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/store"
)

const (
	defaultRetention    = 10 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
	defaultIdleTimeout  = 5 * time.Minute
	// storeWriteTimeout bounds each LogStore write. Writes are detached from
	// the request so a disconnecting client does not truncate the log.
	storeWriteTimeout = 5 * time.Second
)

var (
	// ErrStreamExists is returned by Start when the stream id is taken.
	ErrStreamExists = errors.New("stream already exists")
	// ErrChatBusy is matched by *BusyError.
	ErrChatBusy = errors.New("chat already has an active generation")
	// ErrNotFound is returned for unknown streams and chats.
	ErrNotFound = errors.New("stream not found")
)

// BusyError reports the stream currently generating for a chat.
type BusyError struct {
	ChatID   string
	StreamID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("chat %s already has active stream %s", e.ChatID, e.StreamID)
}

func (e *BusyError) Is(target error) bool { return target == ErrChatBusy }

// Producer starts a generation. It runs on the session's writer goroutine
// once the session is registered, so it may block (for example on upstream
// response headers) without delaying Start. Its context is cancelled when
// the session is aborted; an error returned after that ends the session as
// aborted rather than failed.
// The returned channel must close after a terminal event or cancellation.
type Producer func(ctx context.Context) (<-chan event.Event, error)

// StartParams identifies a new session.
type StartParams struct {
	StreamID string
	ChatID   string
}

// Options configures a Registry.
type Options struct {
	// Store mirrors session logs so they survive eviction and restarts and
	// can be followed from other processes. Nil keeps sessions in memory only.
	Store store.LogStore
	// Passthrough disables resumption entirely: each response is delivered
	// only to the request that started it.
	Passthrough bool
	// Retention is how long completed sessions stay attachable.
	Retention time.Duration
	// SweepInterval is how often expired sessions are evicted. Zero derives
	// it from Retention.
	SweepInterval time.Duration
	// PollInterval and IdleTimeout govern following a session that lives only
	// in the Store.
	PollInterval time.Duration
	IdleTimeout  time.Duration
	// AbortOnDisconnect ties a generation to the context passed to Start
	// instead of letting it run until a terminal event.
	AbortOnDisconnect bool
	Logger            *slog.Logger
}

// Registry tracks stream sessions.
type Registry struct {
	opts     Options
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session // streamID -> session
	active   map[string]string   // chatID -> streamID of the non-terminal session
	latest   map[string]string   // chatID -> streamID of the newest session

	wg     sync.WaitGroup
	done   chan struct{}
	closed bool
}

// NewRegistry creates a registry and starts its background sweeper.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = min(max(opts.Retention/4, time.Second), time.Minute)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	logger := opts.Logger.With("component", "registry")
	r := &Registry{
		opts:     opts,
		notifier: NewNotifier(opts.Logger),
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
		active:   make(map[string]string),
		latest:   make(map[string]string),
		done:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweep()
	return r
}

// Resumable reports whether sessions can be re-attached at all.
func (r *Registry) Resumable() bool {
	return !r.opts.Passthrough
}

// Start registers a session and starts its producer. The returned handle is
// usable immediately. At most one non-terminal session exists per chat.
func (r *Registry) Start(ctx context.Context, p StartParams, produce Producer) (*Handle, error) {
	if p.StreamID == "" || p.ChatID == "" {
		return nil, errors.New("stream id and chat id are required")
	}

	parent := context.WithoutCancel(ctx)
	if r.opts.AbortOnDisconnect {
		parent = ctx
	}
	genCtx, cancel := context.WithCancel(parent)

	s := newSession(p.StreamID, p.ChatID, r.now())
	s.resumable = !r.opts.Passthrough
	s.cancel = cancel

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, errors.New("registry closed")
	}
	if _, ok := r.sessions[p.StreamID]; ok {
		r.mu.Unlock()
		cancel()
		return nil, ErrStreamExists
	}
	if activeID, ok := r.active[p.ChatID]; ok {
		r.mu.Unlock()
		cancel()
		return nil, &BusyError{ChatID: p.ChatID, StreamID: activeID}
	}
	r.sessions[s.id] = s
	r.active[s.chatID] = s.id
	r.latest[s.chatID] = s.id
	// Counted under the lock so Close cannot miss this writer.
	r.wg.Add(1)
	r.mu.Unlock()

	logger := r.logger.With("stream_id", s.id, "chat_id", s.chatID)

	if r.opts.Store != nil && !r.opts.Passthrough {
		err := r.opts.Store.CreateStream(ctx, &store.StreamSession{
			StreamID:  s.id,
			ChatID:    s.chatID,
			State:     store.StreamActive,
			CreatedAt: s.createdAt,
		})
		switch {
		case errors.Is(err, store.ErrDuplicateStream):
			r.forget(s)
			cancel()
			r.wg.Done()
			return nil, ErrStreamExists
		case err != nil:
			logger.Warn("stream store unavailable, serving without resume", "error", err)
			s.setResumable(false)
		default:
			s.setDurable(true)
		}
	}

	go r.run(genCtx, s, produce, logger)

	return &Handle{r: r, s: s}, nil
}

// forget removes a session that never started.
func (r *Registry) forget(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
	if r.active[s.chatID] == s.id {
		delete(r.active, s.chatID)
	}
	if r.latest[s.chatID] == s.id {
		delete(r.latest, s.chatID)
	}
}

// run opens the producer and then pumps its events. A producer that fails
// because the generation was aborted ends the stream as aborted.
func (r *Registry) run(ctx context.Context, s *session, produce Producer, logger *slog.Logger) {
	events, err := produce(ctx)
	if err != nil {
		defer r.wg.Done()
		defer s.cancel()
		if ctx.Err() != nil {
			logger.Info("generation aborted before producer started", "error", err)
			r.finish(s, event.Finish(event.ReasonAborted))
			return
		}
		logger.Warn("producer failed to start", "error", err)
		r.finish(s, event.Failure(err.Error()))
		return
	}

	logger.Info("stream started", "resumable", s.isResumable(), "durable", s.isDurable())
	r.pump(ctx, s, events)
}

// pump is the single writer of a session's log.
func (r *Registry) pump(ctx context.Context, s *session, events <-chan event.Event) {
	defer r.wg.Done()
	defer s.cancel()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				r.finish(s, event.Finish(event.ReasonAborted))
				return
			}
			if e.Terminal() {
				r.finish(s, e)
				return
			}
			r.record(s, e)
		case <-ctx.Done():
			r.finish(s, event.Finish(event.ReasonAborted))
			return
		}
	}
}

func (r *Registry) record(s *session, e event.Event) {
	seq, ok := s.append(e)
	if !ok {
		return
	}
	r.persist(s, func(ctx context.Context, ls store.LogStore) error {
		return ls.AppendEvent(ctx, s.id, seq, e)
	})
	r.notifier.Notify(s.id)
}

// finish records the terminal event, releases the chat, and wakes readers.
func (r *Registry) finish(s *session, e event.Event) {
	r.mu.Lock()
	if r.active[s.chatID] == s.id {
		delete(r.active, s.chatID)
	}
	r.mu.Unlock()

	now := r.now()
	seq, ok := s.end(e, now)
	if !ok {
		return
	}

	state := store.StateFor(e)
	r.persist(s, func(ctx context.Context, ls store.LogStore) error {
		if err := ls.AppendEvent(ctx, s.id, seq, e); err != nil {
			return err
		}
		return ls.CompleteStream(ctx, s.id, state, now)
	})
	r.notifier.Notify(s.id)

	r.logger.Info("stream finished",
		"stream_id", s.id,
		"chat_id", s.chatID,
		"state", state,
		"events", seq+1)
}

// persist mirrors a write to the LogStore. The first failure stops mirroring
// for the session; in-process readers are unaffected.
func (r *Registry) persist(s *session, write func(ctx context.Context, ls store.LogStore) error) {
	if r.opts.Store == nil || !s.isDurable() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	if err := write(ctx, r.opts.Store); err != nil {
		s.setDurable(false)
		r.logger.Warn("stream log write failed, session no longer durable",
			"stream_id", s.id,
			"error", err)
	}
}

// Attach follows a session from its first event. A live session is replayed
// and then followed; a completed one is replayed and the channel closes. An
// unknown or non-resumable session yields an already-closed channel. The error
// is non-nil only when the LogStore lookup fails.
func (r *Registry) Attach(ctx context.Context, streamID string) (<-chan event.Event, error) {
	r.mu.Lock()
	s, ok := r.sessions[streamID]
	r.mu.Unlock()

	if ok {
		if !s.isResumable() {
			return closedChannel(), nil
		}
		return r.follow(ctx, s, 0), nil
	}

	if r.opts.Store == nil || r.opts.Passthrough {
		return closedChannel(), nil
	}
	if _, err := r.opts.Store.GetStream(ctx, streamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return closedChannel(), nil
		}
		return nil, fmt.Errorf("look up stream %s: %w", streamID, err)
	}
	return r.poll(ctx, streamID), nil
}

// follow streams a session's log from position from to a new channel.
func (r *Registry) follow(ctx context.Context, s *session, from int) <-chan event.Event {
	out := make(chan event.Event)
	ctx, cancel := context.WithCancel(ctx)
	// Subscribe before the first read so no append can slip between them.
	wake, _ := r.notifier.Subscribe(ctx, s.id)

	go func() {
		defer close(out)
		defer cancel()

		cursor := from
		stopping := false
		for {
			events, done := s.since(cursor)
			for _, e := range events {
				select {
				case out <- e:
					cursor++
				case <-ctx.Done():
					return
				}
			}
			if len(events) > 0 {
				continue
			}
			if done || stopping {
				return
			}

			select {
			case _, ok := <-wake:
				// A closed notifier means shutdown: drain what is logged, then stop.
				stopping = !ok
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// poll follows a session that only exists in the LogStore.
func (r *Registry) poll(ctx context.Context, streamID string) <-chan event.Event {
	out := make(chan event.Event)

	go func() {
		defer close(out)
		logger := r.logger.With("stream_id", streamID)

		ticker := time.NewTicker(r.opts.PollInterval)
		defer ticker.Stop()
		idleTimer := time.NewTimer(r.opts.IdleTimeout)
		defer idleTimer.Stop()

		cursor := 0
		for {
			events, err := r.opts.Store.ReadEvents(ctx, streamID, cursor)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("polling stream log failed", "error", err)
				}
				return
			}

			for _, e := range events {
				select {
				case out <- e:
					cursor++
				case <-ctx.Done():
					return
				}
				if e.Terminal() {
					return
				}
			}

			if len(events) > 0 {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(r.opts.IdleTimeout)
			} else if st, err := r.opts.Store.GetStream(ctx, streamID); err != nil || st.State.Terminal() {
				// Ended without a readable terminal event, or was evicted.
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-idleTimer.C:
				logger.Debug("stored stream idle, closing follower")
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

func closedChannel() <-chan event.Event {
	ch := make(chan event.Event)
	close(ch)
	return ch
}

// Abort cancels an active generation. The session ends with a clean aborted
// finish unless a terminal event was already recorded. It reports whether a
// running generation was found.
func (r *Registry) Abort(streamID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[streamID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if s.info().State.Terminal() {
		return false
	}
	r.logger.Info("aborting stream", "stream_id", streamID)
	s.cancel()
	return true
}

// Active returns the stream id generating for chatID, if any.
func (r *Registry) Active(chatID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[chatID]
	return id, ok
}

// Get describes a session held in memory or in the LogStore.
func (r *Registry) Get(ctx context.Context, streamID string) (Info, error) {
	r.mu.Lock()
	s, ok := r.sessions[streamID]
	r.mu.Unlock()
	if ok {
		info := s.info()
		info.Readers = r.notifier.Readers(streamID)
		return info, nil
	}

	if r.opts.Store == nil || r.opts.Passthrough {
		return Info{}, ErrNotFound
	}
	st, err := r.opts.Store.GetStream(ctx, streamID)
	if errors.Is(err, store.ErrNotFound) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, err
	}
	return infoFromStore(st), nil
}

// Latest describes the most recent session of chatID.
func (r *Registry) Latest(ctx context.Context, chatID string) (Info, error) {
	r.mu.Lock()
	id, ok := r.latest[chatID]
	s := r.sessions[id]
	r.mu.Unlock()
	if ok && s != nil {
		info := s.info()
		info.Readers = r.notifier.Readers(id)
		return info, nil
	}

	if r.opts.Store == nil || r.opts.Passthrough {
		return Info{}, ErrNotFound
	}
	st, err := r.opts.Store.LatestStream(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, err
	}
	return infoFromStore(st), nil
}

// sweep runs in a background goroutine, periodically evicting expired sessions.
func (r *Registry) sweep() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runSweep()
		case <-r.done:
			return
		}
	}
}

// runSweep evicts completed sessions older than the retention window from
// memory and from the LogStore.
func (r *Registry) runSweep() {
	now := r.now()

	r.mu.Lock()
	evicted := 0
	for id, s := range r.sessions {
		if !s.expired(now, r.opts.Retention) {
			continue
		}
		delete(r.sessions, id)
		if r.latest[s.chatID] == id {
			delete(r.latest, s.chatID)
		}
		evicted++
	}
	r.mu.Unlock()

	if evicted > 0 {
		r.logger.Debug("evicted expired sessions", "count", evicted)
	}

	if r.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if _, err := r.opts.Store.DeleteStreamsBefore(ctx, now.Add(-r.opts.Retention)); err != nil {
		r.logger.Warn("deleting expired stream logs failed", "error", err)
	}
}

// Close aborts running generations, stops the sweeper, and waits for writers
// to finish. It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	r.wg.Wait()
	r.notifier.Close()
}

// Handle is returned by Start for the request that began a session.
type Handle struct {
	r *Registry
	s *session
}

// StreamID returns the session's stream id.
func (h *Handle) StreamID() string { return h.s.id }

// ChatID returns the session's chat id.
func (h *Handle) ChatID() string { return h.s.chatID }

// Resumable reports whether other requests can attach to this session.
func (h *Handle) Resumable() bool { return h.s.isResumable() }

// Subscribe follows the session from its first event.
func (h *Handle) Subscribe(ctx context.Context) <-chan event.Event {
	return h.r.follow(ctx, h.s, 0)
}

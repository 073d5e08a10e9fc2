package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gigchat/internal/chat"
	"gigchat/internal/feed"
	"gigchat/internal/metrics"
	"gigchat/internal/notify"
	"gigchat/internal/presence"
)

var ErrSessionClosed = errors.New("session closed")

// Store is the message persistence the session needs.
type Store interface {
	InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	MarkRead(ctx context.Context, reader chat.UserID, ids []chat.MessageID, at time.Time) ([]chat.MessageID, error)
	ListForUser(ctx context.Context, user chat.UserID) ([]chat.Message, error)
}

// Uploader stores attachment bytes and returns the remote reference.
type Uploader interface {
	Put(ctx context.Context, key string, a chat.Attachment) (chat.Attachment, error)
}

// Names resolves display names of users.
type Names interface {
	Usernames(ctx context.Context, ids []chat.UserID) (map[chat.UserID]string, error)
}

// Feed hands out change subscriptions.
type Feed interface {
	Subscribe(filter feed.Filter) (*feed.Subscription, error)
}

// Presence is the shared presence tracker.
type Presence interface {
	Subscribe(onChange func(presence.Set)) (unsubscribe func())
	Join(user chat.UserID) (leave func())
}

type Deps struct {
	Store      Store
	Uploader   Uploader
	Names      Names
	Feed       Feed
	Presence   Presence
	Alerter    notify.Alerter
	Permission notify.Permission
	Metrics    *metrics.Metrics
}

// Update is pushed to the session's listener after every state change.
type Update interface {
	isUpdate()
}

// Snapshot is the full view: every conversation plus the open one.
type Snapshot struct {
	Conversations []chat.Conversation `json:"conversations"`
	Active        *chat.Key           `json:"active,omitempty"`
	Online        []chat.UserID       `json:"online"`
}

// SendFailed carries the composer contents of a send that did not go
// through, so the user can try again.
type SendFailed struct {
	ProvisionalID chat.MessageID `json:"provisional_id"`
	Draft         chat.Draft     `json:"draft"`
	Error         string         `json:"error"`
}

// PresenceChanged lists who is online after a presence update.
type PresenceChanged struct {
	Online []chat.UserID `json:"online"`
}

func (Snapshot) isUpdate()        {}
func (SendFailed) isUpdate()      {}
func (PresenceChanged) isUpdate() {}

// Session is one user's synchronization engine. Run owns all conversation
// state; every other method hands a closure to the Run goroutine, so state
// is only ever touched from one goroutine and feed events are applied one
// at a time in delivery order.
type Session struct {
	user chat.UserID
	deps Deps
	gate *notify.Gate

	now         func() time.Time
	newID       func() chat.MessageID
	listener    func(Update)
	sendTimeout time.Duration
	retryDelay  time.Duration

	cmds    chan func()
	done    chan struct{}
	started atomic.Bool
	active  atomic.Pointer[chat.Key]

	presenceMu     sync.Mutex
	latestPresence presence.Set
	presenceDirty  chan struct{}

	// owned by Run
	convs   []chat.Conversation
	pending map[chat.MessageID]pendingSend
	names   map[chat.UserID]string
	online  presence.Set
	sub     *feed.Subscription

	// a rebuild retry is scheduled
	retrying bool
}

// pendingSend is an outgoing message between submit and the store's answer.
type pendingSend struct {
	draft   chat.Draft
	message chat.Message
}

type Option func(*Session)

func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// WithIDGenerator replaces the provisional id source. Generated ids must
// carry chat.ProvisionalPrefix.
func WithIDGenerator(fn func() chat.MessageID) Option { return func(s *Session) { s.newID = fn } }

// WithListener receives every Update. It runs on the session goroutine and
// must not block.
func WithListener(fn func(Update)) Option { return func(s *Session) { s.listener = fn } }

func WithSendTimeout(d time.Duration) Option { return func(s *Session) { s.sendTimeout = d } }

// WithRetryDelay sets how long to wait before refetching history after a
// failed fetch.
func WithRetryDelay(d time.Duration) Option { return func(s *Session) { s.retryDelay = d } }

func New(user chat.UserID, deps Deps, opts ...Option) *Session {
	s := &Session{
		user:          user,
		deps:          deps,
		now:           time.Now,
		newID:         func() chat.MessageID { return chat.MessageID(chat.ProvisionalPrefix + uuid.NewString()) },
		listener:      func(Update) {},
		sendTimeout:   30 * time.Second,
		retryDelay:    2 * time.Second,
		cmds:          make(chan func(), 16),
		done:          make(chan struct{}),
		presenceDirty: make(chan struct{}, 1),
		pending:       make(map[chat.MessageID]pendingSend),
		names:         make(map[chat.UserID]string),
		online:        make(presence.Set),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.gate = notify.NewGate(deps.Alerter, deps.Permission, s.Active,
		notify.WithDecisionHook(deps.Metrics.AlertDecision))
	return s
}

func (s *Session) User() chat.UserID { return s.user }

// Active returns the conversation the user is looking at, if any.
func (s *Session) Active() *chat.Key {
	return s.active.Load()
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run loads history, subscribes to the feed and presence and serves the
// session until ctx ends. Pending sends are dropped from view on return;
// their results, if they arrive later, are ignored.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.done)

	s.deps.Metrics.SessionStarted()
	defer s.deps.Metrics.SessionEnded()

	if err := s.subscribe(); err != nil {
		return err
	}
	defer func() {
		if s.sub != nil {
			s.sub.Close()
		}
	}()

	if s.deps.Presence != nil {
		leave := s.deps.Presence.Join(s.user)
		defer leave()
		unsubscribe := s.deps.Presence.Subscribe(s.onPresence)
		defer unsubscribe()
	}

	s.rebuild(ctx)
	go s.gate.RequestPermission(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case fn := <-s.cmds:
			fn()

		case <-s.presenceDirty:
			s.presenceMu.Lock()
			s.online = s.latestPresence
			s.presenceMu.Unlock()
			s.deps.Metrics.Online(len(s.online))
			s.listener(PresenceChanged{Online: s.online.IDs()})
			s.emit()

		case e, ok := <-s.sub.C:
			if !ok {
				// Dropped by the hub: live events may be missing.
				slog.Warn("session: feed subscription lost, resubscribing", "user", s.user)
				s.sub = nil
				if err := s.subscribe(); err != nil {
					return err
				}
				s.rebuild(ctx)
				continue
			}
			s.route(ctx, e)
		}
	}
}

func (s *Session) subscribe() error {
	sub, err := s.deps.Feed.Subscribe(feed.Filter{UserID: s.user})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// onPresence runs on the tracker's goroutine. It only records the set and
// flags the loop, so it never blocks on the session.
func (s *Session) onPresence(set presence.Set) {
	s.presenceMu.Lock()
	s.latestPresence = set
	s.presenceMu.Unlock()
	select {
	case s.presenceDirty <- struct{}{}:
	default:
	}
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn from a background goroutine. It reports false once the
// session is gone.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.cmds <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Conversations returns the current view.
func (s *Session) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	err := s.do(ctx, func() { out = s.snapshot().Conversations })
	return out, err
}

// Conversation returns one thread, if it is known.
func (s *Session) Conversation(ctx context.Context, k chat.Key) (chat.Conversation, bool, error) {
	var (
		c  chat.Conversation
		ok bool
	)
	err := s.do(ctx, func() {
		if i := chat.Find(s.convs, k); i >= 0 {
			c, ok = s.convs[i], true
		}
	})
	return c, ok, err
}

// rebuild refetches history and derives every conversation from scratch,
// then lays the pending sends and the open thread back on top. A failed
// fetch keeps the current view and tries again after retryDelay.
func (s *Session) rebuild(ctx context.Context) {
	msgs, err := s.deps.Store.ListForUser(ctx, s.user)
	if err != nil {
		slog.Error("session: history fetch failed", "user", s.user, "error", err)
		s.retryRebuild(ctx)
		return
	}
	s.convs = chat.BuildConversations(msgs, s.user)

	for _, p := range s.pending {
		var i int
		s.convs, i = chat.EnsureConversation(s.convs, p.draft.Key, s.now())
		s.convs[i], _ = chat.Merge(s.convs[i], p.message, s.user)
	}
	if k := s.Active(); k != nil {
		s.convs, _ = chat.EnsureConversation(s.convs, *k, s.now())
		s.markRead(*k)
	}
	s.resolveNames(chat.Counterparties(s.convs))
	s.emit()
}

// retryRebuild schedules one more rebuild. Only one retry is outstanding
// at a time.
func (s *Session) retryRebuild(ctx context.Context) {
	if s.retrying {
		return
	}
	s.retrying = true
	go func() {
		timer := time.NewTimer(s.retryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.done:
			return
		}
		s.post(func() {
			s.retrying = false
			s.rebuild(ctx)
		})
	}()
}

// resolveNames looks up unknown counterparties off the session goroutine.
func (s *Session) resolveNames(ids []chat.UserID) {
	if s.deps.Names == nil {
		return
	}
	var missing []chat.UserID
	for _, id := range ids {
		if _, ok := s.names[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		names, err := s.deps.Names.Usernames(ctx, missing)
		if err != nil {
			slog.Warn("session: name lookup failed", "error", err)
			return
		}
		s.post(func() {
			for id, name := range names {
				s.names[id] = name
			}
			s.emit()
		})
	}()
}

func (s *Session) snapshot() Snapshot {
	chat.SortConversations(s.convs)
	return Snapshot{
		Conversations: chat.WithCounterparties(s.convs, s.names, s.online.Has),
		Active:        s.Active(),
		Online:        s.online.IDs(),
	}
}

func (s *Session) emit() {
	s.listener(s.snapshot())
}

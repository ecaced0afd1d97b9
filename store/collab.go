package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/backend"
	"boardsync/domain"
)

var (
	ErrNotSignedIn     = errors.New("store: not signed in")
	ErrEmptyComment    = errors.New("store: comment content is required")
	ErrCommentNotFound = errors.New("store: comment not found")
)

const defaultPresenceInterval = 30 * time.Second

// Collab holds the collaboration state of a board session: active
// users, comments and the activity feed, plus the presence heartbeat
// for the signed-in user.
type Collab struct {
	backend  backend.Backend
	identity Identity
	logger   *log.Logger
	interval time.Duration
	notifier

	mu         sync.Mutex
	boardID    string
	comments   []domain.Comment
	activities []domain.Activity
	active     []domain.Presence

	// presenceMu serializes every presence write. Holding it across
	// the teardown write is what guarantees a racing periodic refresh
	// can never overwrite the offline tombstone.
	presenceMu sync.Mutex
	tracking   bool
	stop       chan struct{}
	view       string
	taskID     string
}

// NewCollab creates a collaboration store. interval is the presence
// heartbeat period; zero selects the default of 30 seconds.
func NewCollab(b backend.Backend, identity Identity, logger *log.Logger, interval time.Duration) *Collab {
	if b == nil {
		panic("store.NewCollab: backend is nil")
	}
	if identity == nil {
		panic("store.NewCollab: identity is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if interval <= 0 {
		interval = defaultPresenceInterval
	}
	return &Collab{backend: b, identity: identity, logger: logger, interval: interval}
}

// ActiveUsers returns the users currently online on the board.
func (s *Collab) ActiveUsers() []domain.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Presence(nil), s.active...)
}

// Comments returns all live comments on the board.
func (s *Collab) Comments() []domain.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Comment(nil), s.comments...)
}

// CommentsForTask returns the live comments on one task.
func (s *Collab) CommentsForTask(taskID string) []domain.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Comment
	for _, c := range s.comments {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

// Activities returns the activity feed, most recent first.
func (s *Collab) Activities() []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Activity(nil), s.activities...)
}

// InitializeRealtimeUpdates opens the presence, comment and activity
// subscriptions for the board. The returned cleanup is idempotent.
func (s *Collab) InitializeRealtimeUpdates(ctx context.Context, boardID string) (CleanupFunc, error) {
	s.mu.Lock()
	s.boardID = boardID
	s.mu.Unlock()

	var live atomic.Bool
	live.Store(true)

	var cancels []backend.CancelFunc
	cleanupPartial := func() {
		live.Store(false)
		for _, c := range cancels {
			c()
		}
	}

	subscribe := func(collection string, apply func(backend.Snapshot)) error {
		cancel, err := s.backend.Subscribe(ctx, collection, backend.Filter{Field: "boardId", Equals: boardID}, func(snap backend.Snapshot) {
			if !live.Load() {
				return
			}
			apply(snap)
		})
		if err != nil {
			return err
		}
		cancels = append(cancels, cancel)
		return nil
	}

	if err := subscribe(CollectionPresence, s.applyPresence); err != nil {
		cleanupPartial()
		return nil, err
	}
	if err := subscribe(CollectionComments, s.applyComments); err != nil {
		cleanupPartial()
		return nil, err
	}
	if err := subscribe(CollectionActivities, s.applyActivities); err != nil {
		cleanupPartial()
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(cleanupPartial) }, nil
}

// applyPresence publishes only online users; documents carrying the
// offline tombstone view are treated as absent.
func (s *Collab) applyPresence(snap backend.Snapshot) {
	m, _ := newOpMetrics(context.Background(), s.logger, "snapshot.apply", snap.Collection)
	now := time.Now()
	active := make([]domain.Presence, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		p := decodePresence(doc, now)
		if !p.Online() {
			continue
		}
		active = append(active, p)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
	m.SetDocCount(len(active))
	m.Log(nil)
	s.notify()
}

// applyComments drops soft-deleted comments before publishing.
func (s *Collab) applyComments(snap backend.Snapshot) {
	m, _ := newOpMetrics(context.Background(), s.logger, "snapshot.apply", snap.Collection)
	now := time.Now()
	comments := make([]domain.Comment, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		c := decodeComment(doc, now)
		if c.Deleted {
			continue
		}
		comments = append(comments, c)
	}
	sort.Slice(comments, func(i, j int) bool {
		if !comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].CreatedAt.Before(comments[j].CreatedAt)
		}
		return comments[i].ID < comments[j].ID
	})
	s.mu.Lock()
	s.comments = comments
	s.mu.Unlock()
	m.SetDocCount(len(comments))
	m.Log(nil)
	s.notify()
}

func (s *Collab) applyActivities(snap backend.Snapshot) {
	m, _ := newOpMetrics(context.Background(), s.logger, "snapshot.apply", snap.Collection)
	now := time.Now()
	activities := make([]domain.Activity, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		activities = append(activities, decodeActivity(doc, now))
	}
	sort.Slice(activities, func(i, j int) bool {
		if !activities[i].CreatedAt.Equal(activities[j].CreatedAt) {
			return activities[i].CreatedAt.After(activities[j].CreatedAt)
		}
		return activities[i].ID < activities[j].ID
	})
	s.mu.Lock()
	s.activities = activities
	s.mu.Unlock()
	m.SetDocCount(len(activities))
	m.Log(nil)
	s.notify()
}

// AddComment extracts @-mentions from the content, appends the comment
// locally and writes it remotely. An activity record is written as a
// side effect; its failure is logged, not returned.
func (s *Collab) AddComment(ctx context.Context, taskID, content string) (string, error) {
	m, ctx := newOpMetrics(ctx, s.logger, "comment.add", CollectionComments)
	var err error
	defer func() { m.Log(err) }()

	user := s.identity.CurrentUser()
	if user == nil {
		m.SetErrorStage("auth")
		err = ErrNotSignedIn
		return "", err
	}
	if content == "" {
		m.SetErrorStage("validate")
		err = ErrEmptyComment
		return "", err
	}

	comment := domain.Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		UserID:    user.ID,
		UserName:  user.Name,
		Content:   content,
		Mentions:  domain.ExtractMentions(content),
		CreatedAt: time.Now(),
	}

	localStart := time.Now()
	s.mu.Lock()
	comment.BoardID = s.boardID
	s.comments = append(s.comments, comment)
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	s.notify()

	remoteStart := time.Now()
	err = s.backend.Put(ctx, CollectionComments, comment.ID, backend.Fields{
		"taskId":    comment.TaskID,
		"boardId":   comment.BoardID,
		"userId":    comment.UserID,
		"userName":  comment.UserName,
		"content":   comment.Content,
		"mentions":  comment.Mentions,
		"deleted":   false,
		"createdAt": backend.ServerTimestamp,
	})
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
		return comment.ID, err
	}

	if _, aerr := s.RecordActivity(ctx, "commented on task", taskID, "task"); aerr != nil {
		s.logger.Warnf("record comment activity: %v", aerr)
	}
	return comment.ID, nil
}

// EditComment replaces the comment content, re-extracting mentions.
func (s *Collab) EditComment(ctx context.Context, commentID, content string) error {
	m, ctx := newOpMetrics(ctx, s.logger, "comment.edit", CollectionComments)
	var err error
	defer func() { m.Log(err) }()

	if content == "" {
		m.SetErrorStage("validate")
		err = ErrEmptyComment
		return err
	}
	mentions := domain.ExtractMentions(content)

	localStart := time.Now()
	s.mu.Lock()
	found := false
	for i := range s.comments {
		if s.comments[i].ID == commentID {
			now := time.Now()
			s.comments[i].Content = content
			s.comments[i].Mentions = mentions
			s.comments[i].EditedAt = &now
			found = true
			break
		}
	}
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	if !found {
		m.SetErrorStage("local_apply")
		err = ErrCommentNotFound
		return err
	}
	s.notify()

	remoteStart := time.Now()
	err = s.backend.Update(ctx, CollectionComments, commentID, backend.Fields{
		"content":  content,
		"mentions": mentions,
		"editedAt": backend.ServerTimestamp,
	})
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
	}
	return err
}

// DeleteComment soft-deletes: the remote document is flagged, not
// removed, so history remains queryable. Locally the comment leaves
// the published list immediately.
func (s *Collab) DeleteComment(ctx context.Context, commentID string) error {
	m, ctx := newOpMetrics(ctx, s.logger, "comment.delete", CollectionComments)
	var err error
	defer func() { m.Log(err) }()

	localStart := time.Now()
	s.mu.Lock()
	found := false
	for i := range s.comments {
		if s.comments[i].ID == commentID {
			s.comments = append(s.comments[:i], s.comments[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	if !found {
		m.SetErrorStage("local_apply")
		err = ErrCommentNotFound
		return err
	}
	s.notify()

	remoteStart := time.Now()
	err = s.backend.Update(ctx, CollectionComments, commentID, backend.Fields{
		"deleted":  true,
		"editedAt": backend.ServerTimestamp,
	})
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
	}
	return err
}

// RecordActivity appends an immutable audit record locally and writes
// it remotely. Activities are never updated or deleted.
func (s *Collab) RecordActivity(ctx context.Context, action, targetID, targetType string) (string, error) {
	user := s.identity.CurrentUser()
	if user == nil {
		return "", ErrNotSignedIn
	}

	activity := domain.Activity{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		UserName:   user.Name,
		Action:     action,
		TargetID:   targetID,
		TargetType: targetType,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	activity.BoardID = s.boardID
	s.activities = append([]domain.Activity{activity}, s.activities...)
	s.mu.Unlock()
	s.notify()

	err := s.backend.Put(ctx, CollectionActivities, activity.ID, backend.Fields{
		"boardId":    activity.BoardID,
		"userId":     activity.UserID,
		"userName":   activity.UserName,
		"action":     activity.Action,
		"targetId":   activity.TargetID,
		"targetType": activity.TargetType,
		"createdAt":  backend.ServerTimestamp,
	})
	return activity.ID, err
}

// StartPresenceTracking writes the initial online presence and starts
// the heartbeat. Repeated calls while tracking are no-ops.
func (s *Collab) StartPresenceTracking(ctx context.Context, view string) error {
	user := s.identity.CurrentUser()
	if user == nil {
		return ErrNotSignedIn
	}

	s.presenceMu.Lock()
	if s.tracking {
		s.presenceMu.Unlock()
		return nil
	}
	s.tracking = true
	s.stop = make(chan struct{})
	s.view = view
	s.taskID = ""
	stop := s.stop
	err := s.writePresenceLocked(ctx, user, view, "")
	s.presenceMu.Unlock()
	if err != nil {
		s.logger.Errorf("initial presence write: %v", err)
	}

	go s.heartbeat(ctx, stop)
	return nil
}

// SetView records the user's current view and task focus. The next
// heartbeat tick reflects the latest value, never a stale cached one.
func (s *Collab) SetView(view, taskID string) {
	s.presenceMu.Lock()
	s.view = view
	s.taskID = taskID
	s.presenceMu.Unlock()
}

// StopPresenceTracking cancels the heartbeat and writes the offline
// tombstone. The timer is stopped under the same lock that serializes
// presence writes, so the tombstone is always the durable final state.
func (s *Collab) StopPresenceTracking(ctx context.Context) error {
	user := s.identity.CurrentUser()

	s.presenceMu.Lock()
	if !s.tracking {
		s.presenceMu.Unlock()
		return nil
	}
	s.tracking = false
	close(s.stop)
	s.stop = nil
	var err error
	if user != nil {
		err = s.writePresenceLocked(ctx, user, domain.ViewOffline, "")
	}
	s.presenceMu.Unlock()
	return err
}

func (s *Collab) heartbeat(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshPresence(ctx)
		}
	}
}

func (s *Collab) refreshPresence(ctx context.Context) {
	user := s.identity.CurrentUser()
	if user == nil {
		return
	}
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	// A teardown that won the lock first has already written the
	// tombstone; a late tick must not resurrect the user.
	if !s.tracking {
		return
	}
	if err := s.writePresenceLocked(ctx, user, s.view, s.taskID); err != nil {
		s.logger.Errorf("presence refresh: %v", err)
	}
}

// writePresenceLocked must be called with presenceMu held.
func (s *Collab) writePresenceLocked(ctx context.Context, user *domain.User, view, taskID string) error {
	s.mu.Lock()
	boardID := s.boardID
	s.mu.Unlock()

	fields := backend.Fields{
		"userId":     user.ID,
		"userName":   user.Name,
		"boardId":    boardID,
		"view":       view,
		"lastActive": backend.ServerTimestamp,
	}
	if taskID != "" {
		fields["taskId"] = taskID
	}
	return s.backend.Put(ctx, CollectionPresence, user.ID, fields)
}

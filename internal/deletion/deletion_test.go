package deletion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
	storagememory "github.com/chatlas/ingest/internal/storage/memory"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	failOdd bool
	calls   int
}

func (q *fakeQueue) Enqueue(_ context.Context, _ string, job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.failOdd && q.calls%2 == 1 {
		return errors.New("broker down")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) EnqueueDelayed(ctx context.Context, queue string, job pipeline.Job, _ time.Duration) error {
	return q.Enqueue(ctx, queue, job)
}

func (q *fakeQueue) Dequeue(_ context.Context, _ string) (pipeline.Job, error) {
	return pipeline.Job{}, errors.New("not implemented")
}

type fakeNotifier struct {
	mu        sync.Mutex
	emails    []string
	summaries []pipeline.DeletionSummary
	err       error
}

func (n *fakeNotifier) SendScrapeCompleted(_ context.Context, _, _ string, _, _ int) error {
	return nil
}

func (n *fakeNotifier) SendDeletionCompleted(_ context.Context, email string, summary pipeline.DeletionSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.emails = append(n.emails, email)
	n.summaries = append(n.summaries, summary)
	return nil
}

func (n *fakeNotifier) SendExportReady(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

const grace = 30 * 24 * time.Hour

func newTestService(store *storagememory.Store, queue *fakeQueue) *Service {
	return NewService(store, store, queue, fakeClock{now: testNow}, &seqIDGen{}, grace, zap.NewNop())
}

func newTestProcessor(store *storagememory.Store, notifier *fakeNotifier) *Processor {
	return NewProcessor(store, store, notifier, fakeClock{now: testNow}, zap.NewNop())
}

func seedUser(store *storagememory.Store, id, email string) {
	store.AddUser(pipeline.UserRecord{ID: id, Email: email, Plan: "pro"})
	store.AddChatbot(pipeline.Chatbot{ID: "bot-" + id, UserID: id, WebsiteURL: "https://example.com"})
	store.AddConversation(id, map[string]any{"id": "conv-1", "message": "hi"})
	store.AddConsent(id, map[string]any{"id": "consent-1", "kind": "analytics"})
}

func TestRequestDeletion(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedUser(store, "user-1", "u@example.com")
	svc := newTestService(store, &fakeQueue{})

	req, err := svc.RequestDeletion(context.Background(), "user-1", "leaving")
	require.NoError(t, err)
	require.Equal(t, pipeline.DeletionStatusPending, req.Status)
	require.Equal(t, testNow.Add(grace), req.ScheduledDeletionDate)

	stored, err := svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, req, stored)

	_, err = svc.RequestDeletion(context.Background(), "ghost", "")
	var nf *pipeline.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCancelDeletion_OnlyPending(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedUser(store, "user-1", "u@example.com")
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "del-1", UserID: "user-1", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(grace),
	})
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "del-2", UserID: "user-1", Status: pipeline.DeletionStatusCompleted,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	svc := newTestService(store, &fakeQueue{})

	require.NoError(t, svc.CancelDeletion(context.Background(), "del-1"))
	got, err := svc.Get(context.Background(), "del-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.DeletionStatusCancelled, got.Status)

	// Terminal requests stay terminal.
	require.Error(t, svc.CancelDeletion(context.Background(), "del-2"))
	got, err = svc.Get(context.Background(), "del-2")
	require.NoError(t, err)
	require.Equal(t, pipeline.DeletionStatusCompleted, got.Status)
}

func TestRunScheduledScan_EnqueuesDueRequests(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "due-1", UserID: "u1", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "due-2", UserID: "u2", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(-48 * time.Hour),
	})
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "future", UserID: "u3", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(24 * time.Hour),
	})
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "cancelled", UserID: "u4", Status: pipeline.DeletionStatusCancelled,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	queue := &fakeQueue{}
	svc := newTestService(store, queue)

	res, err := svc.RunScheduledScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalFound)
	require.Equal(t, 2, res.Processed)
	require.Len(t, queue.jobs, 2)
	for _, job := range queue.jobs {
		require.Equal(t, pipeline.JobKindAccountDeletion, job.Kind)
	}
}

func TestRunScheduledScan_PartialEnqueueFailure(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "due-1", UserID: "u1", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "due-2", UserID: "u2", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	queue := &fakeQueue{failOdd: true}
	svc := newTestService(store, queue)

	res, err := svc.RunScheduledScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalFound)
	require.Equal(t, 1, res.Processed)
}

func TestProcessor_FullDeletion(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedUser(store, "user-1", "u@example.com")
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "del-1", UserID: "user-1", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	notifier := &fakeNotifier{}

	err := newTestProcessor(store, notifier).Process(context.Background(), pipeline.DeletionPayload{RequestID: "del-1"})
	require.NoError(t, err)

	req, err := store.GetDeletionRequest(context.Background(), "del-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.DeletionStatusCompleted, req.Status)
	require.NotNil(t, req.CompletedAt)

	require.False(t, store.UserExists("user-1"))
	require.Equal(t, 1, store.AnonymizedCount("user-1"))

	require.Equal(t, []string{"u@example.com"}, notifier.emails)
	require.Len(t, notifier.summaries, 1)
	require.Equal(t, 1, notifier.summaries[0].Chatbots)
	require.Equal(t, 1, notifier.summaries[0].Conversations)
	require.Equal(t, 1, notifier.summaries[0].ConsentRecords)
}

func TestProcessor_SkipsNonPending(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedUser(store, "user-1", "u@example.com")
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "del-1", UserID: "user-1", Status: pipeline.DeletionStatusCancelled,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	notifier := &fakeNotifier{}

	err := newTestProcessor(store, notifier).Process(context.Background(), pipeline.DeletionPayload{RequestID: "del-1"})
	require.NoError(t, err)
	require.True(t, store.UserExists("user-1"))
	require.Empty(t, notifier.emails)
}

func TestProcessor_SkipsFutureDate(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedUser(store, "user-1", "u@example.com")
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "del-1", UserID: "user-1", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(24 * time.Hour),
	})

	err := newTestProcessor(store, &fakeNotifier{}).Process(context.Background(), pipeline.DeletionPayload{RequestID: "del-1"})
	require.NoError(t, err)
	require.True(t, store.UserExists("user-1"))

	req, err := store.GetDeletionRequest(context.Background(), "del-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.DeletionStatusPending, req.Status)
}

func TestProcessor_MissingEmailStillCompletes(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedUser(store, "user-1", "")
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "del-1", UserID: "user-1", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	notifier := &fakeNotifier{}

	err := newTestProcessor(store, notifier).Process(context.Background(), pipeline.DeletionPayload{RequestID: "del-1"})
	require.NoError(t, err)

	req, err := store.GetDeletionRequest(context.Background(), "del-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.DeletionStatusCompleted, req.Status)
	require.Empty(t, notifier.emails)
}

func TestProcessor_NotificationFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedUser(store, "user-1", "u@example.com")
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "del-1", UserID: "user-1", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	notifier := &fakeNotifier{err: errors.New("smtp down")}

	err := newTestProcessor(store, notifier).Process(context.Background(), pipeline.DeletionPayload{RequestID: "del-1"})
	require.NoError(t, err)

	req, err := store.GetDeletionRequest(context.Background(), "del-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.DeletionStatusCompleted, req.Status)
}

// flakyDeletionStore fails DeleteUser a fixed number of times before
// delegating to the real store.
type flakyDeletionStore struct {
	*storagememory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyDeletionStore) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.Store.DeleteUser(ctx, userID)
}

func TestProcessor_ResumesAfterTransientFailure(t *testing.T) {
	t.Parallel()
	mem := storagememory.NewStore()
	seedUser(mem, "user-1", "u@example.com")
	mem.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "del-1", UserID: "user-1", Status: pipeline.DeletionStatusPending,
		ScheduledDeletionDate: testNow.Add(-time.Hour),
	})
	store := &flakyDeletionStore{Store: mem, failures: 1}
	notifier := &fakeNotifier{}
	proc := NewProcessor(store, mem, notifier, fakeClock{now: testNow}, zap.NewNop())

	err := proc.Process(context.Background(), pipeline.DeletionPayload{RequestID: "del-1"})
	require.Error(t, err)

	// First attempt stopped after the pending->processing transition.
	req, getErr := mem.GetDeletionRequest(context.Background(), "del-1")
	require.NoError(t, getErr)
	require.Equal(t, pipeline.DeletionStatusProcessing, req.Status)
	require.True(t, mem.UserExists("user-1"))

	// The retry resumes the processing request and finishes the deletion.
	require.NoError(t, proc.Process(context.Background(), pipeline.DeletionPayload{RequestID: "del-1"}))
	req, getErr = mem.GetDeletionRequest(context.Background(), "del-1")
	require.NoError(t, getErr)
	require.Equal(t, pipeline.DeletionStatusCompleted, req.Status)
	require.False(t, mem.UserExists("user-1"))
	require.Equal(t, []string{"u@example.com"}, notifier.emails)
}

func TestRunScheduledScan_ReenqueuesProcessing(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	store.AddDeletionRequest(pipeline.DeletionRequest{
		ID: "orphaned", UserID: "u1", Status: pipeline.DeletionStatusProcessing,
		ScheduledDeletionDate: testNow.Add(-72 * time.Hour),
	})
	queue := &fakeQueue{}
	svc := newTestService(store, queue)

	res, err := svc.RunScheduledScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalFound)
	require.Equal(t, 1, res.Processed)
	require.Len(t, queue.jobs, 1)
	require.Equal(t, "orphaned", queue.jobs[0].Deletion.RequestID)
}

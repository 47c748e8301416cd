package rescrape

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
	failing bool
}

func (q *fakeQueue) Enqueue(_ context.Context, _ string, job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failing {
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

type noopCache struct{}

func (noopCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (noopCache) SetEx(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (noopCache) Delete(_ context.Context, _ ...string) error                      { return nil }
func (noopCache) DeletePattern(_ context.Context, _ string) error                  { return nil }

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

func newTestService(store *storagememory.Store, queue *fakeQueue) *Service {
	return NewService(store, store, queue, noopCache{}, fakeClock{now: testNow}, &seqIDGen{}, zap.NewNop())
}

func seedChatbot(store *storagememory.Store, id string, freq pipeline.ScrapeFrequency, last *time.Time) {
	store.AddUser(pipeline.UserRecord{ID: "user-" + id, Email: id + "@example.com", Plan: "pro"})
	store.SetPlanLimits("user-"+id, pipeline.PlanLimits{MaxPages: 25})
	store.AddChatbot(pipeline.Chatbot{
		ID:                id,
		UserID:            "user-" + id,
		WebsiteURL:        "https://" + id + ".example.com",
		AutoScrapeEnabled: true,
		ScrapeFrequency:   freq,
		LastScrapedAt:     last,
	})
}

func hoursAgo(h int) *time.Time {
	t := testNow.Add(-time.Duration(h) * time.Hour)
	return &t
}

func TestDue(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		bot  pipeline.Chatbot
		want bool
	}{
		{"daily overdue", pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyDaily, LastScrapedAt: hoursAgo(25)}, true},
		{"daily fresh", pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyDaily, LastScrapedAt: hoursAgo(10)}, false},
		{"daily exactly at interval", pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyDaily, LastScrapedAt: hoursAgo(24)}, true},
		{"weekly overdue", pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyWeekly, LastScrapedAt: hoursAgo(169)}, true},
		{"monthly fresh", pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyMonthly, LastScrapedAt: hoursAgo(700)}, false},
		{"never scraped", pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyDaily}, true},
		{"manual never due", pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyManual, LastScrapedAt: hoursAgo(9000)}, false},
		{"disabled never due", pipeline.Chatbot{AutoScrapeEnabled: false, ScrapeFrequency: pipeline.FrequencyDaily, LastScrapedAt: hoursAgo(9000)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Due(tc.bot, testNow))
		})
	}
}

func TestNextScheduledScrape(t *testing.T) {
	t.Parallel()
	last := hoursAgo(10)
	bot := pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyDaily, LastScrapedAt: last}
	next := NextScheduledScrape(bot, testNow)
	require.NotNil(t, next)
	require.Equal(t, last.Add(24*time.Hour), *next)

	require.Nil(t, NextScheduledScrape(pipeline.Chatbot{AutoScrapeEnabled: true, ScrapeFrequency: pipeline.FrequencyManual}, testNow))
	require.Nil(t, NextScheduledScrape(pipeline.Chatbot{AutoScrapeEnabled: false, ScrapeFrequency: pipeline.FrequencyDaily}, testNow))
}

func TestTriggerRescrape_CreatesHistoryThenEnqueues(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedChatbot(store, "bot-1", pipeline.FrequencyDaily, hoursAgo(30))
	queue := &fakeQueue{}
	svc := newTestService(store, queue)

	entry, err := svc.TriggerRescrape(context.Background(), "bot-1", pipeline.TriggerManual, false)
	require.NoError(t, err)
	require.Equal(t, pipeline.ScrapeStatusPending, entry.Status)
	require.Equal(t, pipeline.TriggerManual, entry.TriggeredBy)

	require.Len(t, queue.jobs, 1)
	job := queue.jobs[0]
	require.Equal(t, pipeline.JobKindScrapeWebsite, job.Kind)
	require.Equal(t, "bot-1", job.Scrape.ChatbotID)
	require.Equal(t, entry.ID, job.Scrape.HistoryID)
	require.Equal(t, 25, job.Scrape.MaxPages)
	require.True(t, job.Scrape.IsRescrape)

	stored, err := store.GetScrapeHistory(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.ScrapeStatusPending, stored.Status)
}

func TestTriggerRescrape_UnknownChatbot(t *testing.T) {
	t.Parallel()
	svc := newTestService(storagememory.NewStore(), &fakeQueue{})

	_, err := svc.TriggerRescrape(context.Background(), "missing", pipeline.TriggerManual, false)
	var nf *pipeline.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestTriggerRescrape_EnqueueFailureMarksHistoryFailed(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedChatbot(store, "bot-1", pipeline.FrequencyDaily, nil)
	queue := &fakeQueue{failing: true}
	svc := newTestService(store, queue)

	_, err := svc.TriggerRescrape(context.Background(), "bot-1", pipeline.TriggerManual, false)
	require.Error(t, err)

	entries, err := store.ListScrapeHistory(context.Background(), "bot-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, pipeline.ScrapeStatusFailed, entries[0].Status)
	require.Contains(t, entries[0].ErrorMessage, "enqueue failed")
}

func TestRunScheduledScan(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedChatbot(store, "due-bot", pipeline.FrequencyDaily, hoursAgo(25))
	seedChatbot(store, "fresh-bot", pipeline.FrequencyDaily, hoursAgo(2))
	seedChatbot(store, "never-bot", pipeline.FrequencyWeekly, nil)
	queue := &fakeQueue{}
	svc := newTestService(store, queue)

	res, err := svc.RunScheduledScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Checked)
	require.Equal(t, 2, res.Triggered)
	require.Zero(t, res.Failed)
	require.Len(t, queue.jobs, 2)
	for _, job := range queue.jobs {
		require.Equal(t, pipeline.JobKindScrapeWebsite, job.Kind)
	}
}

func TestHistory_ClampsLimit(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	seedChatbot(store, "bot-1", pipeline.FrequencyDaily, nil)
	for i := 0; i < 60; i++ {
		_ = store.CreateScrapeHistory(context.Background(), pipeline.ScrapeHistoryEntry{
			ID:        fmt.Sprintf("h-%03d", i),
			ChatbotID: "bot-1",
			Status:    pipeline.ScrapeStatusCompleted,
			StartedAt: testNow.Add(time.Duration(i) * time.Minute),
		})
	}
	svc := newTestService(store, &fakeQueue{})

	entries, err := svc.History(context.Background(), "bot-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, defaultHistoryLimit)

	entries, err = svc.History(context.Background(), "bot-1", 500)
	require.NoError(t, err)
	require.Len(t, entries, maxHistoryLimit)
}

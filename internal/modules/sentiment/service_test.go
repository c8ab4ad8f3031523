package sentiment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wojtczak/sygnal/internal/domain"
)

type fakeNewsStore struct {
	articles  []domain.NewsArticle
	attached  map[int64]domain.Classification
	attachErr error
}

func newFakeNewsStore(articles ...domain.NewsArticle) *fakeNewsStore {
	return &fakeNewsStore{
		articles: articles,
		attached: make(map[int64]domain.Classification),
	}
}

func (f *fakeNewsStore) InsertArticle(domain.NewsArticle) (bool, error) { return false, nil }

func (f *fakeNewsStore) Unclassified(limit int) ([]domain.NewsArticle, error) {
	var out []domain.NewsArticle
	for _, a := range f.articles {
		if _, ok := f.attached[a.ID]; ok {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeNewsStore) AttachClassification(id int64, c domain.Classification) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached[id] = c
	return nil
}

func (f *fakeNewsStore) ClassifiedSince(string, time.Time, time.Time) ([]domain.NewsArticle, error) {
	return nil, nil
}

type fakeClassifier struct {
	name      string
	available bool
	errFor    map[int64]error
	calls     int
}

func (f *fakeClassifier) Name() string { return f.name }

func (f *fakeClassifier) Available(context.Context) bool { return f.available }

func (f *fakeClassifier) Classify(_ context.Context, article domain.NewsArticle, _ []domain.Stock) (domain.Classification, error) {
	f.calls++
	if err, ok := f.errFor[article.ID]; ok {
		return domain.Classification{}, err
	}
	return domain.Classification{
		OverallSentiment: domain.SentimentPositive,
		SentimentScore:   0.5,
		Confidence:       0.9,
		Impact:           domain.ImpactMedium,
		Provider:         f.name,
		ClassifiedAt:     time.Now().UTC(),
	}, nil
}

func pendingArticles(n int) []domain.NewsArticle {
	out := make([]domain.NewsArticle, 0, n)
	base := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out = append(out, domain.NewsArticle{
			ID:          int64(i + 1),
			URL:         "https://example.com/a",
			Title:       "Artykuł",
			PublishedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

type fixedStocks struct{}

func (fixedStocks) Monitored() ([]domain.Stock, error) {
	return []domain.Stock{{Symbol: "CDR", Name: "CD Projekt"}}, nil
}

func newTestService(store domain.NewsStore, providers ...WeightedProvider) *Service {
	return NewService(
		ServiceConfig{BatchSize: 5, CallTimeout: time.Second},
		providers,
		store,
		fixedStocks{},
		nil,
		zerolog.New(nil).Level(zerolog.Disabled),
	)
}

func TestClassifyPending_BoundedBatch(t *testing.T) {
	store := newFakeNewsStore(pendingArticles(8)...)
	provider := &fakeClassifier{name: "primary", available: true}

	svc := newTestService(store, WeightedProvider{Classifier: provider, Weight: 1})

	stats, err := svc.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Pending, "batch is capped")
	assert.Equal(t, 5, stats.Classified)
	assert.Len(t, store.attached, 5)

	stats, err = svc.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending, "remainder drains on the next cycle")
	assert.Equal(t, 3, stats.Classified)
}

func TestClassifyPending_PrefersHigherWeight(t *testing.T) {
	store := newFakeNewsStore(pendingArticles(1)...)
	low := &fakeClassifier{name: "ollama", available: true}
	high := &fakeClassifier{name: "openai", available: true}

	svc := newTestService(store,
		WeightedProvider{Classifier: low, Weight: 0.3},
		WeightedProvider{Classifier: high, Weight: 0.7},
	)

	_, err := svc.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, high.calls)
	assert.Zero(t, low.calls)
	assert.Equal(t, "openai", store.attached[1].Provider)
}

func TestClassifyPending_FallsThroughUnavailableProvider(t *testing.T) {
	store := newFakeNewsStore(pendingArticles(1)...)
	offline := &fakeClassifier{name: "openai", available: false}
	local := &fakeClassifier{name: "ollama", available: true}

	svc := newTestService(store,
		WeightedProvider{Classifier: offline, Weight: 0.9},
		WeightedProvider{Classifier: local, Weight: 0.1},
	)

	stats, err := svc.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Classified)
	assert.Zero(t, offline.calls)
	assert.Equal(t, "ollama", store.attached[1].Provider)
}

func TestClassifyPending_FallsThroughFailingProvider(t *testing.T) {
	store := newFakeNewsStore(pendingArticles(1)...)
	failing := &fakeClassifier{
		name:      "openai",
		available: true,
		errFor:    map[int64]error{1: domain.NewTransientError("chat", context.DeadlineExceeded)},
	}
	backup := &fakeClassifier{name: "stub", available: true}

	svc := newTestService(store,
		WeightedProvider{Classifier: failing, Weight: 0.9},
		WeightedProvider{Classifier: backup, Weight: 0.1},
	)

	stats, err := svc.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Classified)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, "stub", store.attached[1].Provider)
}

func TestClassifyPending_ArticleFailureIsolated(t *testing.T) {
	store := newFakeNewsStore(pendingArticles(3)...)
	provider := &fakeClassifier{
		name:      "primary",
		available: true,
		errFor:    map[int64]error{2: domain.NewTransientError("chat", context.DeadlineExceeded)},
	}

	svc := newTestService(store, WeightedProvider{Classifier: provider, Weight: 1})

	stats, err := svc.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Classified)
	assert.Equal(t, 1, stats.Failures)

	_, ok := store.attached[2]
	assert.False(t, ok, "the failing article stays unclassified for the next cycle")
}

func TestClassifyPending_NoAvailableProvider(t *testing.T) {
	store := newFakeNewsStore(pendingArticles(2)...)
	offline := &fakeClassifier{name: "openai", available: false}

	svc := newTestService(store, WeightedProvider{Classifier: offline, Weight: 1})

	stats, err := svc.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Classified)
	assert.Equal(t, 2, stats.Failures)
	assert.Empty(t, store.attached)
}

func TestClassifyPending_AttachFailureCounted(t *testing.T) {
	store := newFakeNewsStore(pendingArticles(1)...)
	store.attachErr = domain.NewInvariantError("article 1 is already classified")
	provider := &fakeClassifier{name: "primary", available: true}

	svc := newTestService(store, WeightedProvider{Classifier: provider, Weight: 1})

	stats, err := svc.ClassifyPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Classified)
	assert.Equal(t, 1, stats.Failures)
}

func TestStubClassifier_NeutralMinimal(t *testing.T) {
	stub := NewStubClassifier()
	assert.True(t, stub.Available(context.Background()))

	article := domain.NewsArticle{
		ID:              1,
		Title:           "Artykuł",
		MentionedStocks: []string{"CDR", "PKN"},
	}

	c, err := stub.Classify(context.Background(), article, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SentimentNeutral, c.OverallSentiment)
	assert.Zero(t, c.SentimentScore)
	assert.Equal(t, domain.ImpactMinimal, c.Impact)
	require.Len(t, c.PerStock, 2)
	assert.NoError(t, c.Validate(article.MentionedStocks))
}

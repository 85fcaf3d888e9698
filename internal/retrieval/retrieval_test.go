package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/embeddings"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
	"github.com/Zolokon/business-planner-sub000/internal/vectorstore"
)

type fakeSource struct {
	matches []tasks.SimilarMatch
	gotBID  business.ID
}

func (f *fakeSource) FindSimilar(_ context.Context, bid business.ID, _ []float32, _ float64, _ int) ([]tasks.SimilarMatch, error) {
	f.gotBID = bid
	return f.matches, nil
}

func hashEmbedder(t *testing.T) *embeddings.HashProvider {
	t.Helper()
	p, err := embeddings.NewHashProvider(embeddings.DefaultHashDimension)
	require.NoError(t, err)
	return p
}

func TestSelect(t *testing.T) {
	found := []tasks.SimilarMatch{
		{TaskID: 1, BusinessID: 1, Similarity: 0.72},
		{TaskID: 2, BusinessID: 1, Similarity: 0.95},
		{TaskID: 3, BusinessID: 1, Similarity: 0.69},
		{TaskID: 4, BusinessID: 1, Similarity: 0.70},
		{TaskID: 5, BusinessID: 1, Similarity: 0.81},
	}

	got, err := Select(1, found, 0.7, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{2, 5, 1}, []int64{got[0].TaskID, got[1].TaskID, got[2].TaskID})
	for _, m := range got {
		assert.GreaterOrEqual(t, m.Similarity, 0.7)
	}

	all, err := Select(1, found, 0.7, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4, "floor is inclusive")

	empty, err := Select(1, nil, 0.7, 5)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestSelect_Breach(t *testing.T) {
	found := []tasks.SimilarMatch{
		{TaskID: 1, BusinessID: 1, Similarity: 0.9},
		{TaskID: 2, BusinessID: 2, Similarity: 0.1},
	}
	_, err := Select(1, found, 0.7, 5)
	require.ErrorIs(t, err, business.ErrIsolationBreach)

	var breach *business.BreachError
	require.ErrorAs(t, err, &breach)
	assert.Equal(t, business.ID(1), breach.Expected)
	assert.Equal(t, business.ID(2), breach.Got)
}

func TestRetriever_BreachIsFatalAndLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	src := &fakeSource{matches: []tasks.SimilarMatch{{TaskID: 9, BusinessID: 3, Similarity: 0.99, ActualMinutes: 60}}}
	r, err := New(hashEmbedder(t), src, Config{}, zap.New(core))
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "Ремонт фрезера", 1)
	assert.ErrorIs(t, err, business.ErrIsolationBreach)
	assert.Equal(t, business.ID(1), src.gotBID)

	entries := logs.FilterMessage("business isolation breach in similarity results").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["expected_business_id"])
	assert.Equal(t, int64(3), entries[0].ContextMap()["got_business_id"])
}

func TestRetriever_RequiresBusiness(t *testing.T) {
	r, err := New(hashEmbedder(t), &fakeSource{}, Config{}, nil)
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), "Ремонт", 0)
	assert.ErrorIs(t, err, business.ErrIsolationBreach)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &fakeSource{}, Config{}, nil)
	assert.Error(t, err)
	_, err = New(hashEmbedder(t), nil, Config{}, nil)
	assert.Error(t, err)
	_, err = New(hashEmbedder(t), &fakeSource{}, Config{Floor: 1.5}, nil)
	assert.Error(t, err)

	r, err := New(hashEmbedder(t), &fakeSource{}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Config{Floor: DefaultFloor, TopK: DefaultTopK}, r.Config())
}

// seed creates a done task with a stored document embedding.
func seed(t *testing.T, s *tasks.SQLiteStore, emb embeddings.Embedder, bid business.ID, title string, minutes int) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.Create(ctx, &tasks.Task{BusinessID: bid, Title: title, Priority: 2})
	require.NoError(t, err)
	vecs, err := emb.EmbedDocuments(ctx, []string{title})
	require.NoError(t, err)
	require.NoError(t, s.AttachEmbedding(ctx, id, vecs[0]))
	_, err = s.Complete(ctx, id, minutes)
	require.NoError(t, err)
	return id
}

func TestRetriever_ContextIsolationWithStore(t *testing.T) {
	store, err := tasks.Open(t.TempDir(), business.DefaultCatalog())
	require.NoError(t, err)
	defer store.Close()
	emb := hashEmbedder(t)

	own := seed(t, store, emb, 1, "Ремонт фрезера Roland", 120)
	seed(t, store, emb, 2, "Ремонт фрезера Roland", 120)

	r, err := New(emb, store, Config{}, nil)
	require.NoError(t, err)

	matches, err := r.Retrieve(context.Background(), "Ремонт фрезера Roland", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, own, matches[0].TaskID)
	assert.Equal(t, business.ID(1), matches[0].BusinessID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)

	none, err := r.Retrieve(context.Background(), "Ремонт фрезера Roland", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetriever_FloorWithStore(t *testing.T) {
	store, err := tasks.Open(t.TempDir(), business.DefaultCatalog())
	require.NoError(t, err)
	defer store.Close()
	emb := hashEmbedder(t)

	seed(t, store, emb, 4, "Заказать детали у поставщика в Китае", 30)
	seed(t, store, emb, 4, "Оформить таможенную декларацию", 90)

	r, err := New(emb, store, Config{Floor: 0.7}, nil)
	require.NoError(t, err)

	matches, err := r.Retrieve(context.Background(), "Заказать детали у поставщика в Китае", 4)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Similarity, 0.7)
	}
	assert.Equal(t, 30, matches[0].ActualMinutes)
}

func TestIndexSource(t *testing.T) {
	idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{VectorSize: 3}, nil)
	require.NoError(t, err)
	defer idx.Close()

	put := func(id int64, bid business.ID, minutes int, v []float32) {
		ctx := vectorstore.ContextWithBusiness(context.Background(), bid)
		require.NoError(t, idx.Upsert(ctx, vectorstore.Point{
			TaskID: id, BusinessID: bid, Title: "t", Status: tasks.StatusDone, ActualMinutes: minutes, Embedding: v,
		}))
	}
	put(1, 2, 60, []float32{1, 0, 0})
	put(2, 2, 30, []float32{0, 1, 0})
	put(3, 1, 10, []float32{1, 0, 0})

	src := IndexSource{Index: idx}
	got, err := src.FindSimilar(context.Background(), 2, []float32{1, 0, 0}, 0.7, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].TaskID)
	assert.Equal(t, business.ID(2), got[0].BusinessID)
}

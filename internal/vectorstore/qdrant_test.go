package vectorstore

import (
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.True(t, IsTransientError(status.Error(codes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(codes.DeadlineExceeded, "slow")))
	assert.False(t, IsTransientError(status.Error(codes.InvalidArgument, "bad")))
	assert.False(t, IsTransientError(status.Error(codes.NotFound, "missing")))
}

func TestBuildFilter(t *testing.T) {
	assert.Nil(t, buildFilter(nil))

	f := buildFilter(map[string]string{KeyStatus: "done", KeyBusinessID: "2"})
	require.Len(t, f.Must, 2)

	first := f.Must[0].GetField()
	assert.Equal(t, KeyBusinessID, first.Key)
	assert.Equal(t, int64(2), first.Match.GetInteger())

	second := f.Must[1].GetField()
	assert.Equal(t, KeyStatus, second.Key)
	assert.Equal(t, "done", second.Match.GetKeyword())
}

func TestPayloadRoundTrip(t *testing.T) {
	p := Point{TaskID: 11, BusinessID: 2, Title: "Коронка", Status: tasks.StatusDone, ActualMinutes: 75}
	m, err := matchFromPayload(pointPayload(p))
	require.NoError(t, err)
	assert.Equal(t, int64(11), m.TaskID)
	assert.Equal(t, business.ID(2), m.BusinessID)
	assert.Equal(t, 75, m.ActualMinutes)
	assert.Equal(t, "Коронка", m.Title)

	_, err = matchFromPayload(map[string]*qdrant.Value{})
	assert.Error(t, err)
}

func TestQdrantConfig(t *testing.T) {
	var c QdrantConfig
	c.ApplyDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, 6334, c.Port)
	assert.Equal(t, "planner_tasks", c.Collection)

	c.Port = 70000
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
}

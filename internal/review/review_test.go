package review

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/solar-panel-scraper/internal/events"
	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/reparse"
)

type MockFlagStore struct {
	mock.Mock
}

func (m *MockFlagStore) ListPendingFlags(ctx context.Context, panelID string) ([]models.UserFlag, error) {
	args := m.Called(ctx, panelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.UserFlag), args.Error(1)
}

func (m *MockFlagStore) CreateFlag(ctx context.Context, flag *models.UserFlag) (string, error) {
	args := m.Called(ctx, flag)
	return args.String(0), args.Error(1)
}

func float(v float64) *float64 { return &v }

func TestRaiseMissingData(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending system flag", func(t *testing.T) {
		store := new(MockFlagStore)
		store.On("ListPendingFlags", ctx, "panel-1").Return([]models.UserFlag{}, nil)
		store.On("CreateFlag", ctx, mock.MatchedBy(func(f *models.UserFlag) bool {
			return f.PanelID == "panel-1" &&
				f.FlagType == models.FlagTypeSystemMissingData &&
				f.Status == models.FlagStatusPending &&
				assert.ObjectsAreEqual([]string{"dimensions", "wattage"}, f.FlaggedFields) &&
				f.UserComment != nil &&
				*f.UserComment == "Missing or failed to parse: wattage, dimensions\nParsing failures: Failed to parse wattage"
		})).Return("flag-1", nil)

		id, err := NewFlagger(store, nil).RaiseMissingData(ctx, "panel-1", "B0TEST123",
			[]string{"wattage", "dimensions"}, []string{"Failed to parse wattage"})
		require.NoError(t, err)
		assert.Equal(t, "flag-1", id)
		store.AssertExpectations(t)
	})

	t.Run("skips fields a pending flag covers", func(t *testing.T) {
		store := new(MockFlagStore)
		store.On("ListPendingFlags", ctx, "panel-1").Return([]models.UserFlag{
			{ID: "flag-0", FlagType: models.FlagTypeSystemMissingData, FlaggedFields: []string{"wattage"}},
			{ID: "flag-9", FlagType: "incorrect_data", FlaggedFields: []string{"weight"}},
		}, nil)
		store.On("CreateFlag", ctx, mock.MatchedBy(func(f *models.UserFlag) bool {
			return assert.ObjectsAreEqual([]string{"weight"}, f.FlaggedFields)
		})).Return("flag-2", nil)

		id, err := NewFlagger(store, nil).RaiseMissingData(ctx, "panel-1", "B0TEST123", []string{"wattage", "weight"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "flag-2", id)
	})

	t.Run("nothing left to flag", func(t *testing.T) {
		store := new(MockFlagStore)
		store.On("ListPendingFlags", ctx, "panel-1").Return([]models.UserFlag{
			{ID: "flag-0", FlagType: models.FlagTypeSystemMissingData, FlaggedFields: []string{"wattage"}},
		}, nil)

		id, err := NewFlagger(store, nil).RaiseMissingData(ctx, "panel-1", "B0TEST123", []string{"wattage"}, nil)
		require.NoError(t, err)
		assert.Empty(t, id)
		store.AssertNotCalled(t, "CreateFlag", mock.Anything, mock.Anything)
	})

	t.Run("no missing fields", func(t *testing.T) {
		store := new(MockFlagStore)
		id, err := NewFlagger(store, nil).RaiseMissingData(ctx, "panel-1", "B0TEST123", nil, nil)
		require.NoError(t, err)
		assert.Empty(t, id)
		store.AssertNotCalled(t, "ListPendingFlags", mock.Anything, mock.Anything)
	})

	t.Run("store error", func(t *testing.T) {
		store := new(MockFlagStore)
		store.On("ListPendingFlags", ctx, "panel-1").Return(nil, errors.New("connection refused"))

		_, err := NewFlagger(store, nil).RaiseMissingData(ctx, "panel-1", "B0TEST123", []string{"weight"}, nil)
		require.Error(t, err)
	})
}

func TestDescribeMismatch(t *testing.T) {
	m := reparse.Mismatch{Field: "width_cm", Current: float(45), Proposed: 44.98, Source: "specifications", Tags: []string{"rounding"}}
	assert.Equal(t, "width_cm stored 45, evidence 44.98 from specifications [rounding]", describeMismatch(m))

	m = reparse.Mismatch{Field: "wattage", Proposed: 100}
	assert.Equal(t, "wattage stored None, evidence 100", describeMismatch(m))
}

func mismatchMessage(t *testing.T, eventType string) redis.XMessage {
	t.Helper()
	payload, err := json.Marshal(events.OverrideMismatchPayload{
		EventType: eventType,
		PanelID:   "panel-1",
		ASIN:      "B0C99GS958",
		Mismatches: []reparse.Mismatch{
			{Field: "weight_kg", Current: float(6), Proposed: 7.2, Source: "specifications"},
		},
	})
	require.NoError(t, err)

	data, err := json.Marshal(map[string]any{
		"type":         eventType,
		"aggregate_id": "panel-1",
		"payload":      json.RawMessage(payload),
	})
	require.NoError(t, err)

	return redis.XMessage{
		ID:     "1700000000000-0",
		Values: map[string]any{"type": eventType, "data": string(data)},
	}
}

func TestConsumerHandleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("override mismatch raises a flag", func(t *testing.T) {
		store := new(MockFlagStore)
		store.On("ListPendingFlags", ctx, "panel-1").Return([]models.UserFlag{}, nil)
		store.On("CreateFlag", ctx, mock.MatchedBy(func(f *models.UserFlag) bool {
			return f.FlagType == models.FlagTypeOverrideMismatch &&
				assert.ObjectsAreEqual([]string{"weight_kg"}, f.FlaggedFields) &&
				*f.UserComment == "Reparse evidence disagrees with protected values: weight_kg stored 6, evidence 7.2 from specifications"
		})).Return("flag-1", nil)

		consumer := NewConsumer(nil, NewFlagger(store, nil), ConsumerConfig{Stream: "stream:panel_review"}, nil)
		require.NoError(t, consumer.HandleMessage(ctx, mismatchMessage(t, "OVERRIDE_MISMATCH")))
		store.AssertExpectations(t)
	})

	t.Run("other events are ignored", func(t *testing.T) {
		store := new(MockFlagStore)
		consumer := NewConsumer(nil, NewFlagger(store, nil), ConsumerConfig{}, nil)

		require.NoError(t, consumer.HandleMessage(ctx, mismatchMessage(t, "PANEL_REPARSED")))
		store.AssertNotCalled(t, "ListPendingFlags", mock.Anything, mock.Anything)
	})

	t.Run("malformed data", func(t *testing.T) {
		consumer := NewConsumer(nil, NewFlagger(new(MockFlagStore), nil), ConsumerConfig{}, nil)

		err := consumer.HandleMessage(ctx, redis.XMessage{
			ID:     "1-0",
			Values: map[string]any{"type": "OVERRIDE_MISMATCH", "data": "{"},
		})
		assert.Error(t, err)

		err = consumer.HandleMessage(ctx, redis.XMessage{
			ID:     "2-0",
			Values: map[string]any{"type": "OVERRIDE_MISMATCH"},
		})
		assert.Error(t, err)
	})
}

type MockStream struct {
	mock.Mock
}

func (m *MockStream) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	args := m.Called(ctx, stream, group, start)
	cmd := redis.NewStatusCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("OK")
	}
	return cmd
}

func (m *MockStream) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	args := m.Called(ctx, a)
	cmd := redis.NewXStreamSliceCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0).([]redis.XStream))
	}
	return cmd
}

func (m *MockStream) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	m.Called(ctx, stream, group, ids)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func TestConsumerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := new(MockStream)
	store := new(MockFlagStore)
	const streamKey = "stream:panel_review"

	stream.On("XGroupCreateMkStream", mock.Anything, streamKey, DefaultGroup, "0").
		Return(errors.New("BUSYGROUP Consumer Group name already exists"))
	stream.On("XReadGroup", mock.Anything, mock.MatchedBy(func(a *redis.XReadGroupArgs) bool {
		return a.Group == DefaultGroup && a.Streams[0] == streamKey && a.Streams[1] == ">"
	})).Return([]redis.XStream{{
		Stream: streamKey,
		Messages: []redis.XMessage{
			mismatchMessage(t, "PANEL_REPARSED"),
			{ID: "2-0", Values: map[string]any{"type": "OVERRIDE_MISMATCH", "data": "{"}},
		},
	}}, nil).Once()
	stream.On("XReadGroup", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, redis.Nil)
	stream.On("XAck", mock.Anything, streamKey, DefaultGroup, []string{"1700000000000-0"}).Return()

	consumer := NewConsumer(stream, NewFlagger(store, nil), ConsumerConfig{Stream: streamKey}, nil)
	err := consumer.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	stream.AssertExpectations(t)
	stream.AssertNotCalled(t, "XAck", mock.Anything, streamKey, DefaultGroup, []string{"2-0"})
}

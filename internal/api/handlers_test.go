package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/solar-panel-scraper/internal/database"
	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/parser"
)

const listingJSON = `{
	"name": "Bifacial 100 Watt Solar Panel, 12V 100W Monocrystalline Solar Panel",
	"brand": "Visit the FivstaSola Store",
	"asin": "B0C99GS958",
	"pricing": "$69.99",
	"product_information": {
		"Brand": "FivstaSola",
		"Product Dimensions": "45.67\"L x 17.71\"W x 1.18\"H",
		"Maximum Power": "100 Watts",
		"Item Weight": "15.87 pounds"
	}
}`

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetStoredPanel(ctx context.Context, id string) (*models.StoredPanel, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StoredPanel), args.Error(1)
}

func (m *MockStore) LatestRawResponse(ctx context.Context, panelID string) (*models.RawResponse, error) {
	args := m.Called(ctx, panelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RawResponse), args.Error(1)
}

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) Stats(ctx context.Context) (database.RelayStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(database.RelayStats), args.Error(1)
}

func newTestServer(store PanelStore, outbox OutboxStats) http.Handler {
	h := NewHandlers(parser.NewAmazonParser(nil), store, outbox, nil)
	return NewRouter(h, RouterConfig{MetricsEnabled: true})
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestParse(t *testing.T) {
	server := newTestServer(nil, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "valid listing", body: listingJSON, wantStatus: http.StatusOK},
		{name: "not json", body: `{`, wantStatus: http.StatusBadRequest, wantCode: "invalid_listing"},
		{name: "wrong shape", body: `{"name": 42}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_listing"},
		{name: "missing name", body: `{"brand": "FivstaSola", "asin": "B0C99GS958"}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "missing_required_field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, http.MethodPost, "/api/v1/parse", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code)

			var result models.ParseResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

			if tt.wantCode == "" {
				assert.True(t, result.Success)
				require.NotNil(t, result.Panel)
				assert.Equal(t, "B0C99GS958", result.Panel.ASIN)
				assert.Equal(t, "FivstaSola", result.Panel.Manufacturer)
				require.NotNil(t, result.Panel.Wattage)
				assert.Equal(t, 100, *result.Panel.Wattage)
				return
			}
			assert.False(t, result.Success)
			require.NotNil(t, result.Error)
			assert.Equal(t, tt.wantCode, result.Error.Code)
		})
	}
}

func TestParseReportsASINOfMissingField(t *testing.T) {
	server := newTestServer(nil, nil)
	rec := do(t, server, http.MethodPost, "/api/v1/parse", `{"brand": "FivstaSola", "asin": "B0C99GS958"}`)

	var result models.ParseResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "B0C99GS958", result.Error.ASIN)
}

func TestReparsePanel(t *testing.T) {
	stored := &models.StoredPanel{
		ID:              "panel-1",
		ASIN:            "B0C99GS958",
		Wattage:         models.Int(90),
		LengthCm:        models.Float(116),
		WidthCm:         models.Float(45),
		WeightKg:        models.Float(7.2),
		MissingFields:   []string{},
		ManualOverrides: []string{"weight_kg"},
	}
	raw := &models.RawResponse{ID: 1, ASIN: "B0C99GS958", Payload: json.RawMessage(listingJSON)}

	t.Run("dry run plan", func(t *testing.T) {
		store := new(MockStore)
		store.On("GetStoredPanel", mock.Anything, "panel-1").Return(stored, nil)
		store.On("LatestRawResponse", mock.Anything, "panel-1").Return(raw, nil)

		rec := do(t, newTestServer(store, nil), http.MethodPost, "/api/v1/panels/panel-1/reparse", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Plan struct {
				Updates []struct {
					Column string  `json:"column"`
					New    float64 `json:"new"`
				} `json:"updates"`
			} `json:"plan"`
			Changes string `json:"changes"`
			Applied bool   `json:"applied"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Applied)
		require.NotEmpty(t, resp.Plan.Updates)
		assert.Equal(t, "wattage", resp.Plan.Updates[0].Column)
		assert.Equal(t, float64(100), resp.Plan.Updates[0].New)
		assert.Contains(t, resp.Changes, "wattage: 90 -> 100")
		for _, u := range resp.Plan.Updates {
			assert.NotEqual(t, "weight_kg", u.Column)
		}
		store.AssertExpectations(t)
	})

	t.Run("panel not found", func(t *testing.T) {
		store := new(MockStore)
		store.On("GetStoredPanel", mock.Anything, "missing").Return(nil, models.ErrPanelNotFound)

		rec := do(t, newTestServer(store, nil), http.MethodPost, "/api/v1/panels/missing/reparse", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no raw response", func(t *testing.T) {
		store := new(MockStore)
		store.On("GetStoredPanel", mock.Anything, "panel-1").Return(stored, nil)
		store.On("LatestRawResponse", mock.Anything, "panel-1").Return(nil, database.ErrRawResponseNotFound)

		rec := do(t, newTestServer(store, nil), http.MethodPost, "/api/v1/panels/panel-1/reparse", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("store error", func(t *testing.T) {
		store := new(MockStore)
		store.On("GetStoredPanel", mock.Anything, "panel-1").Return(nil, errors.New("connection refused"))

		rec := do(t, newTestServer(store, nil), http.MethodPost, "/api/v1/panels/panel-1/reparse", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("without database", func(t *testing.T) {
		rec := do(t, newTestServer(nil, nil), http.MethodPost, "/api/v1/panels/panel-1/reparse", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		stats      database.RelayStats
		err        error
		wantStatus int
		wantState  string
	}{
		{name: "ok", stats: database.RelayStats{Pending: 3}, wantStatus: http.StatusOK, wantState: "ok"},
		{name: "pending backlog", stats: database.RelayStats{Pending: 1001}, wantStatus: http.StatusOK, wantState: "warning"},
		{name: "dead letters", stats: database.RelayStats{DeadLetter: 101}, wantStatus: http.StatusServiceUnavailable, wantState: "error"},
		{name: "outbox down", err: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantState: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outbox := new(MockOutbox)
			outbox.On("Stats", mock.Anything).Return(tt.stats, tt.err)

			rec := do(t, newTestServer(nil, outbox), http.MethodGet, "/health", "")
			require.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantState, body["status"])
		})
	}

	t.Run("without outbox", func(t *testing.T) {
		rec := do(t, newTestServer(nil, nil), http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(nil, nil)
	do(t, server, http.MethodPost, "/api/v1/parse", listingJSON)

	rec := do(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "panel_parses_total")
}

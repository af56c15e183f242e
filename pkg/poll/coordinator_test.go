package poll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tankwatch/tankwatch/pkg/portal"
	"github.com/tankwatch/tankwatch/pkg/storage/storagemock"
	"github.com/tankwatch/tankwatch/pkg/types"
)

func testCred() types.Credential {
	return types.Credential{Username: "user@example.com", Password: "pass"}
}

// portalFixture serves a two-account portal. failAccounts maps account ids
// to the status code their summary should fail with.
func portalFixture(failLogin bool, failAccounts map[string]int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/Auth/Login/":
			if failLogin {
				json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": "bad creds"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "accessToken": "tok"})
		case r.URL.Path == "/api/User/me":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"Accounts":  []string{"111", "222"},
				"FirstName": "Pat",
				"Email":     "pat@example.com",
			})
		case strings.HasPrefix(r.URL.Path, "/api/AccountSummary/"):
			id := strings.TrimPrefix(r.URL.Path, "/api/AccountSummary/")
			if code, ok := failAccounts[id]; ok {
				http.Error(w, "fail", code)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"AccountId": id,
				"Name":      "Account " + id,
				"SiteSummary": []map[string]interface{}{
					{
						"SiteId":   "S-" + id,
						"SiteName": "Site " + id,
						"IPSummary": []map[string]interface{}{
							{
								"InstalledProductId":      "IP-" + id,
								"ProductDescription":      "500 Gal Tank",
								"FullCapacity":            500.0,
								"EstCurrPct":              57.0,
								"EstimatedPercentageDate": "2026-03-01",
							},
						},
					},
				},
			})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
}

func mockDB(settings types.Settings) *storagemock.MockDatabase {
	db := &storagemock.MockDatabase{}
	db.On("GetSettings", mock.Anything).Return(settings, 1, nil)
	db.On("SaveSnapshot", mock.Anything, mock.Anything).Return(nil)
	db.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)
	return db
}

func TestCoordinator(t *testing.T) {
	t.Run("FullCycle", func(t *testing.T) {
		ts := portalFixture(false, nil)
		defer ts.Close()

		db := mockDB(types.DefaultSettings())
		c := New(portal.NewClient(ts.URL, time.Second), db, testCred(), 2)

		res := c.RunCycle(context.Background())
		assert.Equal(t, types.CycleHealthFull, res.Health)
		assert.Equal(t, 2, res.Accounts)
		assert.Equal(t, 2, res.Tanks)
		assert.Empty(t, res.Error)

		snap := c.Latest()
		require.NotNil(t, snap)
		require.Len(t, snap.Accounts, 2)
		// vendor ordering is preserved
		assert.Equal(t, "111", snap.Accounts[0].ID)
		assert.Equal(t, "222", snap.Accounts[1].ID)
		assert.Equal(t, "Pat", snap.Contact.FirstName)
		assert.False(t, snap.Partial())

		tank := snap.Accounts[0].Sites[0].Tanks[0]
		require.NotNil(t, tank.Metrics.EstimatedGallons)
		assert.Equal(t, 285.0, *tank.Metrics.EstimatedGallons)

		db.AssertCalled(t, "SaveSnapshot", mock.Anything, mock.Anything)
		db.AssertCalled(t, "InsertCycle", mock.Anything, mock.Anything)
	})

	t.Run("AuthFailureKeepsPreviousSnapshot", func(t *testing.T) {
		okServer := portalFixture(false, nil)
		defer okServer.Close()
		badServer := portalFixture(true, nil)
		defer badServer.Close()

		db := mockDB(types.DefaultSettings())
		c := New(portal.NewClient(okServer.URL, time.Second), db, testCred(), 2)
		c.RunCycle(context.Background())
		prev := c.Latest()
		require.NotNil(t, prev)

		c.client = portal.NewClient(badServer.URL, time.Second)
		c.auth = portal.NewAuthSession(c.client)
		res := c.RunCycle(context.Background())

		assert.Equal(t, types.CycleHealthFailed, res.Health)
		assert.Equal(t, types.FailureKindAuth, res.FailureKind)
		assert.NotEmpty(t, res.Error)
		assert.Same(t, prev, c.Latest(), "failed cycle must not touch the published snapshot")
	})

	t.Run("PartialFailureIsolation", func(t *testing.T) {
		ts := portalFixture(false, map[string]int{"222": http.StatusInternalServerError})
		defer ts.Close()

		db := mockDB(types.DefaultSettings())
		c := New(portal.NewClient(ts.URL, time.Second), db, testCred(), 2)

		res := c.RunCycle(context.Background())
		assert.Equal(t, types.CycleHealthPartial, res.Health)
		assert.Equal(t, types.FailureKindTransport, res.FailureKind)
		assert.Equal(t, 1, res.Accounts)

		snap := c.Latest()
		require.NotNil(t, snap)
		require.Len(t, snap.Accounts, 1)
		assert.Equal(t, "111", snap.Accounts[0].ID)
		assert.Equal(t, []string{"222"}, snap.FailedAccounts)
		assert.True(t, snap.Partial())
	})

	t.Run("AllAccountsFailed", func(t *testing.T) {
		ts := portalFixture(false, map[string]int{
			"111": http.StatusInternalServerError,
			"222": http.StatusInternalServerError,
		})
		defer ts.Close()

		db := mockDB(types.DefaultSettings())
		c := New(portal.NewClient(ts.URL, time.Second), db, testCred(), 2)

		res := c.RunCycle(context.Background())
		assert.Equal(t, types.CycleHealthFailed, res.Health)
		assert.Nil(t, c.Latest())
	})

	t.Run("SingleAccountSetting", func(t *testing.T) {
		ts := portalFixture(false, nil)
		defer ts.Close()

		settings := types.DefaultSettings()
		settings.AccountID = "222"
		db := mockDB(settings)
		c := New(portal.NewClient(ts.URL, time.Second), db, testCred(), 2)

		res := c.RunCycle(context.Background())
		assert.Equal(t, types.CycleHealthFull, res.Health)
		snap := c.Latest()
		require.NotNil(t, snap)
		require.Len(t, snap.Accounts, 1)
		assert.Equal(t, "222", snap.Accounts[0].ID)
		assert.Equal(t, "Pat", snap.Contact.FirstName, "contact still populated from user lookup")
	})

	t.Run("Paused", func(t *testing.T) {
		var hits atomic.Int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer ts.Close()

		settings := types.DefaultSettings()
		settings.Pause = true
		db := mockDB(settings)
		c := New(portal.NewClient(ts.URL, time.Second), db, testCred(), 2)

		res := c.RunCycle(context.Background())
		assert.True(t, res.Paused)
		assert.EqualValues(t, 0, hits.Load(), "a paused cycle makes no portal requests")
		assert.Nil(t, c.Latest())
		db.AssertNotCalled(t, "InsertCycle", mock.Anything, mock.Anything)
	})

	t.Run("SettingsErrorFallsBackToLastKnown", func(t *testing.T) {
		ts := portalFixture(false, nil)
		defer ts.Close()

		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything).Return(types.Settings{}, 0, errors.New("unavailable"))
		db.On("SaveSnapshot", mock.Anything, mock.Anything).Return(nil)
		db.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)

		c := New(portal.NewClient(ts.URL, time.Second), db, testCred(), 2)
		res := c.RunCycle(context.Background())
		assert.Equal(t, types.CycleHealthFull, res.Health, "defaults apply when settings can't be read")
	})

	t.Run("RunNowSingleFlight", func(t *testing.T) {
		var inFlight, maxInFlight atomic.Int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			if r.URL.Path == "/api/Auth/Login/" {
				time.Sleep(10 * time.Millisecond)
				json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": "bad creds"})
				return
			}
			http.Error(w, "not found", http.StatusNotFound)
		}))
		defer ts.Close()

		db := mockDB(types.DefaultSettings())
		db.On("GetLatestSnapshot", mock.Anything).Return(nil, nil)

		c := New(portal.NewClient(ts.URL, time.Second), db, testCred(), 2)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()

		for i := 0; i < 3; i++ {
			res, err := c.RunNow(ctx)
			require.NoError(t, err)
			assert.Equal(t, types.CycleHealthFailed, res.Health)
		}

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
		assert.EqualValues(t, 1, maxInFlight.Load(), "cycles never overlap")
	})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, types.FailureKindAuth, classify(&portal.AuthError{Reason: "x"}))
	assert.Equal(t, types.FailureKindTransport, classify(&portal.TransportError{Op: "get"}))
	assert.Equal(t, types.FailureKindProtocol, classify(&portal.ProtocolError{Op: "get"}))
	assert.Equal(t, types.FailureKindNotFound, classify(&portal.NotFoundError{Kind: "account", ID: "1"}))
	assert.Equal(t, types.FailureKindTransport, classify(errors.New("unknown")))
}

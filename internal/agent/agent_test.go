package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemeter/internal/config"
	"onemeter/internal/coordinator"
	"onemeter/internal/logger"
	"onemeter/internal/model"
	"onemeter/internal/provision"
	"onemeter/internal/sensor"
	"onemeter/internal/store"
)

const deviceFixture = `{"firmware":{"currentVersion":"1.2"}, "lastReading":{"date":"2024-01-01T00:00:00Z","BATTERY_PC":87,"OBIS":{"15_8_0":1234.5}}, "usage":{"thisMonth":10.004,"previousMonth":22.996}}`

type deviceAPI struct {
	srv   *httptest.Server
	hits  atomic.Int32
	fail  atomic.Bool
	token string
}

func newDeviceAPI(t *testing.T) *deviceAPI {
	t.Helper()
	d := &deviceAPI{token: "secret"}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.hits.Add(1)
		if r.URL.Path != "/api/devices/dev-1" || r.Header.Get("Authorization") != d.token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if d.fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(deviceFixture))
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg := config.Config{
		Device: config.DeviceConfig{
			APIKey:       "secret",
			DeviceID:     "dev-1",
			DeviceName:   "Kitchen",
			ScanInterval: 60,
			BaseURL:      baseURL,
			EntryID:      "entry1",
		},
		DataDir: t.TempDir(),
	}
	config.ApplyDefaults(&cfg)
	return cfg
}

func TestOpen_ReadingsFromFirstRefresh(t *testing.T) {
	t.Parallel()

	api := newDeviceAPI(t)
	dev, err := Open(context.Background(), testConfig(t, api.srv.URL), logger.NewTestLogger())
	require.NoError(t, err)
	defer dev.Close()

	got := map[string]any{}
	for _, r := range dev.Readings() {
		require.True(t, r.Available, "%s: %s", r.Key, r.Error)
		got[r.Key] = r.Value
	}
	assert.Equal(t, "v.1.2", got[sensor.KeyFirmwareVersion])
	assert.Equal(t, "2024-01-01T00:00:00Z", got[sensor.KeyLastReadout])
	assert.Equal(t, 87.0, got[sensor.KeyBatteryLevel])
	assert.Equal(t, 1234.5, got[sensor.KeyTotalConsumption])
	assert.Equal(t, 10.0, got[sensor.KeyCurrentMonthConsumption])
	assert.Equal(t, 23.0, got[sensor.KeyPreviousMonthConsumption])
	st := dev.Coordinator.State()
	assert.Equal(t, st.LastSuccess.UTC().Format(time.RFC3339), got[sensor.KeyLastAPIRefresh])
	assert.Equal(t, time.Minute, dev.Coordinator.Interval())
	assert.Equal(t, int32(1), api.hits.Load())
}

func TestOpen_InitialFetchFailureIsFatal(t *testing.T) {
	t.Parallel()

	api := newDeviceAPI(t)
	api.fail.Store(true)

	_, err := Open(context.Background(), testConfig(t, api.srv.URL), logger.NewTestLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, coordinator.ErrInitialFetch)

	var ife *coordinator.InitialFetchError
	assert.True(t, errors.As(err, &ife))
}

func TestProvision_IdempotentAcrossRestarts(t *testing.T) {
	t.Parallel()

	api := newDeviceAPI(t)
	cfg := testConfig(t, api.srv.URL)

	dev, err := Open(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)
	res := dev.Provision(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, provision.StateCreated, res.State)
	assert.Equal(t, "utility_meter.onemeter_kitchen_utilitymeter", res.MeterID)
	require.NotNil(t, res.Notice)
	assert.Contains(t, res.Notice.Message, "Add it to the Energy Dashboard under Grid Consumption.")
	require.NoError(t, dev.Close())

	dev, err = Open(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer dev.Close()
	res = dev.Provision(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, provision.StateAlreadyExists, res.State)
	assert.Nil(t, res.Notice)

	reg, err := dev.Registry.Snapshot()
	require.NoError(t, err)
	require.Len(t, reg.Meters, 1)
	assert.Equal(t, "sensor.onemeter_kitchen_total_consumption", reg.Meters[0].Source)
	assert.Equal(t, "entry1_utility", reg.Meters[0].UniqueID)
	require.Len(t, reg.Notices, 1)
	assert.Equal(t, res.MeterID, reg.Meters[0].ID)
	assert.Contains(t, reg.Notices[0].Message, "OneMeter_Kitchen_UtilityMeter")
}

func TestRefreshFailureKeepsLastData(t *testing.T) {
	t.Parallel()

	api := newDeviceAPI(t)
	dev, err := Open(context.Background(), testConfig(t, api.srv.URL), logger.NewTestLogger())
	require.NoError(t, err)
	defer dev.Close()

	api.fail.Store(true)
	_, err = dev.Coordinator.RequestRefresh(context.Background())
	require.Error(t, err)

	st := dev.Coordinator.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, model.ErrorKindFetchTransport, st.LastError.Kind)

	battery := sensor.Find(dev.Views, sensor.KeyBatteryLevel)
	v, err := battery.Value()
	require.NoError(t, err)
	assert.Equal(t, 87.0, v)
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()

	api := newDeviceAPI(t)
	cfg := testConfig(t, api.srv.URL)
	cfg.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, logger.NewTestLogger()) }()

	require.Eventually(t, func() bool {
		reg, err := store.Open(cfg.DataDir).Snapshot()
		return err == nil && len(reg.Meters) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_InitialFailure(t *testing.T) {
	t.Parallel()

	api := newDeviceAPI(t)
	api.fail.Store(true)

	err := Run(context.Background(), testConfig(t, api.srv.URL), logger.NewTestLogger())
	assert.ErrorIs(t, err, coordinator.ErrInitialFetch)
}

func TestCheckFreshness(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	interval := 5 * time.Minute
	failed := &model.ErrorInfo{Kind: model.ErrorKindFetchTimeout}

	_, stale := checkFreshness(model.RefreshState{LastError: failed}, now, interval)
	assert.False(t, stale, "never succeeded")

	age, stale := checkFreshness(model.RefreshState{LastSuccess: now.Add(-time.Hour)}, now, interval)
	assert.False(t, stale, "old but last attempt succeeded")
	assert.Equal(t, time.Hour, age)

	_, stale = checkFreshness(model.RefreshState{LastSuccess: now.Add(-10 * time.Minute), LastError: failed}, now, interval)
	assert.False(t, stale)

	_, stale = checkFreshness(model.RefreshState{LastSuccess: now.Add(-16 * time.Minute), LastError: failed}, now, interval)
	assert.True(t, stale)
}

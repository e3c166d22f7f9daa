// Package agent wires one device's client, coordinator, entities,
// provisioner and HTTP surface together.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"onemeter/internal/api"
	"onemeter/internal/config"
	"onemeter/internal/coordinator"
	"onemeter/internal/logger"
	"onemeter/internal/metrics"
	"onemeter/internal/model"
	"onemeter/internal/provision"
	"onemeter/internal/sensor"
	"onemeter/internal/server"
	"onemeter/internal/store"
)

// Device is a started coordinator with its entities.
type Device struct {
	Config      config.Config
	Coordinator *coordinator.Coordinator
	Views       []*sensor.View
	Recorder    *metrics.Recorder
	Registry    *store.FileRegistry
	log         zerolog.Logger
}

// Open builds the device pipeline and performs the first refresh. A failed
// first refresh is returned as *coordinator.InitialFetchError.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...api.Option) (*Device, error) {
	d := cfg.Device
	log = log.With().Str("device", d.DeviceName).Logger()

	opts = append([]api.Option{api.WithTimeout(d.FetchTimeout())}, opts...)
	client := api.NewClient(d.BaseURL, d.APIKey, opts...)
	rec := metrics.NewRecorder(d.DeviceName)

	coord := coordinator.New(client.Fetcher(d.DeviceID), coordinator.Options{
		Name:       d.DeviceName,
		Interval:   d.Interval(),
		Timeout:    d.FetchTimeout(),
		MaxBackoff: d.MaxBackoff(),
		Logger:     &log,
		Recorder:   rec,
	})
	if err := coord.Start(ctx); err != nil {
		return nil, err
	}

	return &Device{
		Config:      cfg,
		Coordinator: coord,
		Views:       sensor.NewViews(coord, d.EntryID, d.DeviceName, sensor.DefaultSpecs(), log),
		Recorder:    rec,
		Registry:    store.Open(cfg.DataDir),
		log:         log,
	}, nil
}

// Close stops the coordinator and releases the HTTP client.
func (d *Device) Close() error {
	return d.Coordinator.Close()
}

// Readings evaluates every entity against the current state.
func (d *Device) Readings() []sensor.Reading {
	return sensor.Readings(d.Views)
}

// Target is the utility meter target for this device: the lifetime
// consumption entity.
func (d *Device) Target() provision.Target {
	return provision.Target{
		DeviceName:     d.Config.Device.DeviceName,
		EntryID:        d.Config.Device.EntryID,
		SourceEntityID: sensor.EntityID(d.Config.Device.DeviceName, sensor.KeyTotalConsumption),
	}
}

// Provision ensures the utility meter exists. Failures are logged and
// returned in the result, never as an error.
func (d *Device) Provision(ctx context.Context) provision.Result {
	p := &provision.Provisioner{
		Registry:     d.Registry,
		Notifier:     d.Registry,
		Logger:       d.log,
		OnTransition: func(s provision.State) {
			if s.Terminal() {
				d.Recorder.ObserveProvision(string(s))
			}
		},
	}
	return p.Ensure(ctx, d.Target())
}

// Run starts the agent and blocks until ctx is cancelled. Only a failed first
// refresh or a server failure is returned as an error.
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...api.Option) error {
	dev, err := Open(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}
	defer dev.Close()

	interval := cfg.Device.Interval()
	agentLog := logger.WithComponent(dev.log, "agent")
	id := dev.Coordinator.Subscribe(func(st model.RefreshState) {
		logRefresh(agentLog, st, time.Now(), interval)
	})
	defer dev.Coordinator.Unsubscribe(id)

	if res := dev.Provision(ctx); res.Err != nil {
		agentLog.Warn().Err(res.Err).Msg("continuing without utility meter")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Listen != "" {
		srv := server.New(cfg.Listen, dev.Coordinator, dev.Views, dev.log,
			server.WithMetrics(dev.Recorder.Handler()),
			server.WithRegistry(dev.Registry),
		)
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logRefresh(log zerolog.Logger, st model.RefreshState, now time.Time, interval time.Duration) {
	age, stale := checkFreshness(st, now, interval)
	switch {
	case stale:
		log.Warn().Dur("age", age).Str("kind", string(st.LastError.Kind)).Msg("serving stale data")
	case st.LastError != nil:
		log.Debug().Str("kind", string(st.LastError.Kind)).Msg("refresh failed, keeping last data")
	default:
		log.Debug().Time("last_success", st.LastSuccess).Msg("data refreshed")
	}
}

package provision

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu        sync.Mutex
	meters    map[string]MeterRequest
	lookupErr error
	regErrs   []error
	registers int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{meters: map[string]MeterRequest{}}
}

func (r *fakeRegistry) Lookup(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return false, r.lookupErr
	}
	_, ok := r.meters[id]
	return ok, nil
}

func (r *fakeRegistry) Register(_ context.Context, req MeterRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers++
	if len(r.regErrs) > 0 {
		err := r.regErrs[0]
		r.regErrs = r.regErrs[1:]
		if err != nil {
			return err
		}
	}
	r.meters[req.ID] = req
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
	err     error
}

func (n *fakeNotifier) Notify(_ context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notices = append(n.notices, notice)
	return nil
}

func testTarget() Target {
	return Target{
		DeviceName:     "Kitchen",
		EntryID:        "entry-1",
		SourceEntityID: "sensor.onemeter_kitchen_total_consumption",
	}
}

func newProvisioner(reg Registry, n Notifier) *Provisioner {
	return &Provisioner{
		Registry:      reg,
		Notifier:      n,
		Logger:        zerolog.Nop(),
		RetryInterval: time.Millisecond,
	}
}

func TestTargetRequest(t *testing.T) {
	t.Parallel()

	req := testTarget().Request()
	assert.Equal(t, MeterRequest{
		ID:          "utility_meter.onemeter_kitchen_utilitymeter",
		Name:        "OneMeter_Kitchen_UtilityMeter",
		Source:      "sensor.onemeter_kitchen_total_consumption",
		Cycle:       "monthly",
		UniqueID:    "entry-1_utility",
		DeltaValues: false,
	}, req)
}

func TestMeterIDSlugsDeviceName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "utility_meter.onemeter_main_house_utilitymeter", MeterID("Main House"))
	assert.Equal(t, "utility_meter.onemeter_lodz_utilitymeter", MeterID("Łódź"))
}

func TestEnsureCreatesOnceAndNotifiesOnce(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	n := &fakeNotifier{}
	p := newProvisioner(reg, n)

	first := p.Ensure(context.Background(), testTarget())
	require.NoError(t, first.Err)
	assert.Equal(t, StateCreated, first.State)
	assert.Equal(t, "utility_meter.onemeter_kitchen_utilitymeter", first.MeterID)

	require.NotNil(t, first.Notice)
	assert.Equal(t, "Utility meter 'OneMeter_Kitchen_UtilityMeter' was created. Add it to the Energy Dashboard under Grid Consumption.", first.Notice.Message)

	second := p.Ensure(context.Background(), testTarget())
	require.NoError(t, second.Err)
	assert.Equal(t, StateAlreadyExists, second.State)
	assert.Nil(t, second.Notice)

	assert.Equal(t, 1, reg.registers)
	require.Len(t, n.notices, 1)
	assert.Equal(t, "onemeter_energy_dashboard:utility_meter.onemeter_kitchen_utilitymeter", n.notices[0].ID)
	assert.Equal(t, NoticeTitle, n.notices[0].Title)
	assert.Contains(t, n.notices[0].Message, "OneMeter_Kitchen_UtilityMeter")
}

func TestEnsureTransitions(t *testing.T) {
	t.Parallel()

	var seen []State
	p := newProvisioner(newFakeRegistry(), nil)
	p.OnTransition = func(s State) { seen = append(seen, s) }

	res := p.Ensure(context.Background(), testTarget())
	assert.Equal(t, StateCreated, res.State)
	assert.Equal(t, []State{StateChecking, StateProvisioning, StateCreated}, seen)

	seen = nil
	res = p.Ensure(context.Background(), testTarget())
	assert.Equal(t, StateAlreadyExists, res.State)
	assert.Equal(t, []State{StateChecking, StateAlreadyExists}, seen)
	assert.True(t, res.State.Terminal())
	assert.False(t, StateProvisioning.Terminal())
}

func TestEnsureLookupFailure(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	reg.lookupErr = errors.New("registry offline")
	n := &fakeNotifier{}

	res := newProvisioner(reg, n).Ensure(context.Background(), testTarget())
	assert.Equal(t, StateProvisionFailed, res.State)
	require.ErrorIs(t, res.Err, ErrProvisionFailed)
	assert.Contains(t, res.Err.Error(), "registry offline")
	assert.Zero(t, reg.registers)
	assert.Empty(t, n.notices)
}

func TestEnsureRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	reg.regErrs = []error{errors.New("busy"), errors.New("busy")}

	res := newProvisioner(reg, nil).Ensure(context.Background(), testTarget())
	require.NoError(t, res.Err)
	assert.Equal(t, StateCreated, res.State)
	assert.Equal(t, 3, reg.registers)
}

func TestEnsureGivesUpAfterMaxTries(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	reg.regErrs = []error{errors.New("busy"), errors.New("busy"), errors.New("busy")}
	n := &fakeNotifier{}
	p := newProvisioner(reg, n)
	p.MaxTries = 2

	res := p.Ensure(context.Background(), testTarget())
	assert.Equal(t, StateProvisionFailed, res.State)
	require.ErrorIs(t, res.Err, ErrProvisionFailed)
	assert.Equal(t, 2, reg.registers)
	assert.Empty(t, n.notices)
}

func TestEnsurePermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	reg.regErrs = []error{ErrPermanent}

	res := newProvisioner(reg, nil).Ensure(context.Background(), testTarget())
	assert.Equal(t, StateProvisionFailed, res.State)
	require.ErrorIs(t, res.Err, ErrProvisionFailed)
	require.ErrorIs(t, res.Err, ErrPermanent)
	assert.Equal(t, 1, reg.registers)
}

func TestEnsureNoticeFailureKeepsCreated(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	n := &fakeNotifier{err: errors.New("no ui")}

	res := newProvisioner(reg, n).Ensure(context.Background(), testTarget())
	require.NoError(t, res.Err)
	assert.Equal(t, StateCreated, res.State)
}

func TestEnsureLogsNoticeOnce(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := newProvisioner(newFakeRegistry(), &fakeNotifier{})
	p.Logger = zerolog.New(&buf)

	p.Ensure(context.Background(), testTarget())
	p.Ensure(context.Background(), testTarget())

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "Add it to the Energy Dashboard under Grid Consumption."), out)
	assert.Contains(t, out, `"level":"info"`)
}

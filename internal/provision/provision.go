// Package provision ensures the monthly utility meter that tracks a device's
// lifetime consumption exists downstream, exactly once.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"onemeter/internal/slug"
)

// State is a step of the provisioning state machine:
// NotChecked -> Checking -> AlreadyExists | Provisioning -> Created | ProvisionFailed.
type State string

const (
	StateNotChecked      State = "not_checked"
	StateChecking        State = "checking"
	StateAlreadyExists   State = "already_exists"
	StateProvisioning    State = "provisioning"
	StateCreated         State = "created"
	StateProvisionFailed State = "provision_failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateAlreadyExists || s == StateCreated || s == StateProvisionFailed
}

const (
	CycleMonthly = "monthly"

	// NoticeID prefixes the per-meter notice id, see NoticeFor.
	NoticeID    = "onemeter_energy_dashboard"
	NoticeTitle = "OneMeter Setup"
)

var (
	ErrProvisionFailed = errors.New("utility meter provisioning failed")
	// ErrPermanent marks registry errors that retrying cannot fix.
	ErrPermanent = errors.New("permanent registry error")
)

// MeterRequest is submitted to the downstream registry.
type MeterRequest struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Source      string `json:"source" yaml:"source"`
	Cycle       string `json:"cycle" yaml:"cycle"`
	UniqueID    string `json:"unique_id" yaml:"unique_id"`
	DeltaValues bool   `json:"delta_values" yaml:"delta_values"`
}

// Notice is a one-time user-visible message.
type Notice struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Message string `json:"message" yaml:"message"`
}

// Registry is the downstream entity registry.
type Registry interface {
	// Lookup reports whether an entry with id exists.
	Lookup(ctx context.Context, id string) (bool, error)
	Register(ctx context.Context, req MeterRequest) error
}

// Notifier delivers user-visible notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Target names the device and the counter metric to track.
type Target struct {
	DeviceName     string
	EntryID        string
	SourceEntityID string
}

// MeterID is the deterministic downstream id for a device's meter.
func MeterID(deviceName string) string {
	return "utility_meter.onemeter_" + slug.Make(deviceName) + "_utilitymeter"
}

// MeterName is the display name of a device's meter.
func MeterName(deviceName string) string {
	return fmt.Sprintf("OneMeter_%s_UtilityMeter", deviceName)
}

// Request builds the registration request for t.
func (t Target) Request() MeterRequest {
	return MeterRequest{
		ID:          MeterID(t.DeviceName),
		Name:        MeterName(t.DeviceName),
		Source:      t.SourceEntityID,
		Cycle:       CycleMonthly,
		UniqueID:    t.EntryID + "_utility",
		DeltaValues: false,
	}
}

// NoticeFor is the one-time notice announcing req's creation. Its id is
// keyed by meter, so devices sharing a registry each get their own.
func NoticeFor(req MeterRequest) Notice {
	return Notice{
		ID:      NoticeID + ":" + req.ID,
		Title:   NoticeTitle,
		Message: fmt.Sprintf("Utility meter '%s' was created. Add it to the Energy Dashboard under Grid Consumption.", req.Name),
	}
}

// Result is the outcome of one Ensure call.
type Result struct {
	State   State
	MeterID string
	// Notice is set when this call created the meter and announced it.
	Notice  *Notice
	Err     error
}

// Provisioner runs the ensure-exists step.
type Provisioner struct {
	Registry Registry
	Notifier Notifier
	Logger   zerolog.Logger
	// MaxTries bounds registration attempts on transient errors. 0 means 3.
	MaxTries uint
	// RetryInterval is the initial delay between attempts. 0 means 500ms.
	RetryInterval time.Duration
	// OnTransition, if set, observes every state change.
	OnTransition func(State)
}

// Ensure checks for the meter and creates it when absent. It never returns
// an error directly: failures end in StateProvisionFailed with Result.Err set.
func (p *Provisioner) Ensure(ctx context.Context, t Target) Result {
	req := t.Request()
	log := p.Logger.With().Str("component", "provision").Str("meter_id", req.ID).Logger()
	res := Result{State: StateNotChecked, MeterID: req.ID}

	p.transition(&res, StateChecking)
	exists, err := p.Registry.Lookup(ctx, req.ID)
	if err != nil {
		return p.fail(&res, log, fmt.Errorf("lookup %s: %w", req.ID, err))
	}
	if exists {
		p.transition(&res, StateAlreadyExists)
		log.Debug().Msg("utility meter already exists")
		return res
	}

	p.transition(&res, StateProvisioning)
	if err := p.register(ctx, req); err != nil {
		return p.fail(&res, log, err)
	}
	p.transition(&res, StateCreated)
	log.Info().Str("source", req.Source).Str("cycle", req.Cycle).Msg("utility meter created")

	notice := NoticeFor(req)
	res.Notice = &notice
	log.Info().Str("notice_id", notice.ID).Str("title", notice.Title).Msg(notice.Message)
	if p.Notifier != nil {
		if err := p.Notifier.Notify(ctx, notice); err != nil {
			log.Warn().Err(err).Msg("notice not delivered")
		}
	}
	return res
}

func (p *Provisioner) register(ctx context.Context, req MeterRequest) error {
	tries := p.MaxTries
	if tries == 0 {
		tries = 3
	}
	interval := p.RetryInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.Registry.Register(ctx, req)
		if errors.Is(err, ErrPermanent) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(tries))
	if err != nil {
		return fmt.Errorf("register %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provisioner) fail(res *Result, log zerolog.Logger, err error) Result {
	res.Err = fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	p.transition(res, StateProvisionFailed)
	log.Error().Err(err).Msg("utility meter provisioning failed")
	return *res
}

func (p *Provisioner) transition(res *Result, next State) {
	res.State = next
	if p.OnTransition != nil {
		p.OnTransition(next)
	}
}

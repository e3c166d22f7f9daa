package sensor

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"onemeter/internal/model"
	"onemeter/internal/slug"
)

// StateSource is the read side of the refresh coordinator.
type StateSource interface {
	State() model.RefreshState
}

// Entity is what a host platform registers: identity, presentation
// metadata and an on-demand value.
type Entity interface {
	UniqueID() string
	EntityID() string
	Name() string
	Unit() string
	DeviceClass() string
	StateClass() string
	Icon() string
	Value() (any, error)
}

// View binds one MetricSpec to a StateSource. It never fetches; every Value
// call reads the source's current state.
type View struct {
	spec     MetricSpec
	index    int
	uniqueID string
	name     string
	entityID string
	src      StateSource
	log      zerolog.Logger
}

var _ Entity = (*View)(nil)

// NewViews creates one view per spec. Unique ids are {entryID}_{index}.
func NewViews(src StateSource, entryID, deviceName string, specs []MetricSpec, log zerolog.Logger) []*View {
	views := make([]*View, 0, len(specs))
	for i, spec := range specs {
		views = append(views, NewView(src, entryID, deviceName, i, spec, log))
	}
	return views
}

// NewView creates the view for the metric at index.
func NewView(src StateSource, entryID, deviceName string, index int, spec MetricSpec, log zerolog.Logger) *View {
	name := DisplayName(deviceName, spec.Suffix)
	return &View{
		spec:     spec,
		index:    index,
		uniqueID: fmt.Sprintf("%s_%d", entryID, index),
		name:     name,
		entityID: EntityID(deviceName, spec.Key),
		src:      src,
		log:      log.With().Str("component", "sensor").Str("metric", spec.Key).Logger(),
	}
}

// DisplayName is the entity name shown to users, e.g. "OneMeter_Kitchen_Battery Level".
func DisplayName(deviceName, suffix string) string {
	return fmt.Sprintf("OneMeter_%s_%s", deviceName, suffix)
}

// EntityID is the host-side id for a metric, e.g. "sensor.onemeter_kitchen_battery_level".
func EntityID(deviceName, key string) string {
	return "sensor.onemeter_" + slug.Make(deviceName) + "_" + key
}

func (v *View) UniqueID() string    { return v.uniqueID }
func (v *View) EntityID() string    { return v.entityID }
func (v *View) Name() string        { return v.name }
func (v *View) Key() string         { return v.spec.Key }
func (v *View) Index() int          { return v.index }
func (v *View) Unit() string        { return v.spec.Unit }
func (v *View) DeviceClass() string { return v.spec.DeviceClass }
func (v *View) StateClass() string  { return v.spec.StateClass }
func (v *View) Icon() string        { return v.spec.Icon }

// Value evaluates the metric against the current state. Every failure is
// reported as ErrMetricUnavailable with a diagnostic; it never panics.
func (v *View) Value() (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = fmt.Errorf("%w: %v", ErrMetricUnavailable, r)
		}
		if err != nil {
			v.log.Warn().Err(err).Str("entity", v.name).Msg("error parsing value")
		}
	}()

	if v.spec.Accessor == nil {
		return nil, fmt.Errorf("%w: no accessor", ErrMetricUnavailable)
	}
	val, err = v.spec.Accessor(v.src.State())
	if err != nil && !errors.Is(err, ErrMetricUnavailable) {
		err = fmt.Errorf("%w: %v", ErrMetricUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Reading is a serializable point-in-time view of an entity.
type Reading struct {
	UniqueID    string `json:"unique_id"`
	EntityID    string `json:"entity_id"`
	Name        string `json:"name"`
	Key         string `json:"key"`
	Value       any    `json:"value"`
	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`
	StateClass  string `json:"state_class,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Available   bool   `json:"available"`
	Error       string `json:"error,omitempty"`
}

// Reading evaluates the view once.
func (v *View) Reading() Reading {
	val, err := v.Value()
	r := Reading{
		UniqueID:    v.uniqueID,
		EntityID:    v.entityID,
		Name:        v.name,
		Key:         v.spec.Key,
		Value:       val,
		Unit:        v.spec.Unit,
		DeviceClass: v.spec.DeviceClass,
		StateClass:  v.spec.StateClass,
		Icon:        v.spec.Icon,
		Available:   err == nil,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Readings evaluates every view in order.
func Readings(views []*View) []Reading {
	out := make([]Reading, 0, len(views))
	for _, v := range views {
		out = append(out, v.Reading())
	}
	return out
}

// Find returns the view with the given key, or nil.
func Find(views []*View, key string) *View {
	for _, v := range views {
		if v.spec.Key == key {
			return v
		}
	}
	return nil
}

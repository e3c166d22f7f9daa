package sensor

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"onemeter/internal/api"
	"onemeter/internal/model"
)

// ErrMetricUnavailable is returned by accessors and views when a metric
// cannot be derived from the current state.
var ErrMetricUnavailable = errors.New("metric unavailable")

// Units, device classes and state classes understood by the host.
const (
	UnitPercent      = "%"
	UnitKilowattHour = "kWh"

	DeviceClassEnergy    = "energy"
	DeviceClassTimestamp = "timestamp"

	StateClassTotalIncreasing = "total_increasing"
)

// Accessor derives one metric value. It must not retain st.
type Accessor func(st model.RefreshState) (any, error)

// MetricSpec describes one exposed metric. The position of a spec in its
// list is the metric index used in unique ids.
type MetricSpec struct {
	Key         string
	Suffix      string
	Accessor    Accessor
	Unit        string
	Icon        string
	DeviceClass string
	StateClass  string
}

// Metric keys of the reference set.
const (
	KeyFirmwareVersion          = "firmware_version"
	KeyLastReadout              = "last_readout"
	KeyBatteryLevel             = "battery_level"
	KeyTotalConsumption         = "total_consumption"
	KeyCurrentMonthConsumption  = "current_month_consumption"
	KeyPreviousMonthConsumption = "previous_month_consumption"
	KeyLastAPIRefresh           = "last_api_refresh"
)

// DefaultSpecs returns the reference metric set in index order.
func DefaultSpecs() []MetricSpec {
	return []MetricSpec{
		{
			Key:      KeyFirmwareVersion,
			Suffix:   "Firmware Version",
			Icon:     "mdi:chip",
			Accessor: FromSnapshot(firmwareVersion),
		},
		{
			Key:      KeyLastReadout,
			Suffix:   "Last Readout",
			Icon:     "mdi:clock-outline",
			Accessor: FromSnapshot(stringAt(api.PathLastReadingDate)),
		},
		{
			Key:      KeyBatteryLevel,
			Suffix:   "Battery Level",
			Unit:     UnitPercent,
			Accessor: FromSnapshot(floatAt(api.PathBatteryPercent)),
		},
		{
			Key:         KeyTotalConsumption,
			Suffix:      "Total Consumption",
			Unit:        UnitKilowattHour,
			DeviceClass: DeviceClassEnergy,
			StateClass:  StateClassTotalIncreasing,
			Accessor:    FromSnapshot(floatAt(api.PathTotalConsumption)),
		},
		{
			Key:         KeyCurrentMonthConsumption,
			Suffix:      "Current Month Consumption",
			Unit:        UnitKilowattHour,
			DeviceClass: DeviceClassEnergy,
			StateClass:  StateClassTotalIncreasing,
			Accessor:    FromSnapshot(roundedAt(api.PathThisMonthUsage)),
		},
		{
			Key:         KeyPreviousMonthConsumption,
			Suffix:      "Previous Month Consumption",
			Unit:        UnitKilowattHour,
			DeviceClass: DeviceClassEnergy,
			StateClass:  StateClassTotalIncreasing,
			Accessor:    FromSnapshot(roundedAt(api.PathPreviousMonthUsage)),
		},
		{
			Key:         KeyLastAPIRefresh,
			Suffix:      "Last API Refresh",
			Icon:        "mdi:cloud-refresh",
			DeviceClass: DeviceClassTimestamp,
			Accessor:    lastRefresh,
		},
	}
}

// FromSnapshot lifts a snapshot extraction into an Accessor. An absent
// snapshot and any panic inside fn both yield ErrMetricUnavailable.
func FromSnapshot(fn func(model.Snapshot) (any, error)) Accessor {
	return func(st model.RefreshState) (v any, err error) {
		if !st.HasSnapshot() {
			return nil, fmt.Errorf("%w: no data fetched yet", ErrMetricUnavailable)
		}
		defer func() {
			if r := recover(); r != nil {
				v = nil
				err = fmt.Errorf("%w: %v", ErrMetricUnavailable, r)
			}
		}()
		return fn(st.Snapshot)
	}
}

func missing(path []string) error {
	return fmt.Errorf("%w: %s missing or malformed", ErrMetricUnavailable, strings.Join(path, "."))
}

func firmwareVersion(s model.Snapshot) (any, error) {
	v, ok := s.String(api.PathFirmwareVersion...)
	if !ok {
		return nil, missing(api.PathFirmwareVersion)
	}
	return "v." + v, nil
}

func stringAt(path []string) func(model.Snapshot) (any, error) {
	return func(s model.Snapshot) (any, error) {
		v, ok := s.String(path...)
		if !ok {
			return nil, missing(path)
		}
		return v, nil
	}
}

func floatAt(path []string) func(model.Snapshot) (any, error) {
	return func(s model.Snapshot) (any, error) {
		v, ok := s.Float(path...)
		if !ok {
			return nil, missing(path)
		}
		return v, nil
	}
}

func roundedAt(path []string) func(model.Snapshot) (any, error) {
	return func(s model.Snapshot) (any, error) {
		v, ok := s.Float(path...)
		if !ok {
			return nil, missing(path)
		}
		return Round2(v), nil
	}
}

// lastRefresh reads the coordinator's last success time, not the snapshot.
func lastRefresh(st model.RefreshState) (any, error) {
	if st.LastSuccess.IsZero() {
		return nil, fmt.Errorf("%w: no successful refresh yet", ErrMetricUnavailable)
	}
	return st.LastSuccess.UTC().Format(time.RFC3339), nil
}

// Round2 rounds to two decimal places, half away from zero, using the
// shortest decimal form of v: 12.345 -> 12.35, 1.005 -> 1.01, -2.675 -> -2.68.
func Round2(v float64) float64 {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return v // NaN or Inf
	}

	scaled := new(big.Rat).Mul(r, big.NewRat(100, 1))
	half := big.NewRat(1, 2)
	if scaled.Sign() < 0 {
		scaled.Sub(scaled, half)
	} else {
		scaled.Add(scaled, half)
	}

	// Quo truncates toward zero.
	whole := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	out, _ := new(big.Rat).SetFrac(whole, big.NewInt(100)).Float64()
	return out
}

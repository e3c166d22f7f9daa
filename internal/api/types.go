package api

import (
	"errors"
	"fmt"

	"onemeter/internal/model"
)

// DefaultBaseURL is the OneMeter cloud API host.
const DefaultBaseURL = "https://cloud.onemeter.com"

// Field paths inside the device document returned by GET /api/devices/{id}.
var (
	PathFirmwareVersion    = []string{"firmware", "currentVersion"}
	PathLastReadingDate    = []string{"lastReading", "date"}
	PathBatteryPercent     = []string{"lastReading", "BATTERY_PC"}
	PathTotalConsumption   = []string{"lastReading", "OBIS", "15_8_0"}
	PathThisMonthUsage     = []string{"usage", "thisMonth"}
	PathPreviousMonthUsage = []string{"usage", "previousMonth"}
)

var (
	ErrFetchTimeout      = errors.New("fetch timeout")
	ErrFetchTransport    = errors.New("fetch transport error")
	ErrMalformedResponse = errors.New("malformed response")
)

// FetchError is returned by Client.Device for every failed fetch.
type FetchError struct {
	Kind model.ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrFetchTimeout:
		return e.Kind == model.ErrorKindFetchTimeout
	case ErrFetchTransport:
		return e.Kind == model.ErrorKindFetchTransport
	case ErrMalformedResponse:
		return e.Kind == model.ErrorKindMalformedResponse
	}
	return false
}

// KindOf maps an error to its ErrorKind. Errors not produced by the client
// are treated as transport failures.
func KindOf(err error) model.ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return model.ErrorKindFetchTransport
}

package booking

import (
	"errors"
	"strings"
)

// VehicleType narrows which mechanics are offered the booking.
type VehicleType string

const (
	VehicleTwoWheeler  VehicleType = "2W"
	VehicleFourWheeler VehicleType = "4W"
	VehicleElectric    VehicleType = "EV"
)

var ErrInvalidVehicleType = errors.New("invalid vehicle type")

// ParseVehicleType normalizes a vehicle type; empty input means "any".
func ParseVehicleType(in string) (VehicleType, error) {
	vt := VehicleType(strings.ToUpper(strings.TrimSpace(in)))
	if vt == "" || vt.Valid() {
		return vt, nil
	}
	return "", ErrInvalidVehicleType
}

func (vehicleType VehicleType) Valid() bool {
	switch vehicleType {
	case VehicleTwoWheeler, VehicleFourWheeler, VehicleElectric:
		return true
	default:
		return false
	}
}

func (vehicleType VehicleType) String() string {
	return string(vehicleType)
}

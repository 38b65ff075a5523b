package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Point is a coordinate with the human readable address the client typed.
type Point struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lng     float64 `json:"lng" validate:"longitude"`
	Address string  `json:"address" validate:"max=255"`
}

func (p Point) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type ServiceType string

const (
	ServiceTowing     ServiceType = "guincho"
	ServiceBattery    ServiceType = "bateria"
	ServiceTire       ServiceType = "pneu"
	ServiceFuel       ServiceType = "combustivel"
	ServiceLocksmith  ServiceType = "chaveiro"
	ServiceMechanical ServiceType = "mecanico"
)

// SpecialtyAny marks a driver who serves every service type.
const SpecialtyAny = "any"

func (s ServiceType) Valid() bool {
	switch s {
	case ServiceTowing, ServiceBattery, ServiceTire, ServiceFuel, ServiceLocksmith, ServiceMechanical:
		return true
	}
	return false
}

type UserType string

const (
	UserClient UserType = "client"
	UserDriver UserType = "driver"
	UserAdmin  UserType = "admin"
	UserSystem UserType = "system"
)

type User struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Phone  string   `json:"phone"`
	Type   UserType `json:"type"`
	Status string   `json:"status"` // active, suspended, ...
}

// Driver is the registry row the matching core reads. Busy is the only
// field the core writes.
type Driver struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Name              string    `json:"name"`
	Phone             string    `json:"phone"`
	Specialty         string    `json:"specialty"`
	ApprovalStatus    string    `json:"approval_status"`
	UserStatus        string    `json:"user_status"`
	Loc               *Coord    `json:"loc,omitempty"`
	LocationUpdatedAt time.Time `json:"location_updated_at"`
	Busy              bool      `json:"busy"`
	Rating            float64   `json:"rating"` // 0..5
}

// Serves reports whether the driver may be offered a request of type st.
func (d Driver) Serves(st ServiceType) bool {
	return d.Specialty == SpecialtyAny || d.Specialty == string(st)
}

// Eligible reports whether the driver can currently be matched at all.
func (d Driver) Eligible() bool {
	return d.ApprovalStatus == "approved" && d.UserStatus == "active" && !d.Busy
}

// NearbyDriver is a GeoIndex hit.
type NearbyDriver struct {
	Driver     Driver  `json:"driver"`
	DistanceKm float64 `json:"distance_km"`
}

// LocationPing is a driver position report, either standalone (idle driver)
// or tied to a trip.
type LocationPing struct {
	DriverID   string    `json:"driver_id"`
	TripID     string    `json:"trip_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Actor is the resolved caller of a mutating operation.
type Actor struct {
	UserID   string   `json:"user_id"`
	Type     UserType `json:"user_type"`
	DriverID string   `json:"driver_id,omitempty"`
}

// SystemActor drives automatic transitions such as proximity arrival.
var SystemActor = Actor{UserID: "system", Type: UserSystem}

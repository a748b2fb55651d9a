package model

import "time"

// TSAT is a published target start approval time.
type TSAT struct {
	Identifier string `json:"identifier"`
	Sector     string `json:"sector"`
	Origin     string `json:"origin"`
	Time       string `json:"time"`
}

// StartedEntry records an identifier that left the pending queue.
type StartedEntry struct {
	Identifier string    `json:"identifier"`
	TSAT       string    `json:"tsat,omitempty"`
	Time       time.Time `json:"time,omitempty"`
	Sector     string    `json:"sector,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
}

// ScheduleRow is one published event leg used to seed the TOBT slot pool.
type ScheduleRow struct {
	Sector                 string `json:"sector" yaml:"sector"`
	Date                   string `json:"date" yaml:"date"`
	ScheduledDepartureTime string `json:"scheduledDepartureTime" yaml:"departure"`
	ScheduledArrivalTime   string `json:"scheduledArrivalTime" yaml:"arrival"`
	RouteText              string `json:"routeText" yaml:"route"`
}

// UnassignedSlot is a TOBT slot at an airport with no booking yet.
type UnassignedSlot struct {
	SlotKey                string `json:"slotKey" msgpack:"slotKey"`
	Sector                 string `json:"sector" msgpack:"sector"`
	Date                   string `json:"date" msgpack:"date"`
	ScheduledDepartureTime string `json:"scheduledDepartureTime" msgpack:"scheduledDepartureTime"`
	Time                   string `json:"time" msgpack:"time"`
}

// FlightPlan is the subset of a filed plan read from the position feed.
type FlightPlan struct {
	Origin      string `json:"departure"`
	Destination string `json:"arrival"`
	Route       string `json:"route"`
}

// FeedPilot is one connected aircraft from the flight-position feed.
type FeedPilot struct {
	Identifier  string      `json:"callsign"`
	CID         int         `json:"cid"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	Altitude    int         `json:"altitude"`
	Groundspeed int         `json:"groundspeed"`
	FlightPlan  *FlightPlan `json:"flight_plan"`
}

// FeedSnapshot is a single poll of the flight-position feed.
type FeedSnapshot struct {
	General struct {
		UpdateTimestamp time.Time `json:"update_timestamp"`
	} `json:"general"`
	Pilots []FeedPilot `json:"pilots"`
}

// QueueEntryView is a pending TSAT entry enriched for display.
type QueueEntryView struct {
	Identifier  string `json:"identifier"`
	Time        string `json:"time"`
	Origin      string `json:"origin"`
	Destination string `json:"destination,omitempty"`
	Route       string `json:"route,omitempty"`
	Booked      string `json:"tobt,omitempty"`
}

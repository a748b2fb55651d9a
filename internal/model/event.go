package model

import "time"

// Event types published to observers.
const (
	EventSyncState              = "syncState"
	EventToggleChanged          = "toggleChanged"
	EventTSATChanged            = "tsatChanged"
	EventFlowRateChanged        = "flowRateChanged"
	EventStartedChanged         = "startedChanged"
	EventUnassignedSlotsChanged = "unassignedSlotsChanged"
)

// GlobalTopic is the topic for events every observer receives regardless of room.
const GlobalTopic = ""

// Event is a typed state change addressed to a topic. Topic is an airport
// code for room-scoped events or GlobalTopic for process-wide ones.
type Event struct {
	Type      string    `json:"type" msgpack:"type"`
	Topic     string    `json:"-" msgpack:"topic"`
	Data      any       `json:"data" msgpack:"data"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

type ToggleChanged struct {
	Identifier string `json:"identifier" msgpack:"identifier"`
	Flag       string `json:"flag" msgpack:"flag"`
	Value      bool   `json:"value" msgpack:"value"`
	Sector     string `json:"sector,omitempty" msgpack:"sector,omitempty"`
}

// TSATChanged carries an empty Time when the TSAT was cleared.
type TSATChanged struct {
	Identifier string `json:"identifier" msgpack:"identifier"`
	Sector     string `json:"sector,omitempty" msgpack:"sector,omitempty"`
	Time       string `json:"time" msgpack:"time"`
}

type FlowRateChanged struct {
	Sector string `json:"sector" msgpack:"sector"`
	Value  int    `json:"value" msgpack:"value"`
}

type StartedChanged struct {
	Identifier string `json:"identifier" msgpack:"identifier"`
	Started    bool   `json:"started" msgpack:"started"`
}

type UnassignedSlotsChanged struct {
	Airport string           `json:"airport" msgpack:"airport"`
	Slots   []UnassignedSlot `json:"slots" msgpack:"slots"`
}

// SyncState is the full snapshot replayed to a newly joined observer.
type SyncState struct {
	Airport         string                  `json:"airport,omitempty"`
	Toggles         map[string]ToggleView   `json:"toggles"`
	FlowRates       map[string]int          `json:"flowRates"`
	TSATs           map[string]TSAT         `json:"tsatMap"`
	Started         map[string]StartedEntry `json:"startedMap"`
	UnassignedSlots []UnassignedSlot        `json:"unassignedSlots"`
}

// ToggleView is the published form of an identifier's toggle state.
type ToggleView struct {
	Flags  map[string]bool `json:"flags"`
	Sector string          `json:"sector,omitempty"`
}

package auth

import (
	"fmt"
	"strings"

	"flight-cdm/internal/model"
	"flight-cdm/pkg/utils"
)

// DefaultOperators are the participant IDs granted operator privileges
// when none are configured.
var DefaultOperators = []string{"10000010", "1303570"}

// Principal is the verified identity of a caller.
type Principal struct {
	ParticipantID      string `json:"cid"`
	DisplayName        string `json:"name"`
	ControllerCallsign string `json:"callsign,omitempty"`
}

// ConnectedAirport returns the airport p is controlling. A controller is
// connected to X when the callsign starts with "X_" and is not an observer
// (suffix "_OBS").
func (p Principal) ConnectedAirport() (string, bool) {
	cs := strings.ToUpper(strings.TrimSpace(p.ControllerCallsign))
	if cs == "" || strings.HasSuffix(cs, "_OBS") {
		return "", false
	}
	i := strings.IndexByte(cs, '_')
	if i <= 0 {
		return "", false
	}
	return cs[:i], true
}

// Authorizer decides what a principal may change.
type Authorizer struct {
	operators map[string]struct{}
}

// NewAuthorizer creates an authorizer with the given operator allow-list.
// An empty list falls back to DefaultOperators.
func NewAuthorizer(operators []string) *Authorizer {
	if len(operators) == 0 {
		operators = DefaultOperators
	}
	a := &Authorizer{operators: make(map[string]struct{}, len(operators))}
	for _, id := range operators {
		if id = strings.TrimSpace(id); id != "" {
			a.operators[id] = struct{}{}
		}
	}
	return a
}

// IsOperator reports whether p is on the operator allow-list.
func (a *Authorizer) IsOperator(p *Principal) bool {
	if p == nil {
		return false
	}
	_, ok := a.operators[p.ParticipantID]
	return ok
}

// CanControl reports whether p may change state for airport: operators
// always can, controllers only at the airport they are connected to.
func (a *Authorizer) CanControl(p *Principal, airport string) bool {
	if p == nil {
		return false
	}
	if a.IsOperator(p) {
		return true
	}
	connected, ok := p.ConnectedAirport()
	return ok && connected == utils.NormalizeAirport(airport)
}

// RequireAirport returns model.ErrForbidden unless p may control airport.
func (a *Authorizer) RequireAirport(p *Principal, airport string) error {
	if a.CanControl(p, airport) {
		return nil
	}
	return fmt.Errorf("airport %s: %w", utils.NormalizeAirport(airport), model.ErrForbidden)
}

// RequireOperator returns model.ErrForbidden unless p is an operator.
func (a *Authorizer) RequireOperator(p *Principal) error {
	if a.IsOperator(p) {
		return nil
	}
	return fmt.Errorf("operator privilege required: %w", model.ErrForbidden)
}

// RequireParticipant returns model.ErrForbidden for anonymous callers.
func RequireParticipant(p *Principal) error {
	if p == nil || p.ParticipantID == "" {
		return fmt.Errorf("sign in required: %w", model.ErrForbidden)
	}
	return nil
}

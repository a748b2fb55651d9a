package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var sectorPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// NormalizeSector trims and upper-cases a FROM-TO sector identifier.
func NormalizeSector(sector string) string {
	return strings.ToUpper(strings.TrimSpace(sector))
}

// NormalizeIdentifier trims and upper-cases an aircraft identifier (callsign).
func NormalizeIdentifier(identifier string) string {
	return strings.ToUpper(strings.TrimSpace(identifier))
}

// NormalizeAirport trims and upper-cases an ICAO airport code.
func NormalizeAirport(airport string) string {
	return strings.ToUpper(strings.TrimSpace(airport))
}

// ValidateSector normalizes sector and checks it has the FROM-TO form with
// two 4-character airport codes.
func ValidateSector(sector string) (string, error) {
	s := NormalizeSector(sector)
	if s == "" {
		return "", fmt.Errorf("sector is required")
	}
	if !sectorPattern.MatchString(s) {
		return "", fmt.Errorf("sector %q must look like FROM-TO", s)
	}
	return s, nil
}

// SectorOrigin returns the departure airport of a sector.
func SectorOrigin(sector string) string {
	s := NormalizeSector(sector)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}

// SectorDestination returns the arrival airport of a sector, or "" if absent.
func SectorDestination(sector string) string {
	s := NormalizeSector(sector)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// Package schedule imports the published event schedule that seeds the
// TOBT slot pool.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"flight-cdm/internal/model"
)

// Source yields the current schedule rows.
type Source interface {
	Fetch(ctx context.Context) ([]model.ScheduleRow, error)
}

// HTTPSource reads a JSON array of rows from a publisher endpoint.
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSource creates a source for url.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]model.ScheduleRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schedule: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schedule publisher returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule: %w", err)
	}

	var rows []model.ScheduleRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}
	return rows, nil
}

// FileSource reads rows from a YAML file:
//
//	- sector: EGLL-EGKK
//	  date: 2025-11-01
//	  departure: "10:00"
//	  arrival: "10:45"
//	  route: DET
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Fetch(context.Context) ([]model.ScheduleRow, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}

	var rows []model.ScheduleRow
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse schedule file: %w", err)
	}
	return rows, nil
}

// Static serves a fixed set of rows.
type Static []model.ScheduleRow

func (s Static) Fetch(context.Context) ([]model.ScheduleRow, error) {
	out := make([]model.ScheduleRow, len(s))
	copy(out, s)
	return out, nil
}

package store

import "github.com/pavelanni/gradehub/internal/model"

// ExportAllRuns returns every stored run with its aggregates and audit
// records, newest first, for the export command.
func (s *Store) ExportAllRuns() ([]model.RunView, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return nil, err
	}

	views := make([]model.RunView, 0, len(runs))
	for _, run := range runs {
		aggregates, err := s.aggregatesForRun(run.ID)
		if err != nil {
			return nil, err
		}
		records, err := s.recordsForRun(run.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, model.RunView{Run: run, Aggregates: aggregates, Records: records})
	}
	return views, nil
}

package dispatch

import (
	"sort"

	"notihub/internal/models"
)

type ProviderStats struct {
	Provider models.Provider `json:"provider"`
	Success  int             `json:"success"`
	Failure  int             `json:"failure"`
	Pending  int             `json:"pending"`
	// SuccessRate is Success / (Success + Failure), 0 when nothing resolved.
	SuccessRate float64 `json:"success_rate"`
}

type Report struct {
	Total       int             `json:"total"`
	Success     int             `json:"success"`
	Failure     int             `json:"failure"`
	Pending     int             `json:"pending"`
	SuccessRate float64         `json:"success_rate"`
	Providers   []ProviderStats `json:"providers"`
}

// Summarize aggregates log entries per provider, ordered by provider name.
func Summarize(entries []models.LogEntry) Report {
	by := map[models.Provider]*ProviderStats{}
	var rep Report
	for _, e := range entries {
		ps := by[e.Provider]
		if ps == nil {
			ps = &ProviderStats{Provider: e.Provider}
			by[e.Provider] = ps
		}
		rep.Total++
		switch e.Status {
		case models.StatusSuccess:
			ps.Success++
			rep.Success++
		case models.StatusFailure:
			ps.Failure++
			rep.Failure++
		default:
			ps.Pending++
			rep.Pending++
		}
	}
	rep.SuccessRate = successRate(rep.Success, rep.Failure)
	rep.Providers = make([]ProviderStats, 0, len(by))
	for _, ps := range by {
		ps.SuccessRate = successRate(ps.Success, ps.Failure)
		rep.Providers = append(rep.Providers, *ps)
	}
	sort.Slice(rep.Providers, func(i, j int) bool { return rep.Providers[i].Provider < rep.Providers[j].Provider })
	return rep
}

func successRate(ok, failed int) float64 {
	if ok+failed == 0 {
		return 0
	}
	return float64(ok) / float64(ok+failed)
}

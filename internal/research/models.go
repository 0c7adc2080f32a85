package research

import (
	"context"
	"errors"
)

// tierModels returns the configured model list for a cost tier.
func (o *Orchestrator) tierModels(pref string) []string {
	switch pref {
	case CostHigh:
		return o.cfg.ModelsHigh
	case CostVeryLow:
		return o.cfg.ModelsVeryLow
	default:
		return o.cfg.ModelsLow
	}
}

// resolveModels intersects a preferred list with the live catalog. When
// nothing from the list is live, the first catalog model stands in; when
// the catalog itself is unreachable, the list is trusted as configured.
func (o *Orchestrator) resolveModels(ctx context.Context, preferred []string) []string {
	catalog, err := o.gw.ListModels(ctx, false)
	if err != nil || len(catalog) == 0 {
		return preferred
	}
	live := make(map[string]bool, len(catalog))
	for _, m := range catalog {
		live[m.ID] = true
	}
	var out []string
	for _, id := range preferred {
		if live[id] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		out = []string{catalog[0].ID}
	}
	return out
}

// modelsFor picks candidate models for one sub-query: domain preference
// first, then the cost tier.
func (o *Orchestrator) modelsFor(ctx context.Context, req Request, sq SubQuery) []string {
	if sq.Domain != "" {
		if pref := o.cfg.Domains[sq.Domain]; len(pref) > 0 {
			if resolved := o.resolveModels(ctx, pref); len(resolved) > 0 {
				return resolved
			}
		}
	}
	return o.resolveModels(ctx, o.tierModels(req.CostPreference))
}

// plannerModel picks the model that plans and synthesizes.
func (o *Orchestrator) plannerModel(ctx context.Context, req Request) (string, error) {
	models := o.resolveModels(ctx, o.tierModels(req.CostPreference))
	if len(models) == 0 {
		return "", errors.New("no models available: configure MODELS_" + tierEnvSuffix(req.CostPreference) + " or an LLM gateway with a catalog")
	}
	return models[0], nil
}

func tierEnvSuffix(pref string) string {
	switch pref {
	case CostHigh:
		return "HIGH"
	case CostVeryLow:
		return "VERY_LOW"
	default:
		return "LOW"
	}
}

package agent

import (
	"fmt"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

// ResolveModelChain builds the ordered candidate list for a turn:
// primary first, then config fallbacks, each resolved through the
// agent.models alias index and deduplicated on "provider/model".
//
// When agent.models is non-empty it acts as the allow-list for fallback
// keys; the primary is exempt.
func ResolveModelChain(cfg *config.Config, override string) ([]string, error) {
	primary := override
	if primary == "" {
		primary = cfg.Agent.Model.Primary()
	}
	primary = cfg.ResolveModelRef(primary)

	seen := map[string]bool{primary: true}
	chain := []string{primary}

	for _, key := range cfg.Agent.Model.Fallbacks {
		if err := cfg.ValidateFallback(key); err != nil {
			return nil, fmt.Errorf("model fallback chain: %w", err)
		}
		ref := cfg.ResolveModelRef(key)
		if seen[ref] {
			continue
		}
		seen[ref] = true
		chain = append(chain, ref)
	}
	return chain, nil
}

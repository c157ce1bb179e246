package cli

import (
	"github.com/posener/complete"

	"github.com/semmy-space/gitauth/internal/config"
	"github.com/semmy-space/gitauth/internal/provider"
)

// Predictors returns the shell completion predictors, keyed by the name
// used in predictor:"" struct tags.
func Predictors() map[string]complete.Predictor {
	return map[string]complete.Predictor{
		"provider":   complete.PredictSet(provider.Names()...),
		"config_key": complete.PredictSet(config.Keys()...),
		"dir":        complete.PredictDirs("*"),
	}
}

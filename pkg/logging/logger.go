package logging

import "go.uber.org/zap"

// New returns a production logger for the production and staging
// environments and a development logger otherwise.
func New(env string) (*zap.Logger, error) {
	if env == "production" || env == "staging" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

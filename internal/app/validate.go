package app

import (
	"errors"

	"dispatchd/internal/config"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/periodic"
	"dispatchd/internal/status"
	"dispatchd/internal/task/handlers"
)

// ValidateConfig runs the checks the config package cannot do alone:
// handler resolution, schedule density and the status bind policy.
func ValidateConfig(cfg *config.Config, reg *handlers.Registry) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var errs []error
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if sc, err := mapStatusConfig(cfg); err != nil {
		errs = append(errs, err)
	} else if sc.Enabled {
		if err := status.CheckBind(sc); err != nil {
			errs = append(errs, err)
		}
	}

	defs, err := dispatcher.BuildDefinitions(cfg.Schedules, reg)
	if err != nil {
		errs = append(errs, err)
	} else if _, err := periodic.New(defs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

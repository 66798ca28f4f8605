package config

import (
	"errors"
	"fmt"
	"time"
)

// Update is a partial runtime configuration change. Nil fields are left as
// they are. Durations are given in milliseconds on the wire.
type Update struct {
	MaxCacheSize      *int     `json:"maxCacheSize,omitempty"`
	ResultLimit       *int     `json:"resultLimit,omitempty"`
	BatchSize         *int     `json:"batchSize,omitempty"`
	OperationBudgetMs *int     `json:"operationBudgetMs,omitempty"`
	HandlerBudgetMs   *int     `json:"handlerBudgetMs,omitempty"`
	MaxResponseBytes  *int     `json:"maxResponseBytes,omitempty"`
	TrustedOrigins    []string `json:"trustedOrigins,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.MaxCacheSize == nil && u.ResultLimit == nil && u.BatchSize == nil &&
		u.OperationBudgetMs == nil && u.HandlerBudgetMs == nil &&
		u.MaxResponseBytes == nil && u.TrustedOrigins == nil
}

// Validate checks every field that is set, so an update is applied whole or
// not at all.
func (u Update) Validate() error {
	var errs []error
	positive := func(name string, v *int) {
		if v != nil && *v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, *v))
		}
	}
	positive("maxCacheSize", u.MaxCacheSize)
	positive("resultLimit", u.ResultLimit)
	positive("batchSize", u.BatchSize)
	positive("operationBudgetMs", u.OperationBudgetMs)
	positive("handlerBudgetMs", u.HandlerBudgetMs)
	positive("maxResponseBytes", u.MaxResponseBytes)
	for _, o := range u.TrustedOrigins {
		if o == "" {
			errs = append(errs, errors.New("trustedOrigins cannot contain an empty origin"))
			break
		}
	}
	return errors.Join(errs...)
}

// ApplyTo records the update in cfg so later readers see the new values.
func (u Update) ApplyTo(cfg Interface) {
	if u.MaxCacheSize != nil {
		cfg.SetIndexMaxCacheSize(*u.MaxCacheSize)
	}
	if u.ResultLimit != nil {
		cfg.SetIndexResultLimit(*u.ResultLimit)
	}
	if u.BatchSize != nil {
		cfg.SetObserverBatchSize(*u.BatchSize)
	}
	if u.OperationBudgetMs != nil {
		cfg.SetBudgetOperationBudget(Millis(*u.OperationBudgetMs))
	}
	if u.HandlerBudgetMs != nil {
		cfg.SetBridgeHandlerBudget(Millis(*u.HandlerBudgetMs))
	}
	if u.MaxResponseBytes != nil {
		cfg.SetBridgeMaxResponseBytes(*u.MaxResponseBytes)
	}
	if u.TrustedOrigins != nil {
		cfg.SetBridgeTrustedOrigins(u.TrustedOrigins)
	}
}

// Millis converts a millisecond count to a duration.
func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

package bridge

import (
	"context"
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/elementindex/internal/cache"
	"github.com/xkilldash9x/elementindex/internal/config"
)

// FindRequest is the data of a findElements request.
type FindRequest struct {
	Intent  string             `json:"intent" validate:"required,max=512"`
	Options cache.QueryOptions `json:"options"`
}

// AllRequest is the data of a getAllElements request.
type AllRequest struct {
	Filter cache.Filter `json:"filter"`
}

// CategoryRequest is the data of a getByCategory request.
type CategoryRequest struct {
	Category string             `json:"category" validate:"required,max=64"`
	Options  cache.QueryOptions `json:"options"`
}

// OptionsRequest is the data of the fixed-category shortcuts.
type OptionsRequest struct {
	Options cache.QueryOptions `json:"options"`
}

// UpdateConfigRequest is the data of an updateConfig request.
type UpdateConfigRequest struct {
	Config config.Update `json:"config"`
}

// Pong answers a ping.
type Pong struct {
	Pong bool  `json:"pong"`
	Time int64 `json:"time"`
}

// UpdateResult answers an updateConfig request.
type UpdateResult struct {
	Updated bool          `json:"updated"`
	Config  config.Update `json:"config"`
}

func registerDefaults(b *Bridge, idx Index) {
	b.Register(KindPing, func(context.Context, jsoniter.RawMessage) (any, error) {
		return Pong{Pong: true, Time: b.now().UnixMilli()}, nil
	})
	if idx == nil {
		return
	}

	b.Register(KindFindElements, func(ctx context.Context, data jsoniter.RawMessage) (any, error) {
		var req FindRequest
		if err := decodePayload(data, &req); err != nil {
			return nil, err
		}
		rs, err := idx.FindElements(ctx, req.Intent, req.Options)
		if err != nil {
			return nil, err
		}
		return NewElementList(rs), nil
	})

	b.Register(KindGetAllElements, func(ctx context.Context, data jsoniter.RawMessage) (any, error) {
		var req AllRequest
		if err := decodePayload(data, &req); err != nil {
			return nil, err
		}
		rs, err := idx.GetAllElements(ctx, req.Filter)
		if err != nil {
			return nil, err
		}
		return NewElementList(rs), nil
	})

	b.Register(KindGetByCategory, func(ctx context.Context, data jsoniter.RawMessage) (any, error) {
		var req CategoryRequest
		if err := decodePayload(data, &req); err != nil {
			return nil, err
		}
		rs, err := idx.GetByCategory(ctx, req.Category, req.Options)
		if err != nil {
			return nil, err
		}
		return NewElementList(rs), nil
	})

	for kind, category := range map[string]string{
		KindGetClickable:   "clickable",
		KindGetForm:        "form",
		KindGetNavigation:  "navigation",
		KindGetMedia:       "media",
		KindGetInteractive: "interactive",
	} {
		b.Register(kind, func(ctx context.Context, data jsoniter.RawMessage) (any, error) {
			var req OptionsRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			rs, err := idx.GetByCategory(ctx, category, req.Options)
			if err != nil {
				return nil, err
			}
			return NewElementList(rs), nil
		})
	}

	b.Register(KindUpdateConfig, func(ctx context.Context, data jsoniter.RawMessage) (any, error) {
		var req UpdateConfigRequest
		if err := decodePayload(data, &req); err != nil {
			return nil, err
		}
		if req.Config.Empty() {
			return nil, errors.New("updateConfig: no configuration fields given")
		}
		if err := req.Config.Validate(); err != nil {
			return nil, err
		}
		if err := idx.UpdateConfig(ctx, req.Config); err != nil {
			return nil, err
		}
		return UpdateResult{Updated: true, Config: req.Config}, nil
	})

	b.Register(KindGetStats, noData(idx.Stats))
	b.Register(KindForceRescan, noData(idx.ForceRescan))
	b.Register(KindCleanup, noData(idx.Cleanup))
	b.Register(KindRefreshCache, noData(idx.RefreshCache))
	b.Register(KindClassificationSummary, noData(func(ctx context.Context) (any, error) {
		return idx.ClassificationSummary(ctx)
	}))
	b.Register(KindVerifyCache, noData(func(ctx context.Context) (any, error) {
		return idx.VerifyCache(ctx)
	}))
	b.Register(KindCacheDebugInfo, noData(func(ctx context.Context) (any, error) {
		return idx.DebugInfo(ctx)
	}))
}

// noData adapts a call that takes no request data.
func noData(fn func(ctx context.Context) (any, error)) Handler {
	return func(ctx context.Context, _ jsoniter.RawMessage) (any, error) {
		return fn(ctx)
	}
}

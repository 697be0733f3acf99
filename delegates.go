package flowline

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// TypedDelegate wraps a strongly-typed function into a DelegateFunc. The
// visible variables are decoded into I by their mapstructure names; the
// fields (or keys) of the returned O are written back as variables.
//
// Example:
//
//	type Order struct {
//	    Amount float64 `mapstructure:"amount"`
//	}
//	type Approval struct {
//	    Approved bool `mapstructure:"approved"`
//	}
//	rt.Engine.RegisterDelegate("orders.approve", flowline.TypedDelegate(
//	    func(ctx context.Context, o Order) (Approval, error) {
//	        return Approval{Approved: o.Amount < 1000}, nil
//	    }))
func TypedDelegate[I, O any](fn func(context.Context, I) (O, error)) DelegateFunc {
	return func(ctx context.Context, ex DelegateExecution) error {
		var in I
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			Result:           &in,
		})
		if err != nil {
			return err
		}
		if err := dec.Decode(ex.Variables()); err != nil {
			return fmt.Errorf("decode variables of %s: %w", ex.ActivityID(), err)
		}

		out, err := fn(ctx, in)
		if err != nil {
			return err
		}

		vars := map[string]any{}
		if err := mapstructure.Decode(out, &vars); err != nil {
			return fmt.Errorf("encode result of %s: %w", ex.ActivityID(), err)
		}
		for k, v := range vars {
			ex.SetVariable(k, v)
		}
		return nil
	}
}

// SetVariables returns a delegate that writes vars.
func SetVariables(vars map[string]any) DelegateFunc {
	return func(ctx context.Context, ex DelegateExecution) error {
		for k, v := range vars {
			ex.SetVariable(k, v)
		}
		return nil
	}
}

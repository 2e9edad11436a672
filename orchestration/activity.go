package orchestration

import (
	"context"
	"encoding/json"

	"github.com/goliatone/go-errors"
)

// Activity adapts a typed function into an ActivityFunc. Input and output
// travel as JSON so they can be recorded in history.
func Activity[I, O any](fn func(ctx context.Context, in I) (O, error)) ActivityFunc {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.Wrap(err, errors.CategoryBadInput, "decode activity input")
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

// Workflow adapts a typed workflow body.
func Workflow[I, O any](fn func(ctx *Context, in I) (O, error)) WorkflowFunc {
	return func(ctx *Context, raw json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.Wrap(err, errors.CategoryBadInput, "decode workflow input")
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

// Call runs an activity and decodes its result as O.
func Call[O any](ctx *Context, name string, input any) (O, error) {
	var out O
	err := ctx.CallActivity(name, input, &out)
	return out, err
}

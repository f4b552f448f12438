package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Clock supplies the current time to built-in tools.
type Clock func() time.Time

// RegisterBuiltins adds the built-in tools to r using clock.
func RegisterBuiltins(r *Registry, clock Clock) error {
	if clock == nil {
		clock = time.Now
	}
	for _, t := range []Tool{getTimeTool(clock), convertTimezoneTool()} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func getTimeTool(clock Clock) Tool {
	return Tool{
		Definition: Definition{
			Name:        "get_time",
			Description: "Returns the current time as an RFC 3339 timestamp, optionally in an IANA timezone.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timezone": {"type": "string", "description": "IANA timezone such as Europe/Paris. Defaults to UTC."}
				},
				"additionalProperties": false
			}`),
			Source: SourceBuiltin,
		},
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Timezone string `json:"timezone"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
			loc, err := loadLocation(in.Timezone)
			if err != nil {
				return nil, err
			}
			return json.Marshal(clock().In(loc).Format(time.RFC3339))
		},
	}
}

func convertTimezoneTool() Tool {
	return Tool{
		Definition: Definition{
			Name:        "convert_timezone",
			Description: "Converts an RFC 3339 timestamp into the given IANA timezone.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timestamp": {"type": "string", "description": "RFC 3339 timestamp"},
					"timezone": {"type": "string", "description": "Target IANA timezone"}
				},
				"required": ["timestamp", "timezone"],
				"additionalProperties": false
			}`),
			Source: SourceBuiltin,
		},
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Timestamp string `json:"timestamp"`
				Timezone  string `json:"timezone"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
			ts, err := time.Parse(time.RFC3339, in.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("%w: timestamp: %v", ErrInvalidArguments, err)
			}
			loc, err := loadLocation(in.Timezone)
			if err != nil {
				return nil, err
			}
			return json.Marshal(ts.In(loc).Format(time.RFC3339))
		},
	}
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidArguments, name)
	}
	return loc, nil
}

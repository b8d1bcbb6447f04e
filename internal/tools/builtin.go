package tools

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins adds the tools every agent gets regardless of
// configuration.
func RegisterBuiltins(r *Registry) {
	r.Register(&Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a named IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. Europe/Berlin. Defaults to UTC.",
				},
			},
		},
		Handler: currentTime,
	})

	r.Register(&Tool{
		Name:        "echo",
		Description: "Echo the given text back verbatim. Useful for connectivity checks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "Text to echo back.",
				},
			},
			"required": []string{"text"},
		},
		Handler: echo,
	})
}

func currentTime(_ context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	return time.Now().In(loc).Format(time.RFC1123), nil
}

func echo(_ context.Context, args map[string]any) (string, error) {
	text, ok := args["text"].(string)
	if !ok {
		return "", fmt.Errorf("text must be a string")
	}
	return text, nil
}

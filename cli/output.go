package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// printJSON renders a command result as indented JSON. Every command emits
// machine-readable output so the CLI composes with shell pipelines.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

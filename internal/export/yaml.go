package export

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sadopc/doflow/internal/store"
)

func ToYAML(entries []store.CompletionEntry, path string) error {
	data, err := yaml.Marshal(buildExport(entries))
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write yaml file: %w", err)
	}
	return nil
}

// Write exports entries in the named format: csv, json or yaml.
func Write(format string, entries []store.CompletionEntry, path string) error {
	switch format {
	case "csv":
		return ToCSV(entries, path)
	case "json":
		return ToJSON(entries, path)
	case "yaml", "yml":
		return ToYAML(entries, path)
	default:
		return fmt.Errorf("unknown export format %q (want csv, json or yaml)", format)
	}
}

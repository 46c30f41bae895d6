package export

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sadopc/doflow/internal/store"
)

type logExport struct {
	ExportedAt   string     `json:"exported_at" yaml:"exported_at"`
	Count        int        `json:"count" yaml:"count"`
	TotalSeconds int64      `json:"total_seconds" yaml:"total_seconds"`
	Entries      []logEntry `json:"entries" yaml:"entries"`
}

type logEntry struct {
	ID          int64  `json:"id" yaml:"id"`
	Date        string `json:"date" yaml:"date"`
	Title       string `json:"title" yaml:"title"`
	DurationSec int    `json:"duration_seconds" yaml:"duration_seconds"`
	Duration    string `json:"duration" yaml:"duration"`
	CompletedAt string `json:"completed_at" yaml:"completed_at"`
}

func buildExport(entries []store.CompletionEntry) logExport {
	export := logExport{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Count:      len(entries),
	}
	for _, e := range entries {
		export.TotalSeconds += int64(e.DurationSeconds)
		export.Entries = append(export.Entries, logEntry{
			ID:          e.ID,
			Date:        e.Date,
			Title:       e.Title,
			DurationSec: e.DurationSeconds,
			Duration:    formatDuration(int64(e.DurationSeconds)),
			CompletedAt: e.CompletedAt.Local().Format(time.RFC3339),
		})
	}
	return export
}

func ToJSON(entries []store.CompletionEntry, path string) error {
	data, err := json.MarshalIndent(buildExport(entries), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write json file: %w", err)
	}
	return nil
}

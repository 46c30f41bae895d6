package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/sadopc/doflow/internal/store"
)

var csvHeader = []string{"ID", "Date", "Title", "Duration (s)", "Duration", "Completed At"}

func ToCSV(entries []store.CompletionEntry, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(csvHeader); err != nil {
		return err
	}

	for _, e := range entries {
		row := []string{
			fmt.Sprintf("%d", e.ID),
			e.Date,
			e.Title,
			fmt.Sprintf("%d", e.DurationSeconds),
			formatDuration(int64(e.DurationSeconds)),
			e.CompletedAt.Local().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func formatDuration(secs int64) string {
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

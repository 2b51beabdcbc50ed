package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervised agents and task counts",
	Long: `Display drover's persisted state.

Shows:
  - Known sessions and their last activity
  - Task counts by status`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	meta, err := readSessionStore(cfg.SessionStorePath())
	if err != nil {
		return err
	}

	if len(meta) == 0 {
		fmt.Println("No sessions recorded. Run 'drover run' to start supervising.")
	} else {
		color.Cyan("Sessions")
		for agentID, m := range meta {
			line := fmt.Sprintf("  %-20s %-8s last active %s  (%d messages)",
				agentID, m.Status, m.LastActivity.Format(time.RFC3339), m.MessageCount)
			switch m.Status {
			case models.SessionReady, models.SessionBusy:
				color.Green("%s", line)
			case models.SessionError:
				color.Red("%s", line)
			default:
				fmt.Println(line)
			}
		}
	}

	if _, err := os.Stat(cfg.StatePath()); os.IsNotExist(err) {
		return nil
	}
	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	tasks, err := db.ListTasks()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	counts := make(map[models.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}

	fmt.Println()
	color.Cyan("Tasks")
	fmt.Printf("  total %d: %d todo, %d in progress, %d done, %d cancelled\n",
		len(tasks),
		counts[models.TaskStatusTodo],
		counts[models.TaskStatusInProgress],
		counts[models.TaskStatusDone],
		counts[models.TaskStatusCancelled])
	return nil
}

// readSessionStore reads the session metadata document without opening a
// live registry.
func readSessionStore(path string) (map[string]session.Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	meta := make(map[string]session.Meta)
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse session store: %w", err)
	}
	return meta, nil
}

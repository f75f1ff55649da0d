package watch

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, fetch FetchFunc, act ActionFunc, interval time.Duration) error {
	if fetch == nil || act == nil {
		return errors.New("fetch and action functions are required")
	}
	program := tea.NewProgram(newModel(ctx, fetch, act, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

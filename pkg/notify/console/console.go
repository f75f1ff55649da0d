// Package console renders notifications as styled blocks on a terminal stream.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"beacon/pkg/notify"
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	callBoxStyle = boxStyle.
			BorderForeground(lipgloss.Color("#4CAF50"))
	titleStyle   = lipgloss.NewStyle().Bold(true)
	actionStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#0A84FF"))
	cancelStyle  = lipgloss.NewStyle().Faint(true)
	channelStyle = lipgloss.NewStyle().Faint(true).Italic(true)
)

// Presenter writes notifications to a terminal and tracks which are still shown.
type Presenter struct {
	out io.Writer

	mu       sync.Mutex
	active   map[string]notify.Active
	channels map[string]notify.Channel
}

func New(out io.Writer) *Presenter {
	if out == nil {
		out = os.Stdout
	}
	return &Presenter{
		out:      out,
		active:   make(map[string]notify.Active),
		channels: make(map[string]notify.Channel),
	}
}

func (p *Presenter) EnsureChannels(_ context.Context, channels []notify.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range channels {
		p.channels[ch.ID] = ch
	}
	return nil
}

func (p *Presenter) Display(_ context.Context, n notify.Notification) error {
	if strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Body) == "" {
		return fmt.Errorf("%w: empty notification", notify.ErrUnavailable)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintln(p.out, p.render(n)); err != nil {
		return fmt.Errorf("%w: %w", notify.ErrUnavailable, err)
	}
	p.active[n.ID] = notify.Active{ID: n.ID, Data: n.Data}
	return nil
}

func (p *Presenter) Cancel(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[id]; !ok {
		return nil
	}
	delete(p.active, id)
	_, err := fmt.Fprintln(p.out, cancelStyle.Render("dismissed "+id))
	return err
}

func (p *Presenter) ListActive(context.Context) ([]notify.Active, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]notify.Active, 0, len(p.active))
	for _, item := range p.active {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Presenter) render(n notify.Notification) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(n.Title))
	if body := strings.TrimSpace(n.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	if len(n.Actions) > 0 {
		labels := make([]string, 0, len(n.Actions))
		for _, action := range n.Actions {
			labels = append(labels, actionStyle.Render("["+action.Label+"]"))
		}
		b.WriteString("\n")
		b.WriteString(strings.Join(labels, " "))
	}

	channelName := n.Channel
	if ch, ok := p.channels[n.Channel]; ok && ch.Name != "" {
		channelName = ch.Name
	}
	if channelName != "" {
		b.WriteString("\n")
		b.WriteString(channelStyle.Render(channelName + " · " + n.ID))
	}

	if n.Ongoing {
		return callBoxStyle.Render(b.String())
	}
	return boxStyle.Render(b.String())
}

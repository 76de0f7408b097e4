package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

// topCmd renders a small terminal dashboard over the ops API of a running
// instance. It is read-only: press q to quit.
func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live terminal dashboard for a running instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "http://localhost:8080",
				Usage: "Base URL of the instance to watch",
			},
			&cli.DurationFlag{
				Name:  "refresh",
				Value: 2 * time.Second,
				Usage: "Refresh interval",
			},
		},
		Action: func(c *cli.Context) error {
			return runTop(c.String("addr"), c.Duration("refresh"))
		},
	}
}

type overviewDTO struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime_seconds"`
	Metrics struct {
		ActiveConnections int              `json:"active_connections"`
		Subscriptions     int              `json:"subscriptions"`
		QueueDepth        int              `json:"queue_depth"`
		EventsPerSecond   float64          `json:"events_per_second"`
		HeapBytes         uint64           `json:"heap_bytes"`
		Goroutines        int              `json:"goroutines"`
		Counters          map[string]int64 `json:"counters"`
	} `json:"metrics"`
	ActiveAlerts []struct {
		Severity  string `json:"severity"`
		Title     string `json:"title"`
		Component string `json:"component"`
	} `json:"active_alerts"`
	ProbeResults []struct {
		Name    string `json:"name"`
		Healthy bool   `json:"healthy"`
	} `json:"probe_results"`
}

func fetchOverview(client *http.Client, addr string) (*overviewDTO, error) {
	resp, err := client.Get(addr + "/v1/system/overview")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var dto overviewDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

func runTop(addr string, refresh time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal ui: %w", err)
	}
	defer ui.Close()

	client := &http.Client{Timeout: 5 * time.Second}

	status := widgets.NewParagraph()
	status.Title = " streamgate "

	probes := widgets.NewList()
	probes.Title = " probes "

	alerts := widgets.NewList()
	alerts.Title = " active alerts "

	rates := widgets.NewPlot()
	rates.Title = " events/sec "
	rates.Data = [][]float64{{0, 0}}

	grid := ui.NewGrid()
	w, hgt := ui.TerminalDimensions()
	grid.SetRect(0, 0, w, hgt)
	grid.Set(
		ui.NewRow(0.3,
			ui.NewCol(0.5, status),
			ui.NewCol(0.5, probes),
		),
		ui.NewRow(0.4, ui.NewCol(1.0, rates)),
		ui.NewRow(0.3, ui.NewCol(1.0, alerts)),
	)

	history := []float64{0, 0}
	draw := func() {
		dto, err := fetchOverview(client, addr)
		if err != nil {
			status.Text = fmt.Sprintf("unreachable: %v", err)
			ui.Render(grid)
			return
		}

		status.Text = fmt.Sprintf(
			"status: %s\nconnections: %d\nsubscriptions: %d\nqueue depth: %d\nheap: %d MiB\ngoroutines: %d",
			dto.Status,
			dto.Metrics.ActiveConnections,
			dto.Metrics.Subscriptions,
			dto.Metrics.QueueDepth,
			dto.Metrics.HeapBytes>>20,
			dto.Metrics.Goroutines,
		)

		probes.Rows = probes.Rows[:0]
		for _, p := range dto.ProbeResults {
			mark := "[ok]"
			if !p.Healthy {
				mark = "[FAIL]"
			}
			probes.Rows = append(probes.Rows, fmt.Sprintf("%s %s", mark, p.Name))
		}

		alerts.Rows = alerts.Rows[:0]
		for _, a := range dto.ActiveAlerts {
			alerts.Rows = append(alerts.Rows, fmt.Sprintf("[%s] %s (%s)", a.Severity, a.Title, a.Component))
		}
		if len(alerts.Rows) == 0 {
			alerts.Rows = []string{"none"}
		}

		history = append(history, dto.Metrics.EventsPerSecond)
		if len(history) > 120 {
			history = history[len(history)-120:]
		}
		rates.Data[0] = history

		ui.Render(grid)
	}

	draw()
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	uiEvents := ui.PollEvents()

	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				ui.Render(grid)
			}
		case <-ticker.C:
			draw()
		}
	}
}

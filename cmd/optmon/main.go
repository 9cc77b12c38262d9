// optmon is a terminal monitor for optimization runs. It polls the run
// history database and renders the fitness trajectory of one run.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/history"
)

func main() {
	var (
		configPath = flag.String("config", common.DefaultConfigFile, "configuration file")
		runID      = flag.String("run", "", "run to monitor (default: most recent)")
		interval   = flag.Duration("interval", time.Second, "poll interval")
	)
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		common.Fatal("cannot load configuration: %v", err)
	}

	historyPath := cfg.Storage.HistoryPath
	if historyPath == "" {
		historyPath = common.DefaultHistoryDBPath
	}
	hist, err := history.Open(historyPath)
	if err != nil {
		common.Fatal("cannot open run history: %v", err)
	}
	defer hist.Close()

	if err := runTUI(hist, *runID, *interval); err != nil {
		common.Fatal("monitor failed: %v", err)
	}
}

// pickRun resolves the run to display.
func pickRun(hist *history.Store, runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	runs, err := hist.Runs()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no runs recorded yet")
	}
	return runs[0], nil
}

// runTUI renders the fitness trajectory until the user quits.
func runTUI(hist *history.Store, runID string, interval time.Duration) error {
	if err := termui.Init(); err != nil {
		return fmt.Errorf("failed to initialize termui: %w", err)
	}
	defer termui.Close()

	header := widgets.NewParagraph()
	header.Title = "descent monitor"

	plot := widgets.NewPlot()
	plot.Title = "best transformed fitness"
	plot.Data = [][]float64{{0, 0}}
	plot.AxesColor = termui.ColorWhite
	plot.LineColors = []termui.Color{termui.ColorGreen}

	width, height := termui.TerminalDimensions()
	header.SetRect(0, 0, width, 3)
	plot.SetRect(0, 3, width, height)

	refresh := func() {
		id, err := pickRun(hist, runID)
		if err != nil {
			header.Text = fmt.Sprintf("waiting for data: %v (q to quit)", err)
			termui.Render(header, plot)
			return
		}

		records, err := hist.ListRun(id)
		if err != nil || len(records) == 0 {
			header.Text = fmt.Sprintf("run %s: no records yet (q to quit)", id)
			termui.Render(header, plot)
			return
		}

		series := make([]float64, 0, len(records))
		for _, rec := range records {
			if !rec.Final {
				series = append(series, rec.BestTransformed)
			}
		}
		switch len(series) {
		case 0:
			series = []float64{0, 0}
		case 1:
			series = append(series, series[0])
		}
		plot.Data = [][]float64{series}

		last := records[len(records)-1]
		state := "running"
		if last.Final {
			state = "halted"
		}
		header.Text = fmt.Sprintf("run %s | %s | iteration %d | best %.6g (q to quit)",
			id, state, last.Iteration, last.BestTransformed)

		termui.Render(header, plot)
	}

	refresh()

	events := termui.PollEvents()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(termui.Resize)
				header.SetRect(0, 0, payload.Width, 3)
				plot.SetRect(0, 3, payload.Width, payload.Height)
				termui.Clear()
				refresh()
			}
		case <-ticker.C:
			refresh()
		}
	}
}

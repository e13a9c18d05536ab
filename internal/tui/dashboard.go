// Package tui renders a live operator dashboard on top of /v1/stats. It is
// a read-only client of the ops surface and never touches gateway state.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

const historyLen = 120

// Dashboard polls a running gateway and redraws once per refresh interval.
type Dashboard struct {
	BaseURL string
	Refresh time.Duration

	client *http.Client

	header *widgets.Paragraph
	store  *widgets.Table
	hub    *widgets.Table
	plot   *widgets.Plot

	subs   []float64
	queued []float64

	lastErr error
	stats   model.GatewayStats
}

func New(baseURL string, refresh time.Duration) *Dashboard {
	if refresh <= 0 {
		refresh = time.Second
	}
	return &Dashboard{
		BaseURL: baseURL,
		Refresh: refresh,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Run owns the terminal until the user quits with q or Ctrl-C, or ctx ends.
func (d *Dashboard) Run(ctx context.Context) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	defer ui.Close()

	d.build()
	d.layout(ui.TerminalDimensions())
	d.poll(ctx)
	d.redraw()

	events := ui.PollEvents()
	ticker := time.NewTicker(d.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.layout(payload.Width, payload.Height)
				d.redraw()
			}
		case <-ticker.C:
			d.poll(ctx)
			d.redraw()
		}
	}
}

func (d *Dashboard) build() {
	d.header = widgets.NewParagraph()
	d.header.Title = "conv-gateway"
	d.header.BorderStyle = ui.NewStyle(ui.ColorCyan)

	d.store = widgets.NewTable()
	d.store.Title = "store"
	d.store.RowSeparator = false
	d.store.TextAlignment = ui.AlignLeft

	d.hub = widgets.NewTable()
	d.hub.Title = "hub"
	d.hub.RowSeparator = false
	d.hub.TextAlignment = ui.AlignLeft

	d.plot = widgets.NewPlot()
	d.plot.Title = "subscriptions / queued"
	d.plot.LineColors = []ui.Color{ui.ColorGreen, ui.ColorYellow}
	d.plot.AxesColor = ui.ColorWhite
	d.plot.ShowAxes = true
}

func (d *Dashboard) layout(w, h int) {
	half := w / 2
	d.header.SetRect(0, 0, w, 3)
	d.store.SetRect(0, 3, half, 11)
	d.hub.SetRect(half, 3, w, 11)
	d.plot.SetRect(0, 11, w, h)
}

func (d *Dashboard) poll(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/v1/stats", nil)
	if err != nil {
		d.lastErr = err
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.lastErr = err
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.lastErr = fmt.Errorf("stats endpoint returned %s", resp.Status)
		return
	}

	var stats model.GatewayStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		d.lastErr = err
		return
	}

	d.lastErr = nil
	d.stats = stats
	d.subs = push(d.subs, float64(stats.Hub.Subscriptions))
	d.queued = push(d.queued, float64(stats.Hub.QueuedEnvelopes))
}

func (d *Dashboard) redraw() {
	st := d.stats

	status := "[OK](fg:green)"
	if d.lastErr != nil {
		status = fmt.Sprintf("[UNREACHABLE](fg:red) %v", d.lastErr)
	}
	uptime := "-"
	if !st.StartedAt.IsZero() {
		uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
	}
	d.header.Text = fmt.Sprintf("%s  up %s  %s  (q to quit)", d.BaseURL, uptime, status)

	d.store.Rows = [][]string{
		{"rooms", strconv.FormatInt(st.Store.Rooms, 10)},
		{"envelopes", strconv.FormatInt(st.Store.Envelopes, 10)},
		{"live sessions", strconv.FormatInt(st.Store.LiveSessions, 10)},
		{"cursors", strconv.FormatInt(st.Store.Cursors, 10)},
	}

	hubRows := [][]string{
		{"conversations", strconv.Itoa(st.Hub.Conversations)},
		{"subscriptions", strconv.Itoa(st.Hub.Subscriptions)},
		{"queued envelopes", strconv.Itoa(st.Hub.QueuedEnvelopes)},
	}
	for _, tr := range transportKeys(st.Hub.ByTransport) {
		hubRows = append(hubRows, []string{"  " + tr, strconv.Itoa(st.Hub.ByTransport[tr])})
	}
	d.hub.Rows = hubRows

	// Plot panics below two points per series, so it joins late.
	if len(d.subs) >= 2 {
		d.plot.Data = [][]float64{d.subs, d.queued}
		ui.Render(d.header, d.store, d.hub, d.plot)
		return
	}
	ui.Render(d.header, d.store, d.hub)
}

func push(series []float64, v float64) []float64 {
	series = append(series, v)
	if len(series) > historyLen {
		series = series[len(series)-historyLen:]
	}
	return series
}

func transportKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package portfolio

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/bobmcallan/coinledger/internal/models"
)

// ErrNothingToChart is returned when the wallet and every holding are empty.
var ErrNothingToChart = errors.New("portfolio has no value to chart")

const cashLabel = "Cash"

var sliceColors = []string{
	"2563eb", // blue-600
	"f59e0b", // amber-500
	"10b981", // emerald-500
	"8b5cf6", // violet-500
	"ef4444", // red-500
	"14b8a6", // teal-500
	"ec4899", // pink-500
}

// RenderAllocationChart writes a PNG pie chart of the view's current value
// by symbol, with the cash balance as its own slice.
func RenderAllocationChart(view *models.PortfolioView, w io.Writer) error {
	holdings := make([]models.HoldingView, len(view.Holdings))
	copy(holdings, view.Holdings)
	sort.SliceStable(holdings, func(i, j int) bool {
		return holdings[i].CurrentValue.GreaterThan(holdings[j].CurrentValue)
	})

	values := make([]chart.Value, 0, len(holdings)+1)
	for i, h := range holdings {
		if !h.CurrentValue.IsPositive() {
			continue
		}
		values = append(values, chart.Value{
			Label: fmt.Sprintf("%s %s%%", h.Symbol, h.AllocationPct.StringFixed(1)),
			Value: h.CurrentValue.InexactFloat64(),
			Style: chart.Style{
				FillColor:   drawing.ColorFromHex(sliceColors[i%len(sliceColors)]),
				StrokeColor: drawing.ColorWhite,
				StrokeWidth: 1,
			},
		})
	}
	if view.Balance.IsPositive() {
		values = append(values, chart.Value{
			Label: cashLabel,
			Value: view.Balance.InexactFloat64(),
			Style: chart.Style{
				FillColor:   drawing.ColorFromHex("9ca3af"), // gray-400
				StrokeColor: drawing.ColorWhite,
				StrokeWidth: 1,
			},
		})
	}
	if len(values) == 0 {
		return ErrNothingToChart
	}

	pie := chart.PieChart{
		Title:  "Allocation",
		Width:  512,
		Height: 512,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 10, Bottom: 10},
		},
		Values: values,
	}

	if err := pie.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("chart render failed: %w", err)
	}
	return nil
}

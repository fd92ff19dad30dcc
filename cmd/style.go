package main

import (
	"strconv"

	"github.com/pterm/pterm"

	"github.com/luca-patrignani/bcast-bench/bench"
	"github.com/luca-patrignani/bcast-bench/metrics"
)

// statsTable renders the counters of the root peer under a header naming
// the run.
func statsTable(res bench.Result, samples []metrics.Sample) (string, error) {
	title := pterm.Sprintf("%s broadcast of %d integers from rank %d to %d processes",
		res.Strategy, res.ArraySize, res.Root, res.Size)
	data := pterm.TableData{{"Metric", "Labels", "Value"}}
	for _, s := range samples {
		data = append(data, []string{s.Name, s.Labels, strconv.FormatFloat(s.Value, 'g', -1, 64)})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
	if err != nil {
		return "", err
	}
	return pterm.LightCyan(title) + "\n" + table, nil
}

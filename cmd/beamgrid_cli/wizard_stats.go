package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/olekukonko/tablewriter"
)

type nodeStatus struct {
	Version                 string         `json:"Version"`
	GolangRuntimeVersion    string         `json:"GolangRuntimeVersion"`
	GOArch                  string         `json:"GOArch"`
	GOOS                    string         `json:"GOOS"`
	NodeType                string         `json:"NodeType"`
	NodeID                  string         `json:"NodeID"`
	Jobs                    map[string]int `json:"Jobs"`
	Tasks                   []string       `json:"Tasks"`
	GPUs                    []string       `json:"GPUs"`
	RegisteredWorkersNumber int            `json:"RegisteredWorkersNumber"`
	RegisteredWorkers       []workerInfo   `json:"RegisteredWorkers"`
}

type workerInfo struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Version  string    `json:"version"`
	Capacity int       `json:"capacity"`
	InFlight int       `json:"inFlight"`
	GPUs     []string  `json:"gpus"`
	LastSeen time.Time `json:"lastSeen"`
}

func (w *wizard) getNodeStatus() (*nodeStatus, error) {
	body := httpGet(w.cliURL("/status"))
	if body == "" {
		return nil, fmt.Errorf("empty status response")
	}
	var status nodeStatus
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (w *wizard) stats() {
	status, err := w.getNodeStatus()
	if err != nil {
		glog.Errorf("Error getting node status: %v", err)
		return
	}

	wtr := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(wtr, "Node ID: \t%s\n", status.NodeID)
	fmt.Fprintf(wtr, "Node Type: \t%s\n", status.NodeType)
	fmt.Fprintf(wtr, "Version: \t%s\n", status.Version)
	fmt.Fprintf(wtr, "Golang runtime: \t%s\n", status.GolangRuntimeVersion)
	fmt.Fprintf(wtr, "Platform: \t%s/%s\n", status.GOOS, status.GOArch)
	fmt.Fprintf(wtr, "Registered tasks: \t%v\n", status.Tasks)
	if len(status.GPUs) > 0 {
		fmt.Fprintf(wtr, "GPUs: \t%v\n", status.GPUs)
	}
	fmt.Fprintf(wtr, "Registered workers: \t%d\n", status.RegisteredWorkersNumber)
	for st, n := range status.Jobs {
		fmt.Fprintf(wtr, "Jobs %s: \t%d\n", st, n)
	}
	wtr.Flush()
}

func (w *wizard) printWorkers() {
	body := httpGet(w.cliURL("/workers"))
	if body == "" {
		glog.Errorf("Error getting workers")
		return
	}
	var workers []workerInfo
	if err := json.Unmarshal([]byte(body), &workers); err != nil {
		glog.Errorf("Error parsing workers: %v", err)
		return
	}
	if len(workers) == 0 {
		fmt.Println("No registered workers")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Address", "Version", "Capacity", "In Flight", "GPUs", "Last Seen"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, wk := range workers {
		table.Append([]string{
			wk.ID,
			wk.Addr,
			wk.Version,
			strconv.Itoa(wk.Capacity),
			strconv.Itoa(wk.InFlight),
			fmt.Sprintf("%v", wk.GPUs),
			humanize.Time(wk.LastSeen),
		})
	}
	table.Render()
}

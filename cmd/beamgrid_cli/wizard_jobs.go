package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/olekukonko/tablewriter"
)

type cliJob struct {
	ID         string `json:"id"`
	Task       string `json:"task"`
	Runtime    string `json:"runtime"`
	Status     string `json:"status"`
	WorkerID   string `json:"workerId"`
	DurationMs int64  `json:"durationMs"`
	CreatedAt  string `json:"createdAt"`
	Error      string `json:"error"`
}

func (w *wizard) printRecentJobs() {
	fmt.Println("Enter # of recent jobs to print (default = 20)")
	limit := w.readDefaultString("20")

	body := httpGet(w.cliURL("/jobs?limit=" + url.QueryEscape(limit)))
	if body == "" {
		glog.Errorf("Error getting jobs")
		return
	}
	var jobs []cliJob
	if err := json.Unmarshal([]byte(body), &jobs); err != nil {
		glog.Errorf("Error parsing jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs recorded")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Task", "Runtime", "Status", "Worker", "Duration", "Created", "Error"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, j := range jobs {
		created := j.CreatedAt
		if ts, err := time.Parse(time.RFC3339, j.CreatedAt); err == nil {
			created = humanize.Time(ts)
		}
		table.Append([]string{
			j.ID,
			j.Task,
			j.Runtime,
			j.Status,
			j.WorkerID,
			strconv.FormatInt(j.DurationMs, 10) + "ms",
			created,
			j.Error,
		})
	}
	table.Render()
}

func (w *wizard) submitJob() {
	fmt.Println("Enter the task name (default = echo)")
	task := w.readDefaultString("echo")
	fmt.Println("Enter the runtime (default = base)")
	rt := w.readDefaultString("base")
	fmt.Println("Enter JSON args for the task (default = none)")
	args := w.readDefaultString("")
	fmt.Println("Wait for the result? (y = runsync, n = run) (default = n)")
	sync := w.readDefaultString("n") == "y"

	input := map[string]interface{}{"task": task, "runtime": rt}
	if args != "" {
		if !json.Valid([]byte(args)) {
			glog.Errorf("Args are not valid JSON")
			return
		}
		input["args"] = map[string]string{
			"codec": "json",
			"data":  base64.StdEncoding.EncodeToString([]byte(args)),
		}
	}
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		glog.Errorf("Error building request: %v", err)
		return
	}

	path := "/v2/run"
	if sync {
		path = "/v2/runsync"
	}
	result, ok := w.httpPostJSON(w.apiURL(path), string(body))
	if !ok {
		glog.Errorf("Error submitting job: %v", result)
		return
	}
	fmt.Println(result)
}

func (w *wizard) jobStatus() {
	fmt.Println("Enter the job ID")
	id := w.readString()

	req, err := w.apiGet("/v2/status/" + url.PathEscape(id))
	if err != nil {
		glog.Errorf("Error getting job status: %v", err)
		return
	}
	fmt.Println(req)
}

func (w *wizard) streamJob() {
	fmt.Println("Enter the job ID")
	id := w.readString()

	req, err := http.NewRequest("GET", w.apiURL("/v2/stream/"+url.PathEscape(id)), nil)
	if err != nil {
		glog.Errorf("Error creating stream request: %v", err)
		return
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		glog.Errorf("Error streaming job: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		glog.Errorf("Stream returned status %d: %s", resp.StatusCode, body)
		return
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
}

func (w *wizard) cancelJob() {
	fmt.Println("Enter the job ID")
	id := w.readString()

	result, ok := w.httpPostJSON(w.apiURL("/v2/cancel/"+url.PathEscape(id)), "")
	if !ok {
		glog.Errorf("Error cancelling job: %v", result)
		return
	}
	fmt.Println(result)
}

func (w *wizard) purgeQueue() {
	fmt.Println("Purge all queued jobs? (y/n)")
	if w.readDefaultString("n") != "y" {
		return
	}
	result, ok := w.httpPostJSON(w.apiURL("/v2/purge-queue"), "")
	if !ok {
		glog.Errorf("Error purging queue: %v", result)
		return
	}
	fmt.Println(result)
}

func (w *wizard) setLogLevel() {
	fmt.Println("Enter new log verbosity {4|5|6}")
	level := w.readInt()

	val := url.Values{"loglevel": {strconv.Itoa(level)}}
	if _, ok := httpPostWithParams(w.cliURL("/setLogLevel"), val); !ok {
		glog.Errorf("Error setting log level")
		return
	}
	fmt.Printf("Log level set to %d\n", level)
}

package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"

	"github.com/golang/glog"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "beamgrid-cli"
	app.Usage = "interact with a local BeamGrid node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "http",
			Usage: "local cli port",
			Value: "7935",
		},
		cli.StringFlag{
			Name:  "api",
			Usage: "local job api port",
			Value: "7933",
		},
		cli.StringFlag{
			Name:  "host",
			Usage: "host for the BeamGrid node",
			Value: "localhost",
		},
		cli.StringFlag{
			Name:  "apiKey",
			Usage: "api key sent with job submissions",
		},
	}
	app.Action = func(c *cli.Context) error {
		w := &wizard{
			endpoint: fmt.Sprintf("http://%v:%v/status", c.String("host"), c.String("http")),
			cliPort:  c.String("http"),
			apiPort:  c.String("api"),
			host:     c.String("host"),
			apiKey:   c.String("apiKey"),
			in:       bufio.NewReader(os.Stdin),
		}
		w.run()

		return nil
	}
	app.Run(os.Args)
}

type wizard struct {
	endpoint string // Local beamgrid node
	cliPort  string
	apiPort  string
	host     string
	apiKey   string
	in       *bufio.Reader // Wrapper around stdin to allow reading user input
}

func (w *wizard) run() {
	// Make sure there is a local node running
	_, err := http.Get(w.endpoint)
	if err != nil {
		glog.Errorf("Cannot find local node. Is your node running with -cliAddr :%v?", w.cliPort)
		return
	}

	fmt.Println("+-----------------------------------------------------------+")
	fmt.Println("| Welcome to beamgrid-cli, your BeamGrid command line tool  |")
	fmt.Println("|                                                           |")
	fmt.Println("| This tool lets you interact with a local BeamGrid node    |")
	fmt.Println("| submitting jobs and inspecting workers without crafting   |")
	fmt.Println("| raw API requests.                                         |")
	fmt.Println("+-----------------------------------------------------------+")
	fmt.Println()

	w.stats()
	for {
		fmt.Println()
		fmt.Println("What would you like to do? (default = stats)")
		fmt.Println(" 1. Get node status")
		fmt.Println(" 2. List recent jobs")
		fmt.Println(" 3. List registered workers")
		fmt.Println(" 4. Submit a job")
		fmt.Println(" 5. Get job status")
		fmt.Println(" 6. Stream job output")
		fmt.Println(" 7. Cancel a job")
		fmt.Println(" 8. Purge the job queue")
		fmt.Println(" 9. Set log verbosity")
		choice := w.read()
		switch choice {
		case "", "1":
			w.stats()
		case "2":
			w.printRecentJobs()
		case "3":
			w.printWorkers()
		case "4":
			w.submitJob()
		case "5":
			w.jobStatus()
		case "6":
			w.streamJob()
		case "7":
			w.cancelJob()
		case "8":
			w.purgeQueue()
		case "9":
			w.setLogLevel()
		default:
			glog.Errorf("That's not something I can do")
		}
	}
}

package main

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

// read reads a single line from stdin, trimming it from spaces.
func (w *wizard) read() string {
	fmt.Printf("> ")
	text, err := w.in.ReadString('\n')
	if err != nil {
		glog.Fatalf("Failed to read user input: %v", err)
	}
	return strings.TrimSpace(text)
}

// readString reads a single line from stdin, trimming it from spaces,
// enforcing non-emptyness.
func (w *wizard) readString() string {
	for {
		fmt.Printf("> ")
		text, err := w.in.ReadString('\n')
		if err != nil {
			glog.Fatalf("Failed to read user input: %v", err)
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
}

// readDefaultString reads a single line from stdin, trimming it from spaces.
// If an empty line is entered, the default value is returned.
func (w *wizard) readDefaultString(def string) string {
	fmt.Printf("> ")
	text, err := w.in.ReadString('\n')
	if err != nil {
		glog.Fatalf("Failed to read user input: %v", err)
	}
	if text = strings.TrimSpace(text); text != "" {
		return text
	}
	return def
}

// readInt reads a single line from stdin, trimming it from spaces, enforcing
// it to parse into an integer.
func (w *wizard) readInt() int {
	for {
		fmt.Printf("> ")
		text, err := w.in.ReadString('\n')
		if err != nil {
			glog.Fatalf("Failed to read user input: %v", err)
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		val, err := strconv.Atoi(text)
		if err != nil {
			glog.Errorf("Invalid input, expected integer: %v", err)
			continue
		}
		return val
	}
}

func (w *wizard) cliURL(path string) string {
	return fmt.Sprintf("http://%v:%v%v", w.host, w.cliPort, path)
}

func (w *wizard) apiURL(path string) string {
	return fmt.Sprintf("https://%v:%v%v", w.host, w.apiPort, path)
}

// apiClient tolerates the node's self-signed certificate.
var apiClient = &http.Client{
	Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	},
}

func httpGet(url string) string {
	resp, err := http.Get(url)
	if err != nil {
		glog.Errorf("Error sending HTTP GET to %v: %v", url, err)
		return ""
	}

	defer resp.Body.Close()
	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return string(result)
}

func httpPostWithParams(url string, val url.Values) (string, bool) {
	body := bytes.NewBufferString(val.Encode())
	req, err := http.NewRequest("POST", url, body)
	if err != nil {
		glog.Errorf("Error creating HTTP POST to %v: %v", url, err)
		return "", false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		glog.Errorf("Error sending HTTP POST to %v: %v", url, err)
		return "", false
	}

	defer resp.Body.Close()
	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}

	return string(result), resp.StatusCode >= 200 && resp.StatusCode < 300
}

// apiGet fetches a job API path, attaching the wizard's api key when set.
func (w *wizard) apiGet(path string) (string, error) {
	req, err := http.NewRequest("GET", w.apiURL(path), nil)
	if err != nil {
		return "", err
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(result), nil
}

// httpPostJSON sends a JSON body to the job API, attaching the wizard's
// api key when set.
func (w *wizard) httpPostJSON(url, body string) (string, bool) {
	req, err := http.NewRequest("POST", url, strings.NewReader(body))
	if err != nil {
		glog.Errorf("Error creating HTTP POST to %v: %v", url, err)
		return "", false
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		glog.Errorf("Error sending HTTP POST to %v: %v", url, err)
		return "", false
	}

	defer resp.Body.Close()
	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}

	return string(result), resp.StatusCode >= 200 && resp.StatusCode < 300
}

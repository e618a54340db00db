// Command airesctl is a thin CLI client for the AIRES daemon's control
// server (spec §4.9): status, health, drain, reload, and dlq list/replay.
//
// Grounded on cmd/kilroy/attractor_status.go's HTTP-client-plus-pretty-
// printer shape and the teacher's fatih/color usage for terminal status
// coloring.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.StringP("addr", "a", "127.0.0.1:8971", "AIRES control server address")
	timeout := pflag.DurationP("timeout", "t", 5*time.Second, "request timeout")
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	client := &http.Client{Timeout: *timeout}
	base := "http://" + *addr

	var err error
	switch args[0] {
	case "status":
		err = cmdStatus(client, base)
	case "health":
		err = cmdHealth(client, base)
	case "drain":
		err = cmdPost(client, base+"/drain", nil)
	case "reload":
		err = cmdReload(client, base, args[1:])
	case "dlq":
		err = cmdDLQ(client, base, args[1:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		color.Red("error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  airesctl status")
	fmt.Fprintln(os.Stderr, "  airesctl health")
	fmt.Fprintln(os.Stderr, "  airesctl drain")
	fmt.Fprintln(os.Stderr, "  airesctl reload <key> [<key>...]")
	fmt.Fprintln(os.Stderr, "  airesctl dlq list")
	fmt.Fprintln(os.Stderr, "  airesctl dlq replay <file_name>")
}

func cmdStatus(client *http.Client, base string) error {
	resp, err := client.Get(base + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var s struct {
		UptimeSeconds float64        `json:"uptime_seconds"`
		WatcherOK     bool           `json:"watcher_ok"`
		StateCounts   map[string]int `json:"state_counts"`
		LastError     string         `json:"last_error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return err
	}
	fmt.Printf("uptime: %.0fs\n", s.UptimeSeconds)
	if s.WatcherOK {
		color.Green("watcher: running\n")
	} else {
		color.Red("watcher: stopped\n")
	}
	for state, n := range s.StateCounts {
		fmt.Printf("  %-14s %d\n", state, n)
	}
	if s.LastError != "" {
		color.Yellow("last error: %s\n", s.LastError)
	}
	return nil
}

func cmdHealth(client *http.Client, base string) error {
	resp, err := client.Get(base + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var h struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return err
	}
	switch h.Status {
	case "ok":
		color.Green("%s\n", h.Status)
	case "degraded":
		color.Yellow("%s\n", h.Status)
	default:
		color.Red("%s\n", h.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon reported unhealthy status %q", h.Status)
	}
	return nil
}

func cmdPost(client *http.Client, url string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := client.Post(url, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s", string(out))
	}
	fmt.Println(string(out))
	return nil
}

func cmdReload(client *http.Client, base string, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("reload requires at least one key")
	}
	return cmdPost(client, base+"/reload", map[string]any{"keys": keys})
}

func cmdDLQ(client *http.Client, base string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("dlq requires a subcommand: list|replay")
	}
	switch args[0] {
	case "list":
		resp, err := client.Get(base + "/dlq")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		fmt.Println(string(out))
		return nil
	case "replay":
		if len(args) < 2 {
			return fmt.Errorf("dlq replay requires a file_name")
		}
		return cmdPost(client, base+"/dlq/replay", map[string]any{"file_name": args[1]})
	default:
		return fmt.Errorf("unknown dlq subcommand %q", args[0])
	}
}

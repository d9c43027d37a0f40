package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"EchoTrace/internal/config"
	"EchoTrace/internal/query"
)

// --- Main Function ---
func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' for the agent's live statistics, 'history' for stored summaries via the API, 'direct' to query ClickHouse directly.")
	addr := flag.String("addr", "http://localhost:8080", "Agent HTTP API address.")
	measurement := flag.String("measurement", "", "The measurement to query (optional).")
	since := flag.Duration("since", time.Hour, "History window ending now.")
	chHost := flag.String("ch-host", "localhost", "ClickHouse host for direct mode.")
	chPort := flag.Int("ch-port", 9000, "ClickHouse port for direct mode.")
	chPassword := flag.String("ch-password", "", "ClickHouse password for direct mode.")
	flag.Parse()

	log.Printf("Running in '%s' mode.", *mode)

	switch *mode {
	case "api":
		v := url.Values{}
		if *measurement != "" {
			v.Set("measurement", *measurement)
		}
		getJSON(*addr + "/api/v1/latency?" + v.Encode())
	case "history":
		v := url.Values{}
		if *measurement != "" {
			v.Set("measurement", *measurement)
		}
		v.Set("from", time.Now().Add(-*since).UTC().Format(time.RFC3339))
		getJSON(*addr + "/api/v1/history/summary?" + v.Encode())
	case "direct":
		directQueryClickHouse(config.ClickHouseConfig{
			Host:     *chHost,
			Port:     *chPort,
			Database: "default",
			Username: "default",
			Password: *chPassword,
		}, *measurement, *since)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api', 'history' or 'direct'.", *mode)
	}
}

// --- API Query Logic ---
func getJSON(apiURL string) {
	log.Printf("Sending request to %s", apiURL)

	resp, err := http.Get(apiURL)
	if err != nil {
		log.Fatalf("Error sending request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API returned non-200 status code: %d\nResponse: %s", resp.StatusCode, string(respBody))
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, respBody, "", "  "); err != nil {
		log.Printf("Could not prettify JSON, printing raw response:")
		fmt.Println(string(respBody))
		return
	}

	log.Println("---")
	fmt.Println(prettyJSON.String())
}

// --- Direct ClickHouse Query Logic ---
func directQueryClickHouse(cfg config.ClickHouseConfig, measurement string, since time.Duration) {
	q, err := query.NewClickHouseQuerier(cfg)
	if err != nil {
		log.Fatalf("Error connecting to ClickHouse: %v", err)
	}
	log.Println("Successfully connected to ClickHouse.")

	summaries, err := q.Summarize(context.Background(), query.LatencyRequest{
		Measurement: measurement,
		Start:       time.Now().Add(-since),
	})
	if err != nil {
		log.Fatalf("Error executing query: %v", err)
	}

	log.Println("--- Latency Summary (Direct) ---")
	if len(summaries) == 0 {
		log.Println("No data found for the specified criteria.")
		return
	}
	for _, s := range summaries {
		fmt.Printf("Measurement: %s  Group: %s\n", s.Measurement, s.Group)
		fmt.Printf("  Matches: %d (skewed %d)\n", s.Count, s.Skewed)
		fmt.Printf("  Latency min/avg/max: %.3fs / %.3fs / %.3fs\n", s.Min, s.Avg, s.Max)
		fmt.Println("---------------------")
	}
}

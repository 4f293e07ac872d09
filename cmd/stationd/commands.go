package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

type command struct{}

// reachAgent builds an APIClient for the local agent and verifies it is up.
func reachAgent(apiURL string, timeout time.Duration) (*APIClient, error) {
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080/api"
	}
	apiClient := NewAPIClient(apiURL, timeout)
	if !apiClient.IsReachable() {
		return nil, fmt.Errorf("agent not reachable at %s - please start it first with 'stationd serve'", apiURL)
	}
	return apiClient, nil
}

// Status prints the merged batch list, or one batch with recent logs.
func (c command) Status(f StatusFlags) error {
	apiClient, err := reachAgent(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	if f.ID == "" {
		result, err := apiClient.GetBatches()
		if err != nil {
			return err
		}
		printJSON(result)
		return nil
	}
	result, err := apiClient.GetBatch(f.ID)
	if err != nil {
		return err
	}
	printJSON(result)
	if f.Logs > 0 {
		logs, err := apiClient.GetLogs(f.ID, f.Logs)
		if err != nil {
			return err
		}
		printJSON(logs)
	}
	return nil
}

// Stats prints the run counters.
func (c command) Stats(f StatsFlags) error {
	apiClient, err := reachAgent(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	result, err := apiClient.GetStats()
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

// Start requests a sequence start for one batch.
func (c command) Start(f RunFlags) error {
	if f.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	apiClient, err := reachAgent(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	if err := apiClient.StartRun(f.ID); err != nil {
		return err
	}
	fmt.Printf("start requested for %s\n", f.ID)
	return nil
}

// Stop requests a sequence stop for one batch.
func (c command) Stop(f RunFlags) error {
	if f.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	apiClient, err := reachAgent(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	if err := apiClient.StopRun(f.ID); err != nil {
		return err
	}
	fmt.Printf("stop requested for %s\n", f.ID)
	return nil
}

// Subscribe registers interest in batches on the running agent.
func (c command) Subscribe(f SubscribeFlags) error {
	if len(f.IDs) == 0 {
		return fmt.Errorf("at least one batch id is required")
	}
	apiClient, err := reachAgent(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	return apiClient.Subscribe(f.IDs)
}

// Unsubscribe releases interest in batches on the running agent.
func (c command) Unsubscribe(f SubscribeFlags) error {
	if len(f.IDs) == 0 {
		return fmt.Errorf("at least one batch id is required")
	}
	apiClient, err := reachAgent(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	return apiClient.Unsubscribe(f.IDs)
}

// Connection prints the event stream status.
func (c command) Connection(f ConnectionFlags) error {
	apiClient, err := reachAgent(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	result, err := apiClient.GetConnection()
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

// Settings prints the settings map, or stores key=value pairs when given.
func (c command) Settings(f SettingsFlags) error {
	apiClient, err := reachAgent(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	if len(f.Set) == 0 {
		result, err := apiClient.GetSettings()
		if err != nil {
			return err
		}
		printJSON(result)
		return nil
	}
	kv := make(map[string]string, len(f.Set))
	for _, pair := range f.Set {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid setting %q: expected key=value", pair)
		}
		kv[k] = v
	}
	return apiClient.PutSettings(kv)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

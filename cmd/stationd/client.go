package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIClient provides HTTP client functionality to communicate with a running
// stationd agent.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsReachable checks if the agent is running and reachable
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// GetBatches fetches the merged batch list
func (c *APIClient) GetBatches() (interface{}, error) {
	return c.getJSON(c.baseURL + "/batches")
}

// GetBatch fetches one merged batch view
func (c *APIClient) GetBatch(id string) (interface{}, error) {
	return c.getJSON(c.baseURL + "/batches/" + id)
}

// GetLogs fetches recent log lines for a batch
func (c *APIClient) GetLogs(id string, n int) (interface{}, error) {
	url := c.baseURL + "/batches/" + id + "/logs"
	if n > 0 {
		url += "?n=" + strconv.Itoa(n)
	}
	return c.getJSON(url)
}

// GetStats fetches the run counters
func (c *APIClient) GetStats() (interface{}, error) {
	return c.getJSON(c.baseURL + "/stats")
}

// GetConnection fetches the event stream status
func (c *APIClient) GetConnection() (interface{}, error) {
	return c.getJSON(c.baseURL + "/connection")
}

// StartRun starts a batch's sequence via the agent
func (c *APIClient) StartRun(id string) error {
	return c.post(c.baseURL+"/batches/"+id+"/start", nil)
}

// StopRun stops a batch's running sequence via the agent
func (c *APIClient) StopRun(id string) error {
	return c.post(c.baseURL+"/batches/"+id+"/stop", nil)
}

// Subscribe registers interest in batches
func (c *APIClient) Subscribe(ids []string) error {
	return c.post(c.baseURL+"/subscribe", map[string][]string{"ids": ids})
}

// Unsubscribe releases interest in batches
func (c *APIClient) Unsubscribe(ids []string) error {
	return c.post(c.baseURL+"/unsubscribe", map[string][]string{"ids": ids})
}

// GetSettings fetches the operator settings map
func (c *APIClient) GetSettings() (interface{}, error) {
	return c.getJSON(c.baseURL + "/settings")
}

// PutSettings stores operator settings
func (c *APIClient) PutSettings(kv map[string]string) error {
	data, err := json.Marshal(kv)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, c.baseURL+"/settings", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}
	return nil
}

func (c *APIClient) getJSON(url string) (interface{}, error) {
	resp, err := c.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	var result interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *APIClient) post(url string, body interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	resp, err := c.client.Post(url, "application/json", reader)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}
	return nil
}

func (c *APIClient) errorFromResponse(resp *http.Response) error {
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}

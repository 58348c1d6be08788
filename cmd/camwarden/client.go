package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/camwarden"
	"github.com/loykin/camwarden/internal/upload"
)

// APIClient talks to the daemon's status API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8089/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// apiURL derives the API base URL from a listen address.
func apiURL(listen string) string {
	if listen == "" {
		return ""
	}
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	host = strings.Replace(host, "0.0.0.0", "127.0.0.1", 1)
	return "http://" + host + "/api"
}

// IsReachable checks if the daemon is running and reachable.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

func (c *APIClient) Status() (camwarden.Report, error) {
	var rep camwarden.Report
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return rep, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := decode(resp, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (c *APIClient) SyncUploads() (upload.PassResult, error) {
	var res upload.PassResult
	resp, err := c.client.Post(c.baseURL+"/upload/sync", "application/json", nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := decode(resp, &res); err != nil {
		return res, err
	}
	return res, nil
}

func decode(resp *http.Response, v any) error {
	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil && errorResp.Error != "" {
			return fmt.Errorf("daemon: %s", errorResp.Error)
		}
		return fmt.Errorf("daemon: unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

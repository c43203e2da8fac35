package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// apiClient is a thin client for the operator API of a running supervisor.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "127.0.0.1:9601", "operator API address of the running supervisor")
	cmd.Flags().String("token", "", "operator API bearer token")
}

func resolveClient(cmd *cobra.Command) (*apiClient, error) {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	if addr == "" {
		return nil, fmt.Errorf("operator API address is required")
	}
	return &apiClient{
		base:  "http://" + addr,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("supervisor unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s", apiErr.Message)
		}
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, out)
}

func (c *apiClient) post(path string, out any) error {
	return c.do(http.MethodPost, path, out)
}

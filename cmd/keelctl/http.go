package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(url string) (string, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("keelctl: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	return readPretty(resp)
}

func postNamespace(addr, action, name string) error {
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/namespace/%s", addr, action)
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("keelctl: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := readPretty(resp)
	if err != nil {
		return err
	}
	fmt.Println(body)
	return nil
}

func readPretty(resp *http.Response) (string, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("keelctl: read response: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw), nil
	}
	return string(pretty), nil
}

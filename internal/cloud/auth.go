package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoToken is returned when an auth response carries no token
var ErrNoToken = errors.New("no token in auth response")

// Credentials identify the device to the auth endpoint
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceID   string `json:"deviceId"`
	HardwareID string `json:"hardwareId"`
	DeviceName string `json:"deviceName"`
}

// Login exchanges credentials for a device token and stores it
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	if creds.DeviceID == "" {
		creds.DeviceID = c.deviceID
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	body, err := c.do(ctx, request{method: http.MethodPost, path: LoginPath, body: payload})
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	token, err := extractToken(body)
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	c.storeToken(ctx, token)
	c.logger.Info("Device authenticated")
	return nil
}

// Refresh renews the current token
func (c *Client) Refresh(ctx context.Context) error {
	if !c.Authenticated() {
		return ErrUnauthorized
	}
	payload, err := json.Marshal(map[string]string{"deviceId": c.deviceID})
	if err != nil {
		return fmt.Errorf("failed to encode refresh request: %w", err)
	}
	body, err := c.do(ctx, request{method: http.MethodPost, path: RefreshPath, body: payload})
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	token, err := extractToken(body)
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	c.storeToken(ctx, token)
	c.logger.Debug("Device token refreshed")
	return nil
}

type tokenResponse struct {
	DeviceToken string `json:"deviceToken"`
	Token       string `json:"token"`
	Data        *struct {
		DeviceToken string `json:"deviceToken"`
		Token       string `json:"token"`
	} `json:"data"`
}

func extractToken(body []byte) (string, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse auth response: %w", err)
	}
	candidates := []string{resp.DeviceToken, resp.Token}
	if resp.Data != nil {
		candidates = append(candidates, resp.Data.DeviceToken, resp.Data.Token)
	}
	for _, t := range candidates {
		if t != "" {
			return t, nil
		}
	}
	return "", ErrNoToken
}

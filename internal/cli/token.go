package cli

import (
	"fmt"
	"time"

	"driverlink/internal/auth"
)

// GenerateDriverToken mints a short-lived session token for a driver id.
// It uses auth.Manager and returns the raw token plus the decoded claims.
//
// Typical use (dev-only):
//
//	token, _, err := cli.GenerateDriverToken(secret, "driver-042", 2*time.Hour)
//
// Keep this package dev/internal only. Do not call it from production code paths.
func GenerateDriverToken(secret, driverID string, ttl time.Duration) (string, auth.Claims, error) {
	mgr, err := auth.NewManager(secret, ttl)
	if err != nil {
		return "", auth.Claims{}, err
	}

	token, err := mgr.IssueDriverToken(driverID)
	if err != nil {
		return "", auth.Claims{}, fmt.Errorf("issue token: %w", err)
	}

	claims, err := mgr.ParseAndValidate(token)
	if err != nil {
		return "", auth.Claims{}, fmt.Errorf("verify minted token: %w", err)
	}

	return token, *claims, nil
}

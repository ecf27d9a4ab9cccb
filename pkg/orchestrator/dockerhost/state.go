package dockerhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/orchestrator"
)

// The engine has no secret or service objects outside swarm mode, so
// credential material and endpoint registrations live in a private
// state directory on the control plane host.

func (h *Host) stateDir(username string) string {
	return filepath.Join(h.stateRoot, orchestrator.WorkloadName(username))
}

func (h *Host) writeStateFile(username, file string, v any) error {
	dir := h.stateDir(username)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", file, err)
	}
	tmp := filepath.Join(dir, "."+file+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	return os.Rename(tmp, filepath.Join(dir, file))
}

func (h *Host) readStateFile(username, file string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(h.stateDir(username), file))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func (h *Host) removeStateFile(username, file string) error {
	err := os.Remove(filepath.Join(h.stateDir(username), file))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	// Drop the directory once empty.
	_ = os.Remove(h.stateDir(username))
	return nil
}

// CreateCredentialSecret stores the user's credential material.
func (h *Host) CreateCredentialSecret(ctx context.Context, username string, data map[string][]byte) error {
	return h.writeStateFile(username, "credentials.json", data)
}

// GetCredentialSecret loads the user's credential material.
func (h *Host) GetCredentialSecret(ctx context.Context, username string) (map[string][]byte, error) {
	var data map[string][]byte
	ok, err := h.readStateFile(username, "credentials.json", &data)
	if err != nil {
		return nil, apperr.Operation("credentials_read", "failed to read credential secret", err)
	}
	if !ok {
		return nil, apperr.Precondition("credentials_not_found", "no credential secret for %s", username)
	}
	return data, nil
}

// DeleteCredentialSecret removes the user's credential material.
// Deleting an absent secret is success.
func (h *Host) DeleteCredentialSecret(ctx context.Context, username string) error {
	return h.removeStateFile(username, "credentials.json")
}

type endpointState struct {
	Node  string         `json:"node"`
	Ports map[string]int `json:"ports"`
}

// CreateEndpoints records the user's named service ports.
func (h *Host) CreateEndpoints(ctx context.Context, username, node string, ports map[string]int) error {
	return h.writeStateFile(username, "endpoints.json", endpointState{Node: node, Ports: ports})
}

// DeleteEndpoints removes the user's endpoint registration.
func (h *Host) DeleteEndpoints(ctx context.Context, username string) error {
	return h.removeStateFile(username, "endpoints.json")
}

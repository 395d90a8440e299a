// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"videofleet/src/logging"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const sandboxNetworkName = "videofleet_automation"

// EnsureSandboxNetwork creates or retrieves the bridge network the
// automation containers share.
func EnsureSandboxNetwork(ctx context.Context, cli client.APIClient) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}

	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create sandbox network: %v", err), slog.LevelError)
		return "", err
	}

	return resp.ID, nil
}

// EnsureImage pulls imageName so the first worker open does not stall on it.
func EnsureImage(ctx context.Context, cli client.APIClient, imageName string) error {
	logging.Log(fmt.Sprintf("Ensuring Docker image %s is available...", imageName), slog.LevelInfo)
	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", imageName, err)
	}
	logging.Log("Docker image is ready.", slog.LevelInfo)
	return nil
}

package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

const agentDockerfile = "Dockerfile.agent"

// BuildAgentImage builds the agent runner image from the working directory.
// Build progress is logged line by line so a broken Dockerfile is diagnosable
// from the gateway log.
func BuildAgentImage(ctx context.Context, docker *client.Client, imageName string) error {
	contextDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve build context: %w", err)
	}

	tarStream, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := docker.ImageBuild(ctx, tarStream, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: agentDockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", imageName, err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			return fmt.Errorf("build image %s: %s", imageName, line.Error)
		}
		if line.Stream != "" && line.Stream != "\n" {
			slog.Debug("image build", "output", line.Stream)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("agent image built", "image", imageName)
	return nil
}

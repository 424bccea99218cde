package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"

	"github.com/tkenaz/titan/internal/apperrors"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// resolveImage returns the image to launch a plugin's container from:
// the tagged per-plugin build if Requirements is non-empty, otherwise
// cfg.Image pulled as-is.
func (e *Executor) resolveImage(ctx context.Context, cfg Config, pluginDir string) (string, error) {
	if len(cfg.Requirements) == 0 {
		if err := e.ensurePulled(ctx, cfg.Image); err != nil {
			return "", err
		}
		return cfg.Image, nil
	}
	tag := cfg.ImageTag()
	if err := e.buildImage(ctx, cfg, tag); err != nil {
		return "", err
	}
	return tag, nil
}

func (e *Executor) ensurePulled(ctx context.Context, image string) error {
	if _, _, err := e.docker.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	reader, err := e.docker.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return apperrors.Sandbox(fmt.Sprintf("pull image %s: %v", image, err))
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperrors.Sandbox(fmt.Sprintf("read pull response for %s: %v", image, err))
	}
	return nil
}

// buildImage builds a minimal per-plugin image layering cfg.Requirements
// over cfg.Image, tagged as tag. It runs on every invocation of a plugin
// with requirements. A build failure is returned as a Sandbox error that
// fails that invocation, with no fallback to the unpatched base image;
// the plugin stays loaded.
func (e *Executor) buildImage(ctx context.Context, cfg Config, tag string) error {
	dockerfile := buildDockerfile(cfg)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{Name: "Dockerfile", Size: int64(len(dockerfile)), Mode: 0o644}
	if err := tw.WriteHeader(header); err != nil {
		return apperrors.Sandbox(fmt.Sprintf("build image %s: tar header: %v", tag, err))
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return apperrors.Sandbox(fmt.Sprintf("build image %s: tar write: %v", tag, err))
	}
	if err := tw.Close(); err != nil {
		return apperrors.Sandbox(fmt.Sprintf("build image %s: tar close: %v", tag, err))
	}

	resp, err := e.docker.ImageBuild(ctx, &buf, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return apperrors.Sandbox(fmt.Sprintf("build image %s: %v", tag, err))
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return apperrors.Sandbox(fmt.Sprintf("build image %s: read response: %v", tag, err))
	}
	return nil
}

// buildDockerfile generates a minimal build context installing a
// plugin's declared requirements over its base image. Requirements are
// treated as pip-style package names, matching the reference platform's
// Python-plugin assumption; a plugin with no requirements never reaches
// this path.
func buildDockerfile(cfg Config) string {
	installLine := "RUN pip install --no-cache-dir"
	for _, req := range cfg.Requirements {
		installLine += " " + req
	}
	return fmt.Sprintf("FROM %s\n%s\n", cfg.Image, installLine)
}

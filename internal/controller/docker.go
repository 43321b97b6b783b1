package controller

import "fmt"

// dockerRunArgs builds `docker run` arguments for an ephemeral,
// network-disabled, read-only-root container with the workspace
// bind-mounted as the only writable path, per the RUN_TESTS container
// backend described in spec ss4.2. Adapted from the teacher's
// tactile.DockerExecutor.buildDockerArgs (internal/tactile/docker.go),
// narrowed from that executor's general Command/SandboxConfig surface
// down to the kernel's single RUN_TESTS use case.
func dockerRunArgs(sb SandboxConfig, workspaceRoot string, argv []string) []string {
	args := []string{"run", "--rm"}

	networkMode := "bridge"
	if sb.NetworkDisabled {
		networkMode = "none"
	}
	args = append(args, "--network", networkMode)

	if sb.ReadOnlyRootFS {
		args = append(args, "--read-only", "--tmpfs", "/tmp:size=100m")
	}

	args = append(args, "--security-opt", "no-new-privileges")
	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", workspaceRoot, workspaceRoot))
	args = append(args, "-w", workspaceRoot)

	if sb.MemoryLimitMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", sb.MemoryLimitMB))
	}
	if sb.CPUQuota != "" {
		args = append(args, "--cpus", sb.CPUQuota)
	}

	image := sb.DockerImage
	if image == "" {
		image = "python:3.11-slim"
	}
	args = append(args, image)
	args = append(args, argv...)
	return args
}

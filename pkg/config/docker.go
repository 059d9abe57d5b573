package config

import (
	"os"
	"sync"
)

// dockerEnvPath exists in every Docker container.
var dockerEnvPath = "/.dockerenv"

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the process runs inside a Docker container.
// The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat(dockerEnvPath)
		isDockerResult = err == nil
	})
	return isDockerResult
}

// dockerHost rewrites loopback hosts to host.docker.internal so a containerized
// resolver reaches PostgreSQL and Redis running on the host machine.
func dockerHost(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}

// resolveDockerHosts applies dockerHost to the store hosts.
func (c *Config) resolveDockerHosts(inDocker bool) {
	c.Database.Host = dockerHost(c.Database.Host, inDocker)
	if c.Redis.Host != "" {
		c.Redis.Host = dockerHost(c.Redis.Host, inDocker)
	}
}

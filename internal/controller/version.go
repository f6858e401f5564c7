package controller

import (
	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"k8s.io/client-go/discovery"
)

// MinServerVersion is the oldest API server with coordination.k8s.io/v1
// Leases, events.k8s.io/v1 and watch bookmarks.
const MinServerVersion = "1.19.0"

// CheckServerVersion fails if the API server is older than MinServerVersion.
// It is also the first request made, so connectivity problems surface here.
func CheckServerVersion(client discovery.ServerVersionInterface) (string, error) {
	info, err := client.ServerVersion()
	if err != nil {
		return "", errors.Wrap(err, "failed to reach API server")
	}

	version, err := semver.NewVersion(info.GitVersion)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse API server version %q", info.GitVersion)
	}

	// Prereleases and vendor suffixes like -gke.100 count as their release.
	constraint, err := semver.NewConstraint(">= " + MinServerVersion + "-0")
	if err != nil {
		return "", errors.Wrap(err, "invalid version constraint")
	}

	if !constraint.Check(version) {
		return "", errors.Newf("API server %s is older than the required %s", info.GitVersion, MinServerVersion)
	}

	return info.GitVersion, nil
}

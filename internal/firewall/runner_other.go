//go:build !linux

package firewall

import (
	"context"
	"errors"
)

const platformSupported = false

type noopRunner struct{}

func newPlatformRunner() runner { return noopRunner{} }

func (noopRunner) run(ctx context.Context, args ...string) (string, error) {
	return "", errors.New("firewall: nft is not available on this platform")
}

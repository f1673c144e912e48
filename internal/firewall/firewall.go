// Package firewall narrows or opens the UDP port a championship's ingest
// service listens on, by shelling out to nft on Linux. It is a no-op on
// every other platform, and can be disabled entirely by configuration.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrRuleExists is returned by Open when id already has a rule.
	ErrRuleExists = errors.New("firewall: rule already exists")
	// ErrRuleNotFound is returned by operations referencing an id with no
	// known rule.
	ErrRuleNotFound = errors.New("firewall: rule not found")
	// ErrExecutionError wraps a non-zero exit or unexpected failure from the
	// underlying nft invocation.
	ErrExecutionError = errors.New("firewall: nft execution failed")
	// ErrParseError is returned when the rule handle cannot be recovered
	// from `nft -a list ruleset` output.
	ErrParseError = errors.New("firewall: failed to parse rule handle")
)

// execError carries an nft invocation's stderr alongside the underlying
// os/exec error, so a log line can show operators what nft actually said.
type execError struct {
	stderr string
	cause  error
}

func (e *execError) Error() string {
	if e.stderr == "" {
		return e.cause.Error()
	}
	return e.cause.Error() + ": " + e.stderr
}

func (e *execError) Unwrap() error { return e.cause }

type ruleKind int

const (
	kindOpen ruleKind = iota
	kindRestricted
)

type rule struct {
	port   int
	kind   ruleKind
	handle string
}

// runner executes an nft invocation and returns its stdout, or an error if
// the command failed to run or exited non-zero. Implemented per-platform:
// runner_linux.go shells out to the real nft binary, runner_other.go
// returns an error for every call. On platforms without nft, New disables
// the Helper, so that runner is never reached through Helper's operations.
type runner interface {
	run(ctx context.Context, args ...string) (string, error)
}

// handlePattern matches the "# handle N" suffix nft appends to each rule
// line when listed with -a.
var handlePattern = regexp.MustCompile(`#\s+handle\s+(\d+)`)

// Helper is the process-wide firewall controller, holding one rule per
// championship id. A disabled Helper's every operation is a no-op that
// returns nil.
type Helper struct {
	enabled bool
	log     *zap.Logger
	run     runner
	breaker *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	rules map[int32]*rule
}

// New returns a Helper. When enabled is false, or the platform has no nft
// support, every operation is a no-op: F1Service never needs to branch on
// platform or configuration itself.
func New(enabled bool, log *zap.Logger) *Helper {
	h := &Helper{
		enabled: enabled && platformSupported,
		log:     log,
		run:     newPlatformRunner(),
		rules:   make(map[int32]*rule),
	}
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "firewall-nft",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	if enabled && !platformSupported {
		log.Warn("firewall disabled: unsupported platform")
	}
	return h
}

// Open adds an accept rule for port and associates it with id.
func (h *Helper) Open(ctx context.Context, id int32, port int) error {
	if !h.enabled {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rules[id]; exists {
		return ErrRuleExists
	}

	pattern := fmt.Sprintf("udp dport %d accept", port)
	if _, err := h.exec(ctx, "add", "rule", "inet", "nftables_svc", "allow", "udp", "dport", fmt.Sprint(port), "accept"); err != nil {
		return err
	}

	handle, err := h.findHandle(ctx, pattern)
	if err != nil {
		return err
	}

	h.rules[id] = &rule{port: port, kind: kindOpen, handle: handle}
	return nil
}

// RestrictToIP narrows an existing open rule down to a single source IP:
// deletes the prior rule and inserts a replacement scoped to ip.
func (h *Helper) RestrictToIP(ctx context.Context, id int32, ip string) error {
	if !h.enabled {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rules[id]
	if !ok {
		return ErrRuleNotFound
	}

	if _, err := h.exec(ctx, "delete", "rule", "inet", "nftables_svc", "allow", "handle", r.handle); err != nil {
		return err
	}

	if _, err := h.exec(ctx, "add", "rule", "inet", "nftables_svc", "allow", "ip", "saddr", ip, "udp", "dport", fmt.Sprint(r.port), "accept"); err != nil {
		return err
	}

	pattern := fmt.Sprintf("ip saddr %s udp dport %d accept", ip, r.port)
	handle, err := h.findHandle(ctx, pattern)
	if err != nil {
		return err
	}

	r.handle = handle
	r.kind = kindRestricted
	return nil
}

// Close deletes the rule associated with id and forgets it.
func (h *Helper) Close(ctx context.Context, id int32) error {
	if !h.enabled {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rules[id]
	if !ok {
		return ErrRuleNotFound
	}

	if _, err := h.exec(ctx, "delete", "rule", "inet", "nftables_svc", "allow", "handle", r.handle); err != nil {
		return err
	}
	delete(h.rules, id)
	return nil
}

// CloseAll tears down every known rule. Used on process shutdown.
func (h *Helper) CloseAll(ctx context.Context) error {
	if !h.enabled {
		return nil
	}

	h.mu.RLock()
	ids := make([]int32, 0, len(h.rules))
	for id := range h.rules {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		if err := h.Close(ctx, id); err != nil && !errors.Is(err, ErrRuleNotFound) {
			return err
		}
	}
	return nil
}

// findHandle lists the current ruleset and extracts the handle nft assigned
// to the rule matching pattern. Caller must hold h.mu.
func (h *Helper) findHandle(ctx context.Context, pattern string) (string, error) {
	out, err := h.exec(ctx, "-a", "list", "ruleset")
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, pattern) {
			continue
		}
		m := handlePattern.FindStringSubmatch(line)
		if m == nil {
			return "", ErrParseError
		}
		return m[1], nil
	}
	return "", ErrRuleNotFound
}

// exec runs an nft invocation through the circuit breaker, so repeated nft
// failures (a misconfigured host, a missing binary) stop hammering the
// shell and fail fast instead.
func (h *Helper) exec(ctx context.Context, args ...string) (string, error) {
	out, err := h.breaker.Execute(func() (interface{}, error) {
		return h.run.run(ctx, args...)
	})
	if err != nil {
		h.log.Error("nft command failed", zap.Strings("args", args), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrExecutionError, err)
	}
	return out.(string), nil
}

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/Paintersrp/geark/internal/logging"
)

// Validate checks the document for unknown kinds, missing fields and task
// keys that would collide once the tree is flattened into the registry.
func (c *Config) Validate() error {
	if err := validateAddr(c.Server.Addr, true); err != nil {
		return fmt.Errorf("%s: %w", fieldPath("server", "addr"), err)
	}
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("%s: unknown level %q", fieldPath("logging", "level"), c.Logging.Level)
	}
	if _, ok := logging.ParseFormat(c.Logging.Format); !ok {
		return fmt.Errorf("%s: unknown format %q", fieldPath("logging", "format"), c.Logging.Format)
	}

	seen := make(map[string]string)
	for _, name := range c.TasksSorted() {
		if err := validateTree([]string{name}, name, c.Tasks[name], seen); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTask checks a single task tree rooted at key.
func ValidateTask(key string, spec *TaskSpec) error {
	return validateTree([]string{key}, key, spec, make(map[string]string))
}

func validateTree(path []string, key string, spec *TaskSpec, seen map[string]string) error {
	field := taskField(path)
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s: task key must not be empty", field)
	}
	if prev, dup := seen[key]; dup {
		return fmt.Errorf("%s: task key %q already declared at %s", field, key, prev)
	}
	seen[key] = field
	if spec == nil {
		return fmt.Errorf("%s: task definition is empty", field)
	}
	if err := validateSpec(path, spec); err != nil {
		return err
	}
	for _, name := range spec.ChildrenSorted() {
		childPath := append(append([]string(nil), path...), "children", name)
		if err := validateTree(childPath, name, spec.Children[name], seen); err != nil {
			return err
		}
	}
	return nil
}

func validateSpec(path []string, spec *TaskSpec) error {
	if spec.Kind != KindGroup && len(spec.Children) > 0 {
		return fmt.Errorf("%s: only group tasks may declare children", taskField(path, "children"))
	}
	if spec.Interval.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", taskField(path, "interval"))
	}
	if spec.Timeout.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", taskField(path, "timeout"))
	}
	if spec.GracePeriod.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", taskField(path, "gracePeriod"))
	}
	if spec.FailureThreshold < 0 {
		return fmt.Errorf("%s: must not be negative", taskField(path, "failureThreshold"))
	}

	switch spec.Kind {
	case KindProcess:
		if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
			return fmt.Errorf("%s: process tasks require a command", taskField(path, "command"))
		}
	case KindHeartbeat:
	case KindHTTP:
		u, err := url.Parse(spec.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s: invalid http url %q", taskField(path, "url"), spec.URL)
		}
		for idx, code := range spec.ExpectStatus {
			if code < 100 || code > 599 {
				return fmt.Errorf("%s: invalid status code %d", taskField(path, fmt.Sprintf("expectStatus[%d]", idx)), code)
			}
		}
	case KindTCP:
		if err := validateAddr(spec.Address, false); err != nil {
			return fmt.Errorf("%s: %w", taskField(path, "address"), err)
		}
	case KindGroup:
		if len(spec.Children) == 0 {
			return fmt.Errorf("%s: group tasks require at least one child", taskField(path, "children"))
		}
	case "":
		return fmt.Errorf("%s: kind is required", taskField(path, "kind"))
	default:
		return fmt.Errorf("%s: unsupported kind %q (expected one of %s)", taskField(path, "kind"), spec.Kind, strings.Join(Kinds(), ", "))
	}
	return nil
}

// validateAddr checks a host:port pair. Listener addresses may bind port 0.
func validateAddr(addr string, listen bool) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address must not be empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !listen && host == "" {
		return fmt.Errorf("invalid address %q: host must be specified", addr)
	}
	if port == "" {
		return fmt.Errorf("invalid address %q: port must be specified", addr)
	}
	num, err := nat.ParsePort(port)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if num == 0 && !listen {
		return fmt.Errorf("invalid address %q: port must be in range 1-65535", addr)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// ResolveValue expands indirect config values:
//
//	op://vault/item/field    1Password secret via `op read`
//	srv://_svc._tcp.host/p   DNS SRV lookup, https
//	srv+http://...           DNS SRV lookup, plain http (local servers)
//	$(command)               trimmed command output
//	$VAR / ${VAR}            environment variable
//
// Anything else is returned unchanged.
func ResolveValue(value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", nil
	case strings.HasPrefix(value, "op://"):
		return readOnePassword(value)
	case strings.HasPrefix(value, "srv://"):
		return lookupSRV(strings.TrimPrefix(value, "srv://"), "https")
	case strings.HasPrefix(value, "srv+http://"):
		return lookupSRV(strings.TrimPrefix(value, "srv+http://"), "http")
	case strings.HasPrefix(value, "$(") && strings.HasSuffix(value, ")"):
		return runCommand("sh", "-c", value[2:len(value)-1])
	default:
		return expandEnv(value), nil
	}
}

// expandEnv expands $VAR and ${VAR}. Unset variables expand to "".
func expandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

// readOnePassword accepts op://vault/item/field with an optional
// ?account=team.1password.com query.
func readOnePassword(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("1password: invalid reference: %w", err)
	}
	clean := "op://" + u.Host + u.Path
	args := []string{"read", clean}
	if account := u.Query().Get("account"); account != "" {
		args = append(args, "--account", account)
	}
	out, err := runCommand("op", args...)
	if err != nil {
		return "", fmt.Errorf("1password: read %s: %w (is the op CLI signed in?)", clean, err)
	}
	return out, nil
}

func lookupSRV(rest, scheme string) (string, error) {
	record, path, _ := strings.Cut(rest, "/")
	if record == "" {
		return "", fmt.Errorf("srv: missing record name")
	}
	_, addrs, err := net.LookupSRV("", "", record)
	if err != nil {
		return "", fmt.Errorf("srv: lookup %s: %w", record, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("srv: no records for %s", record)
	}
	// LookupSRV already orders by priority and weight.
	host := strings.TrimSuffix(addrs[0].Target, ".")
	u := fmt.Sprintf("%s://%s:%d", scheme, host, addrs[0].Port)
	if path != "" {
		u += "/" + path
	}
	return u, nil
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("command failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// internal/remote/chromium/options.go
package chromium

import (
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Options configures the browser process.
type Options struct {
	ExecPath        string
	Headless        bool
	UserAgent       string
	IgnoreTLSErrors bool
	// Args are extra command line flags, "--name=value" or "--name".
	Args          []string
	LaunchTimeout time.Duration
}

// flags assembles the command line flags on top of chromedp's defaults.
// Engine parameters are applied last, so a session can override anything.
func flags(opts Options, params map[string]string, goos string) map[string]interface{} {
	out := map[string]interface{}{
		"enable-automation":         false,
		"headless":                  opts.Headless,
		"ignore-certificate-errors": opts.IgnoreTLSErrors,
		"disable-blink-features":    "AutomationControlled",
		"disable-extensions":        true,
		"disable-gpu":               opts.Headless,
	}
	if goos == "linux" {
		out["no-sandbox"] = true
		out["disable-dev-shm-usage"] = true
		out["disable-setuid-sandbox"] = true
	}
	for _, arg := range opts.Args {
		name, value := splitFlag(arg)
		out[name] = value
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.TrimPrefix(k, "--")
		out[name] = flagValue(params[k])
	}
	return out
}

func splitFlag(arg string) (string, interface{}) {
	parts := strings.SplitN(arg, "=", 2)
	name := strings.TrimPrefix(parts[0], "--")
	if len(parts) == 2 {
		return name, flagValue(parts[1])
	}
	return name, true
}

func flagValue(v string) interface{} {
	switch strings.ToLower(v) {
	case "true", "":
		return true
	case "false":
		return false
	}
	return v
}

// allocatorOptions turns Options and engine parameters into chromedp allocator options.
func allocatorOptions(opts Options, params map[string]string) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range flags(opts, params, runtime.GOOS) {
		out = append(out, chromedp.Flag(name, value))
	}
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	return out
}

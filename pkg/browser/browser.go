// Package browser opens authorization URLs in the user's browser.
package browser

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ErrUnsupported is returned where no way to launch a browser is known.
var ErrUnsupported = errors.New("no browser launcher for this platform")

// Open opens the specified URL in the default browser. It does not wait
// for the browser to exit.
func Open(url string) error {
	name, args, err := command(runtime.GOOS, os.Getenv("BROWSER"), isWSL(), url)
	if err != nil {
		return err
	}

	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// command picks the launcher. $BROWSER wins when set; WSL hands the URL to
// the Windows side since xdg-open usually has nothing to open it with.
func command(goos, browserEnv string, wsl bool, url string) (string, []string, error) {
	if browserEnv != "" {
		fields := strings.Fields(browserEnv)
		return fields[0], append(fields[1:], url), nil
	}

	switch goos {
	case "darwin":
		return "open", []string{url}, nil
	case "linux":
		if wsl {
			return "cmd.exe", []string{"/c", "start", "", strings.ReplaceAll(url, "&", "^&")}, nil
		}
		return "xdg-open", []string{url}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}, nil
	case "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{url}, nil
	}
	return "", nil, ErrUnsupported
}

func isWSL() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	version := strings.ToLower(string(data))
	return strings.Contains(version, "microsoft") || strings.Contains(version, "wsl")
}

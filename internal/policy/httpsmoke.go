package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nibblerhq/nibbler/internal/contract"
)

const (
	defaultSmokeTimeout   = 60 * time.Second
	defaultRequestTimeout = 3 * time.Second
	smokeSettleDelay      = 1500 * time.Millisecond
	smokePollInterval     = 500 * time.Millisecond
)

// fatalLogPatterns are well-known startup failures that make a probe
// success meaningless (the process answered before crashing on module
// resolution).
var fatalLogPatterns = []string{
	"Cannot find module",
	"Module not found",
	"ERR_MODULE_NOT_FOUND",
	"MODULE_NOT_FOUND",
	"Error: Cannot resolve",
}

var localURLRe = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|\[::1\]):\d+[^\s"']*`)

// checkHTTPSmoke starts the command detached in its own process group,
// polls the configured URL plus any localhost URLs the process prints,
// and accepts any 2xx/3xx response. The process group is always
// terminated on exit.
func checkHTTPSmoke(in CompletionInput, c contract.Criterion) CriterionResult {
	out := CriterionResult{Kind: c.Kind}
	if strings.TrimSpace(c.StartCommand) == "" || strings.TrimSpace(c.URL) == "" {
		out.Detail = "local_http_smoke requires start_command and url"
		return out
	}

	timeout := defaultSmokeTimeout
	if c.TimeoutMs > 0 {
		timeout = time.Duration(c.TimeoutMs) * time.Millisecond
	}
	requestTimeout := defaultRequestTimeout
	if c.RequestTimeoutMs > 0 {
		requestTimeout = time.Duration(c.RequestTimeoutMs) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.Command("sh", "-c", c.StartCommand)
	cmd.Dir = in.Workspace
	// Own process group so one signal reaches every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logMu sync.Mutex
	var logBuf strings.Builder
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.Detail = fmt.Sprintf("pipe stdout: %v", err)
		return out
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out.Detail = fmt.Sprintf("pipe stderr: %v", err)
		return out
	}

	if err := cmd.Start(); err != nil {
		out.Detail = fmt.Sprintf("start command: %v", err)
		return out
	}
	defer killProcessGroup(cmd)

	var readers errgroup.Group
	for _, pipe := range []io.Reader{stdout, stderr} {
		pipe := pipe
		readers.Go(func() error {
			buf := make([]byte, 4096)
			for {
				n, err := pipe.Read(buf)
				if n > 0 {
					logMu.Lock()
					logBuf.Write(buf[:n])
					logMu.Unlock()
				}
				if err != nil {
					return nil
				}
			}
		})
	}

	client := &http.Client{Timeout: requestTimeout}
	probed := false
	for !probed {
		select {
		case <-ctx.Done():
			out.Detail = fmt.Sprintf("no successful probe within %s; logs: %s",
				timeout, truncate(snapshotLogs(&logMu, &logBuf), 1000))
			return out
		case <-time.After(smokePollInterval):
		}

		for _, url := range candidateURLs(c.URL, snapshotLogs(&logMu, &logBuf)) {
			if probeOnce(client, url) {
				probed = true
				out.Detail = "probe succeeded: " + url
				break
			}
		}
	}

	// Settle delay: a crash right after answering still fails the check.
	time.Sleep(smokeSettleDelay)
	logs := snapshotLogs(&logMu, &logBuf)
	for _, pattern := range fatalLogPatterns {
		if strings.Contains(logs, pattern) {
			out.Detail = "fatal startup pattern in logs: " + pattern
			return out
		}
	}

	out.Passed = true
	return out
}

func snapshotLogs(mu *sync.Mutex, buf *strings.Builder) string {
	mu.Lock()
	defer mu.Unlock()
	return buf.String()
}

// candidateURLs returns the configured URL plus localhost URLs scraped
// from process output, each with IPv4/IPv6 host variants.
func candidateURLs(configured, logs string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(url string) {
		for _, variant := range hostVariants(url) {
			if !seen[variant] {
				seen[variant] = true
				out = append(out, variant)
			}
		}
	}
	add(configured)
	for _, url := range localURLRe.FindAllString(logs, -1) {
		add(url)
	}
	return out
}

func hostVariants(url string) []string {
	variants := []string{url}
	switch {
	case strings.Contains(url, "localhost"):
		variants = append(variants, strings.Replace(url, "localhost", "127.0.0.1", 1))
	case strings.Contains(url, "127.0.0.1"):
		variants = append(variants, strings.Replace(url, "127.0.0.1", "localhost", 1))
	}
	return variants
}

func probeOnce(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// killProcessGroup terminates the command's process group: SIGTERM,
// short grace, then SIGKILL.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM) //nolint:errcheck

	done := make(chan struct{})
	go func() {
		cmd.Wait() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
		syscall.Kill(pgid, syscall.SIGKILL) //nolint:errcheck
		<-done
	}
}

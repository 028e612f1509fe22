package ops

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// AlertReporter surfaces credential failures to the operator. Each
// account is alerted at most once per process.
type AlertReporter struct {
	w      io.Writer
	logger *Logger

	mu      sync.Mutex
	alerted map[string]struct{}
}

// NewAlertReporter writes alerts to w (stderr when nil)
func NewAlertReporter(w io.Writer, logger *Logger) *AlertReporter {
	if w == nil {
		w = os.Stderr
	}
	return &AlertReporter{
		w:       w,
		logger:  OrDefault(logger).WithComponent("alert"),
		alerted: make(map[string]struct{}),
	}
}

// ReportAuthFailure prints a blocking alert for handle. Returns false if
// the account was already alerted.
func (r *AlertReporter) ReportAuthFailure(handle string, err error) bool {
	key := strings.ToLower(handle)
	r.mu.Lock()
	if _, ok := r.alerted[key]; ok {
		r.mu.Unlock()
		return false
	}
	r.alerted[key] = struct{}{}
	r.mu.Unlock()

	r.logger.Error("credentials rejected, polling suspended", "account", handle, "error", err)

	title := color.New(color.FgRed, color.Bold)
	hint := color.New(color.FgYellow)
	title.Fprintf(r.w, "\n[!] @%s: the remote API rejected this account's credentials\n", handle)
	hint.Fprintf(r.w, "    %v\n", err)
	hint.Fprintf(r.w, "    Polling for @%s is suspended. Issue a new token, update the\n", handle)
	hint.Fprintf(r.w, "    accounts section of the config (or FEEDGRAPH_TOKEN_%s) and restart.\n\n", strings.ToUpper(handle))
	return true
}

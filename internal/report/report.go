// Package report renders the human readable progress and result lines.
package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/cybertec-postgresql/lagprobe/internal/probe"
	"github.com/cybertec-postgresql/lagprobe/internal/store"
)

const ruleWidth = 50

// Reporter writes to w. It implements probe.Observer.
type Reporter struct {
	w io.Writer

	title lipgloss.Style
	label lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
	box   lipgloss.Style
}

var _ probe.Observer = (*Reporter)(nil)

// New creates a reporter. Colors are only used when w is a terminal.
func New(w io.Writer) *Reporter {
	r := lipgloss.NewRenderer(w)
	return &Reporter{
		w:     w,
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label: r.NewStyle().Width(26),
		ok:    r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		fail:  r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1),
	}
}

func (r *Reporter) printf(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}

func (r *Reporter) rule() {
	r.printf("%s", strings.Repeat("-", ruleWidth))
}

func (r *Reporter) field(name string, value any) {
	r.printf("%s: %v", r.label.Render(name), value)
}

// Header announces the measurement
func (r *Reporter) Header(cfg probe.Config) {
	r.printf("%s", r.title.Render("Replication lag & eventual consistency probe"))
	r.printf("   Primary : %s", cfg.Primary)
	r.printf("   Replica : %s", cfg.Replica)
	r.printf("   Load    : %d keys x %s", cfg.WriteCount, FormatSize(cfg.ValueSize))
	r.rule()
}

// Connected implements probe.Observer
func (r *Reporter) Connected(cfg probe.Config, secondaryErr error) {
	r.printf("%s", r.ok.Render("Connected to primary and replica."))
	if cfg.Secondary == nil {
		return
	}
	if secondaryErr != nil {
		r.printf("%s", r.warn.Render(fmt.Sprintf("Secondary replica %s is not healthy: %v", cfg.Secondary, secondaryErr)))
		return
	}
	r.printf("Secondary replica %s is healthy.", cfg.Secondary)
}

// Reset implements probe.Observer
func (r *Reporter) Reset(waited time.Duration) {
	if waited > 0 {
		r.printf("Database cleared on primary, replica followed after %s.", FormatSeconds(waited, 4))
		return
	}
	r.printf("Database cleared on primary.")
}

// Written implements probe.Observer
func (r *Reporter) Written(count int, took time.Duration) {
	r.printf("Wrote %d keys to primary in %s.", count, FormatSeconds(took, 4))
	r.printf("Reading from replica...")
}

// Snapshot implements probe.Observer
func (r *Reporter) Snapshot(written, replicaCount, unsynced int64) {
	r.rule()
	r.printf("%s", r.title.Render("Eventual consistency snapshot"))
	r.field("Keys written to primary", written)
	r.field("Keys on replica", replicaCount)
	r.field("Unsynced keys", unsynced)
	if unsynced > 0 {
		r.printf("%s", r.warn.Render("Eventual consistency observed: the replica was behind when the write finished."))
	} else {
		r.printf("Replica was already complete (the network is very fast).")
	}
}

// Synced implements probe.Observer
func (r *Reporter) Synced(lag time.Duration, polls int64) {
	r.rule()
	r.printf("%s", r.title.Render("Replication lag: "+FormatSeconds(lag, 5)))
	r.printf("   (from primary write completion until the replica caught up, %d polls)", polls)
	r.rule()
}

// Summary prints the poll statistics and optional checks of a finished run
func (r *Reporter) Summary(res *probe.Result) {
	lines := []string{
		"Run         " + res.ID,
		"Poll mean   " + res.PollLatency.Mean.String(),
		"Poll p50    " + res.PollLatency.P50.String(),
		"Poll p99    " + res.PollLatency.P99.String(),
		"Poll max    " + res.PollLatency.Max.String(),
	}
	if res.Verified {
		lines = append(lines, "Verified    primary holds every key at full size")
	}
	r.printf("%s", r.box.Render(strings.Join(lines, "\n")))
}

// Error prints a failed run with a remediation hint where one exists
func (r *Reporter) Error(err error) {
	r.printf("%s", r.fail.Render(Describe(err)))
}

// Describe turns a probe error into a one line message for the operator
func Describe(err error) string {
	var (
		connErr    *store.ConnectivityError
		protoErr   *store.ProtocolError
		timeoutErr *store.SyncTimeoutError
	)
	switch {
	case errors.As(err, &connErr):
		return fmt.Sprintf("Connection failed: %v. Make sure the address is correct and the store is running.", err)
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("Replica did not catch up: %v.", err)
	case errors.As(err, &protoErr):
		return fmt.Sprintf("Store error: %v.", err)
	default:
		return fmt.Sprintf("Unexpected error: %v.", err)
	}
}

// History prints stored runs, newest first
func (r *Reporter) History(results []probe.Result) {
	if len(results) == 0 {
		r.printf("No stored runs.")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STARTED", "PRIMARY", "REPLICA", "KEYS", "SIZE", "UNSYNCED", "LAG")
	for _, res := range results {
		t.Row(
			res.StartedAt.Local().Format("2006-01-02 15:04:05"),
			res.Primary,
			res.Replica,
			strconv.Itoa(res.WriteCount),
			FormatSize(res.ValueSize),
			strconv.FormatInt(res.Unsynced, 10),
			FormatSeconds(res.Lag, 5),
		)
	}
	r.printf("%s", t.Render())
}

// FormatSeconds renders d in seconds with the given precision
func FormatSeconds(d time.Duration, precision int) string {
	return strconv.FormatFloat(d.Seconds(), 'f', precision, 64) + "s"
}

// FormatSize renders a byte count the way the workload is usually described
func FormatSize(n int) string {
	if n < 1024 {
		return strconv.Itoa(n) + " B"
	}
	return strconv.FormatFloat(float64(n)/1024, 'f', 1, 64) + " KB"
}

package notify

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implements ports.Notifier on a terminal.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole creates a notifier that writes to stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// Notify prints one line per epoch, followed by the attempt table in table mode.
func (c *Console) Notify(_ context.Context, r domain.EpochReport) error {
	c.printCompact(r)
	if c.table && len(r.Attempts) > 0 {
		c.PrintHistory(r.Attempts)
	}
	return nil
}

// printCompact prints the outcome of one epoch on a single line.
func (c *Console) printCompact(r domain.EpochReport) {
	now := time.Now().Format("15:04:05")

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] epoch %d %s", now, r.Epoch, strings.ToUpper(string(r.State)))
	if r.State == domain.StateSettled {
		fmt.Fprintf(&sb, " obj=%s root=%s", objectiveLabel(r.Objective), shortHex(r.Root.Hex()))
	} else if r.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", r.Reason)
	}
	fmt.Fprintf(&sb, " | attempts:%d | %s", len(r.Attempts), r.Duration.Round(time.Millisecond))

	fmt.Fprintln(c.out, sb.String())
}

// PrintHistory prints submission attempts as a table.
func (c *Console) PrintHistory(attempts []domain.SubmissionAttempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(c.out, "\n  No submission attempts recorded.")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Epoch", "Attempt", "Outcome", "Objective", "Tx", "Resend", "Submitted", "Took")

	for _, a := range attempts {
		took := "-"
		if a.ResolvedAt != nil {
			took = a.ResolvedAt.Sub(a.SubmittedAt).Round(time.Millisecond).String()
		}
		outcome := string(a.Outcome)
		if a.Reason != "" {
			outcome += " (" + truncate(a.Reason, 24) + ")"
		}
		table.Append(
			fmt.Sprintf("%d", a.Epoch),
			truncate(a.ID, 11),
			outcome,
			a.Objective,
			shortHex(a.TxHash),
			fmt.Sprintf("%d", a.Resubmits),
			a.SubmittedAt.Local().Format("01-02 15:04:05"),
			took,
		)
	}
	table.Render()

	confirmed := 0
	for _, a := range attempts {
		if a.Outcome == domain.OutcomeConfirmed {
			confirmed++
		}
	}
	fmt.Fprintf(c.out, "  %d attempts, %d confirmed\n", len(attempts), confirmed)
}

// --- helpers ---

func objectiveLabel(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func shortHex(s string) string {
	if s == "" {
		return "-"
	}
	if len(s) <= 14 {
		return s
	}
	return s[:10] + "…" + s[len(s)-4:]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/storage"
)

// printSummary 输出运行摘要
func printSummary(w io.Writer, s domain.RunStatistics, counts *storage.Counts, outputDir string) {
	bold := color.New(color.Bold)
	label := color.New(color.Faint)

	row := func(name string, value string) {
		fmt.Fprintf(w, "  %s %s\n", label.Sprintf("%-24s", name), value)
	}
	num := func(n int64) string { return humanize.Comma(n) }

	fmt.Fprintln(w)
	bold.Fprintf(w, "Run %s\n", s.RunID)
	if !s.FinishedAt.IsZero() {
		row("elapsed", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String())
	}
	row("output", outputDir)

	fmt.Fprintln(w)
	bold.Fprintln(w, "Inputs")
	row("seen", num(s.InputsSeen))
	row("skipped (ledger)", num(s.InputsSkipped))
	row("completed", num(s.InputsCompleted))

	fmt.Fprintln(w)
	bold.Fprintln(w, "Units")
	row("seen", num(s.UnitsSeen))
	row("parsed", num(s.UnitsParsed))
	row("committed", color.GreenString(num(s.UnitsCommitted)))
	row("failed", failures(s.UnitsFailed))
	row("emails matched", num(s.EmailsMatched))
	row("emails unmatched", num(s.EmailsUnmatched))
	if s.UnlinkedFile != "" {
		row("unlinked exported", warnings(s.UnlinkedExported))
		row("unlinked file", s.UnlinkedFile)
	}

	fmt.Fprintln(w)
	bold.Fprintln(w, "Attachments")
	row("found", num(s.AttachmentsFound))
	row("stored", num(s.AttachmentsStored))
	row("deduplicated", num(s.AttachmentsDeduplicated))
	row("too large", warnings(s.AttachmentsTooLarge))
	row("failed", failures(s.AttachmentsFailed))
	row("links created", num(s.AttachmentsLinked))
	row("bytes written", humanize.IBytes(uint64(max(s.BytesWritten, 0))))

	fmt.Fprintln(w)
	bold.Fprintln(w, "Batches")
	row("committed", num(s.BatchesCommitted))
	row("rolled back", failures(s.BatchesFailed))

	if counts != nil {
		fmt.Fprintln(w)
		bold.Fprintln(w, "Database")
		row("messages", num(counts.Messages))
		row("attachments", num(counts.Attachments))
		row("message_attachments", num(counts.MessageAttachments))
	}

	fmt.Fprintln(w)
	if s.Errors > 0 {
		color.New(color.FgYellow).Fprintf(w, "Finished with %s errors, see log for details\n", num(s.Errors))
		return
	}
	color.New(color.FgGreen).Fprintln(w, "Finished without errors")
}

func failures(n int64) string {
	if n == 0 {
		return humanize.Comma(n)
	}
	return color.RedString(humanize.Comma(n))
}

func warnings(n int64) string {
	if n == 0 {
		return humanize.Comma(n)
	}
	return color.YellowString(humanize.Comma(n))
}

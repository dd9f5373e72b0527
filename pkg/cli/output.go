package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ha1tch/storysync/pkg/models"
)

// maxListed caps per-run error and unresolved lines in text output
const maxListed = 50

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func typeNames() []string {
	order := models.DependencyOrder()
	names := make([]string, len(order))
	for i, t := range order {
		names[i] = string(t)
	}
	return names
}

func printRun(w io.Writer, run *models.MigrationRun) {
	mode := ""
	if run.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Run %s%s: %s\n", run.RunID, mode, run.Status)
	if run.Aborted != "" {
		fmt.Fprintf(w, "Aborted: %s\n", run.Aborted)
	}
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tFETCHED\tRESOLVED\tINSERTED\tUPDATED\tFAILED\tUNRESOLVED\t")
	for _, t := range models.SortByDependency(run.EntityTypes) {
		s := run.Summary(t)
		fetched := fmt.Sprint(s.Fetched)
		if s.FetchError {
			fetched = "error"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t\n",
			t, fetched, s.Resolved, s.Inserted, s.Updated, s.Failed, s.Unresolved)
	}
	tw.Flush()

	if run.Report != nil {
		fmt.Fprintln(w)
		printReport(w, run.Report)
	}
}

func printRunDetail(w io.Writer, run *models.MigrationRun) {
	if len(run.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors (%d):\n", len(run.Errors))
		listed := 0
		for _, t := range models.DependencyOrder() {
			errs := run.ErrorsFor(t)
			if len(errs) == 0 {
				continue
			}
			fmt.Fprintf(w, "  %s (%d):\n", t, len(errs))
			for _, e := range errs {
				if listed == maxListed {
					break
				}
				listed++
				retry := ""
				if e.Retryable {
					retry = " [retryable]"
				}
				fmt.Fprintf(w, "    %s%s\n", e.Error(), retry)
			}
		}
		if listed < len(run.Errors) {
			fmt.Fprintf(w, "  ... %d more\n", len(run.Errors)-listed)
		}
	}
	if len(run.Unresolved) > 0 {
		fmt.Fprintf(w, "\nUnresolved references (%d):\n", len(run.Unresolved))
		for i, u := range run.Unresolved {
			if i == maxListed {
				fmt.Fprintf(w, "  ... %d more\n", len(run.Unresolved)-maxListed)
				break
			}
			fmt.Fprintf(w, "  %s %s %s=%q: %s\n", u.EntityType, u.ExternalID, u.Column, u.Reference, u.Reason)
		}
	}
}

func printRunList(w io.Writer, runs []*models.MigrationRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tTYPES\tERRORS\tUNRESOLVED\t")
	for _, run := range runs {
		types := "all"
		if len(run.EntityTypes) < len(models.DependencyOrder()) {
			names := make([]string, len(run.EntityTypes))
			for i, t := range run.EntityTypes {
				names[i] = string(t)
			}
			types = strings.Join(names, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t\n",
			run.RunID, run.StartedAt.Format(time.RFC3339), run.Status, types, len(run.Errors), len(run.Unresolved))
	}
	tw.Flush()
}

func printReport(w io.Writer, report *models.VerificationReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tTOTAL\tMIGRATED\tORGANIC\tLINKED\tORPHANS\t")
	for _, t := range models.DependencyOrder() {
		c, ok := report.CountsByType[t]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t\n",
			t, c.Total, c.Migrated, c.Organic, c.FullyLinked, report.OrphanCounts[t])
	}
	tw.Flush()

	fmt.Fprintf(w, "\nCoverage: %.1f%%\n", report.CoveragePercent)
	if len(report.Discrepancies) == 0 {
		fmt.Fprintln(w, "No discrepancies")
		return
	}

	byKind := make(map[string]int)
	for _, d := range report.Discrepancies {
		byKind[d.Kind]++
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "Discrepancies (%d):", len(report.Discrepancies))
	for _, k := range kinds {
		fmt.Fprintf(w, " %s=%d", k, byKind[k])
	}
	fmt.Fprintln(w)
	for i, d := range report.Discrepancies {
		if i == maxListed {
			fmt.Fprintf(w, "  ... %d more\n", len(report.Discrepancies)-maxListed)
			break
		}
		ref := d.ExternalID
		if ref == "" && d.ID != 0 {
			ref = fmt.Sprintf("#%d", d.ID)
		}
		fmt.Fprintf(w, "  [%s] %s %s %s\n", d.Kind, d.EntityType, ref, d.Detail)
	}
}

func printDeletion(w io.Writer, report *models.DeletionReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tDELETED\tREMAINING\t")
	for _, t := range models.ReverseDependencyOrder() {
		n, ok := report.Deleted[t]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t\n", t, n, report.Remaining[t])
	}
	tw.Flush()

	if len(report.ClearedReferences) > 0 {
		cols := make([]string, 0, len(report.ClearedReferences))
		for c := range report.ClearedReferences {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		fmt.Fprintln(w, "\nCleared references:")
		for _, c := range cols {
			fmt.Fprintf(w, "  %s: %d\n", c, report.ClearedReferences[c])
		}
	}
	fmt.Fprintf(w, "\nDeleted %d rows in %s\n", report.TotalDeleted(),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
}

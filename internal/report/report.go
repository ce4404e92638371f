// Package report writes the daily operator workbook.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"colldialer/internal/errs"
	"colldialer/internal/logging"
	"colldialer/internal/models"
	"colldialer/internal/reconcile"
	"colldialer/internal/settings"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	SheetRemoteTasks  = "Remote tasks"
	SheetExclusions   = "Exclusions"
	SheetDialerTasks  = "Dialer tasks"
	SheetCallOutcomes = "Call outcomes"
)

const noTalkResult = "(none)"

// Store reads the day's audit tables.
type Store interface {
	RemoteTasksForDay(ctx context.Context, day string) ([]models.RemoteTask, error)
	NotSentSummary(ctx context.Context, bucketName, day string) (map[models.ExclusionReason]int, error)
	DialerTasksForDay(ctx context.Context, day string) ([]models.DialerTask, error)
	CallResultsBetween(ctx context.Context, from, to time.Time) ([]models.CallResult, error)
}

// Counter compares vendor and local call counts of a remote task.
type Counter interface {
	Totals(ctx context.Context, rt models.RemoteTask, loc *time.Location) (vendor, local int, err error)
}

// Resolver supplies bucket settings.
type Resolver interface {
	Resolve(ctx context.Context, bucketName string) (*settings.Dialer, error)
	Buckets() []string
	Location() *time.Location
}

type Reporter struct {
	store    Store
	counter  Counter
	resolver Resolver
	dir      string
	logger   zerolog.Logger
}

func NewReporter(store Store, counter Counter, resolver Resolver, dir string, logger *zerolog.Logger) *Reporter {
	if dir == "" {
		dir = "reports"
	}
	return &Reporter{
		store:    store,
		counter:  counter,
		resolver: resolver,
		dir:      dir,
		logger:   logging.Component(logger, "report"),
	}
}

// TaskRow is one line of the remote tasks sheet.
type TaskRow struct {
	Task       models.RemoteTask
	Vendor     int
	Local      int
	Discrepant bool
	Err        error
}

// ExclusionRow is one line of the exclusions sheet.
type ExclusionRow struct {
	Bucket string
	Reason models.ExclusionReason
	Count  int
}

// OutcomeRow counts the calls of a bucket that ended with one talk result.
type OutcomeRow struct {
	Bucket     string
	TalkResult string
	Calls      int
}

// Write builds the workbook of day and saves it under the report directory.
func (r *Reporter) Write(ctx context.Context, day string) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", errs.Wrap(err, "create report directory")
	}

	f, err := r.Build(ctx, day)
	if err != nil {
		return "", err
	}
	defer f.Close()

	filePath := filepath.Join(r.dir, fmt.Sprintf("dialer_report_%s.xlsx", day))
	if err := f.SaveAs(filePath); err != nil {
		return "", errs.Wrapf(err, "save %s", filePath)
	}

	r.logger.Info().Str("file_path", filePath).Str("day", day).Msg("report written")
	return filePath, nil
}

// Build collects the rows of day into a new workbook.
func (r *Reporter) Build(ctx context.Context, day string) (*excelize.File, error) {
	tasks, err := r.TaskRows(ctx, day)
	if err != nil {
		return nil, err
	}
	exclusions, err := r.ExclusionRows(ctx, day, tasks)
	if err != nil {
		return nil, err
	}
	dialerTasks, err := r.store.DialerTasksForDay(ctx, day)
	if err != nil {
		return nil, errs.Wrap(err, "list dialer tasks")
	}
	outcomes, err := r.OutcomeRows(ctx, day, tasks)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	writers := []func() error{
		func() error { return writeTasks(f, day, tasks) },
		func() error { return writeExclusions(f, day, exclusions) },
		func() error { return writeDialerTasks(f, day, dialerTasks) },
		func() error { return writeOutcomes(f, day, outcomes) },
	}
	for _, write := range writers {
		if err := write(); err != nil {
			f.Close()
			return nil, err
		}
	}
	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

// TaskRows compares every remote task of day. A failed comparison is kept as a
// row carrying its error so one vendor hiccup does not drop the report.
func (r *Reporter) TaskRows(ctx context.Context, day string) ([]TaskRow, error) {
	tasks, err := r.store.RemoteTasksForDay(ctx, day)
	if err != nil {
		return nil, errs.Wrap(err, "list remote tasks")
	}
	loc := r.resolver.Location()
	thresholds := map[string]float64{}

	rows := make([]TaskRow, 0, len(tasks))
	for _, rt := range tasks {
		threshold, ok := thresholds[rt.BucketName]
		if !ok {
			d, err := r.resolver.Resolve(ctx, rt.BucketName)
			if err != nil {
				return nil, errs.Wrapf(err, "resolve %s", rt.BucketName)
			}
			threshold = d.DiscrepancyThreshold
			thresholds[rt.BucketName] = threshold
		}

		row := TaskRow{Task: rt}
		row.Vendor, row.Local, row.Err = r.counter.Totals(ctx, rt, loc)
		if row.Err != nil {
			r.logger.Warn().Err(row.Err).Str("remote_task_id", rt.TaskID).Msg("report comparison failed")
		} else {
			row.Discrepant = reconcile.Discrepant(row.Vendor, row.Local, threshold)
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Task.BucketName != rows[j].Task.BucketName {
			return rows[i].Task.BucketName < rows[j].Task.BucketName
		}
		return rows[i].Task.Page < rows[j].Task.Page
	})
	return rows, nil
}

// ExclusionRows counts exclusions per reason for every configured bucket and
// every bucket that uploaded on day.
func (r *Reporter) ExclusionRows(ctx context.Context, day string, tasks []TaskRow) ([]ExclusionRow, error) {
	names := map[string]bool{}
	for _, name := range r.resolver.Buckets() {
		names[name] = true
	}
	for _, t := range tasks {
		names[t.Task.BucketName] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var rows []ExclusionRow
	for _, name := range sorted {
		summary, err := r.store.NotSentSummary(ctx, name, day)
		if err != nil {
			return nil, errs.Wrapf(err, "exclusions of %s", name)
		}
		reasons := make([]string, 0, len(summary))
		for reason := range summary {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			rows = append(rows, ExclusionRow{Bucket: name, Reason: models.ExclusionReason(reason), Count: summary[models.ExclusionReason(reason)]})
		}
	}
	return rows, nil
}

// OutcomeRows counts the calls started on day per bucket and talk result. Calls
// of remote tasks that were not uploaded on day are attributed to their task id.
func (r *Reporter) OutcomeRows(ctx context.Context, day string, tasks []TaskRow) ([]OutcomeRow, error) {
	from, err := time.ParseInLocation(models.DateLayout, day, r.resolver.Location())
	if err != nil {
		return nil, errs.Structural(errs.Wrapf(err, "parse day %q", day))
	}
	calls, err := r.store.CallResultsBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, errs.Wrap(err, "list call results")
	}

	buckets := make(map[string]string, len(tasks))
	for _, t := range tasks {
		buckets[t.Task.TaskID] = t.Task.BucketName
	}
	type key struct{ bucket, result string }
	counts := map[key]int{}
	for _, c := range calls {
		k := key{bucket: buckets[c.RemoteTaskID], result: c.TalkResult}
		if k.bucket == "" {
			k.bucket = c.RemoteTaskID
		}
		if k.result == "" {
			k.result = noTalkResult
		}
		counts[k]++
	}

	rows := make([]OutcomeRow, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, OutcomeRow{Bucket: k.bucket, TalkResult: k.result, Calls: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Bucket != rows[j].Bucket {
			return rows[i].Bucket < rows[j].Bucket
		}
		return rows[i].TalkResult < rows[j].TalkResult
	})
	return rows, nil
}

func header(f *excelize.File, sheet string, names []string) error {
	style, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return err
	}
	for i, name := range names {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheet, cell, name)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
	return nil
}

func title(f *excelize.File, sheet, text string, cols int) {
	_ = f.SetCellValue(sheet, "A1", text)
	last, _ := excelize.CoordinatesToCellName(cols, 1)
	_ = f.MergeCell(sheet, "A1", last)
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}}); err == nil {
		_ = f.SetCellStyle(sheet, "A1", "A1", style)
	}
}

func writeTasks(f *excelize.File, day string, rows []TaskRow) error {
	index, err := f.NewSheet(SheetRemoteTasks)
	if err != nil {
		return errs.Wrap(err, "create sheet")
	}
	f.SetActiveSheet(index)

	cols := []string{"Bucket", "Page", "Remote task", "Rows sent", "Vendor total", "Local", "Discrepant"}
	title(f, SheetRemoteTasks, "Remote tasks "+day, len(cols))
	if err := header(f, SheetRemoteTasks, cols); err != nil {
		return err
	}

	flagged, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFC7CE"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	for i, row := range rows {
		n := i + 3
		values := []any{row.Task.BucketName, row.Task.Page, row.Task.TaskID, row.Task.RowCount}
		if row.Err != nil {
			values = append(values, "error", "", row.Err.Error())
		} else {
			values = append(values, row.Vendor, row.Local, yesNo(row.Discrepant))
		}
		cell, _ := excelize.CoordinatesToCellName(1, n)
		if err := f.SetSheetRow(SheetRemoteTasks, cell, &values); err != nil {
			return errs.Wrapf(err, "write row %d", n)
		}
		if row.Discrepant || row.Err != nil {
			end, _ := excelize.CoordinatesToCellName(len(cols), n)
			_ = f.SetCellStyle(SheetRemoteTasks, cell, end, flagged)
		}
	}

	_ = f.SetColWidth(SheetRemoteTasks, "A", "A", 20)
	_ = f.SetColWidth(SheetRemoteTasks, "C", "C", 30)
	_ = f.SetColWidth(SheetRemoteTasks, "D", "G", 14)
	return nil
}

func writeExclusions(f *excelize.File, day string, rows []ExclusionRow) error {
	if _, err := f.NewSheet(SheetExclusions); err != nil {
		return errs.Wrap(err, "create sheet")
	}

	cols := []string{"Bucket", "Reason", "Accounts"}
	title(f, SheetExclusions, "Exclusions "+day, len(cols))
	if err := header(f, SheetExclusions, cols); err != nil {
		return err
	}
	for i, row := range rows {
		n := i + 3
		cell, _ := excelize.CoordinatesToCellName(1, n)
		if err := f.SetSheetRow(SheetExclusions, cell, &[]any{row.Bucket, string(row.Reason), row.Count}); err != nil {
			return errs.Wrapf(err, "write row %d", n)
		}
	}

	_ = f.SetColWidth(SheetExclusions, "A", "A", 20)
	_ = f.SetColWidth(SheetExclusions, "B", "B", 30)
	_ = f.SetColWidth(SheetExclusions, "C", "C", 12)
	return nil
}

func writeDialerTasks(f *excelize.File, day string, tasks []models.DialerTask) error {
	if _, err := f.NewSheet(SheetDialerTasks); err != nil {
		return errs.Wrap(err, "create sheet")
	}

	cols := []string{"Bucket", "Type", "Vendor", "Retries", "Last error", "Updated"}
	title(f, SheetDialerTasks, "Dialer tasks "+day, len(cols))
	if err := header(f, SheetDialerTasks, cols); err != nil {
		return err
	}
	for i, t := range tasks {
		n := i + 3
		cell, _ := excelize.CoordinatesToCellName(1, n)
		values := []any{t.BucketName, t.Type, t.Vendor, t.RetryCount, t.Error, t.UpdatedAt.Format("2006-01-02 15:04:05")}
		if err := f.SetSheetRow(SheetDialerTasks, cell, &values); err != nil {
			return errs.Wrapf(err, "write row %d", n)
		}
	}

	_ = f.SetColWidth(SheetDialerTasks, "A", "A", 20)
	_ = f.SetColWidth(SheetDialerTasks, "B", "D", 12)
	_ = f.SetColWidth(SheetDialerTasks, "E", "E", 40)
	_ = f.SetColWidth(SheetDialerTasks, "F", "F", 20)
	return nil
}

func writeOutcomes(f *excelize.File, day string, rows []OutcomeRow) error {
	if _, err := f.NewSheet(SheetCallOutcomes); err != nil {
		return errs.Wrap(err, "create sheet")
	}

	cols := []string{"Bucket", "Talk result", "Calls"}
	title(f, SheetCallOutcomes, "Call outcomes "+day, len(cols))
	if err := header(f, SheetCallOutcomes, cols); err != nil {
		return err
	}
	for i, row := range rows {
		n := i + 3
		cell, _ := excelize.CoordinatesToCellName(1, n)
		if err := f.SetSheetRow(SheetCallOutcomes, cell, &[]any{row.Bucket, row.TalkResult, row.Calls}); err != nil {
			return errs.Wrapf(err, "write row %d", n)
		}
	}

	_ = f.SetColWidth(SheetCallOutcomes, "A", "A", 20)
	_ = f.SetColWidth(SheetCallOutcomes, "B", "B", 24)
	_ = f.SetColWidth(SheetCallOutcomes, "C", "C", 12)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

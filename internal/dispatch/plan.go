package dispatch

import (
	"fmt"
	"time"

	"colldialer/internal/models"
)

// DefaultPageSize applies when a bucket has no batch size.
const DefaultPageSize = 5000

// Page is one vendor task worth of payload rows. It travels as a job payload,
// so rows are referenced by their sort_order range instead of being embedded.
type Page struct {
	DialerTaskID int64     `json:"dialer_task_id"`
	Bucket       string    `json:"bucket"`
	Day          string    `json:"day"`
	Number       int       `json:"page"`
	SortFrom     int       `json:"sort_from"`
	SortTo       int       `json:"sort_to"`
	Rows         int       `json:"rows"`
	Start        time.Time `json:"schedule_start"`
	End          time.Time `json:"schedule_end"`
}

// TaskName is the vendor task name of the page.
func (p Page) TaskName() string {
	day, err := time.Parse(models.DateLayout, p.Day)
	if err != nil {
		return fmt.Sprintf("%s-%s-p%d", p.Bucket, p.Day, p.Number)
	}
	return fmt.Sprintf("%s-%s-p%d", p.Bucket, day.Format("20060102"), p.Number)
}

// Paginate splits rows, already in sort_order, into contiguous pages of at most
// pageSize rows. When ceiling is set and the bucket has more rows than the vendor
// accepts in one task, the schedule window is cut into ceil(n/ceiling) equal slots;
// pages never straddle a slot and each page is scheduled inside its own slot.
func Paginate(rows []models.PayloadRow, pageSize, ceiling int, start, end time.Time) []Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if ceiling > 0 && pageSize > ceiling {
		pageSize = ceiling
	}
	n := len(rows)
	if n == 0 {
		return nil
	}

	slots := 1
	if ceiling > 0 && n > ceiling {
		slots = (n + ceiling - 1) / ceiling
	}
	span := end.Sub(start) / time.Duration(slots)

	var pages []Page
	for i := 0; i < n; {
		j := i + pageSize
		slot := 0
		if slots > 1 {
			slot = i / ceiling
			if boundary := (slot + 1) * ceiling; boundary < j {
				j = boundary
			}
		}
		if j > n {
			j = n
		}

		ps := start.Add(time.Duration(slot) * span)
		pe := ps.Add(span)
		if slot == slots-1 {
			pe = end
		}
		pages = append(pages, Page{
			Number:   len(pages) + 1,
			SortFrom: rows[i].SortOrder,
			SortTo:   rows[j-1].SortOrder,
			Rows:     j - i,
			Start:    ps,
			End:      pe,
		})
		i = j
	}
	return pages
}

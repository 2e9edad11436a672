package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Schedule fires a set of component tasks at a fixed UTC time.
type Schedule struct {
	Meta
	ID             string                   `json:"id" validate:"required"`
	Organization   string                   `json:"organization"`
	ProjectID      string                   `json:"projectId" validate:"required"`
	Enabled        bool                     `json:"enabled"`
	Recurring      bool                     `json:"recurring"`
	DaysOfWeek     []time.Weekday           `json:"daysOfWeek,omitempty"`
	UTCHour        int                      `json:"utcHour" validate:"gte=0,lte=23"`
	UTCMinute      int                      `json:"utcMinute" validate:"gte=0,lte=59"`
	Creator        string                   `json:"creator"`
	ComponentTasks []ComponentTaskReference `json:"componentTasks" validate:"dive"`
	LastRun        *time.Time               `json:"lastRun,omitempty"`
	LastUpdatedBy  string                   `json:"lastUpdatedBy,omitempty"`
}

func (s *Schedule) Kind() string            { return KindSchedule }
func (s *Schedule) GetID() string           { return s.ID }
func (s *Schedule) GetPartitionKey() string { return s.ProjectID }

// CronExpression renders the schedule as a five field cron spec in UTC.
func (s *Schedule) CronExpression() string {
	days := "*"
	if len(s.DaysOfWeek) > 0 && len(s.DaysOfWeek) < 7 {
		uniq := make(map[int]struct{}, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			uniq[int(d)] = struct{}{}
		}
		list := make([]int, 0, len(uniq))
		for d := range uniq {
			list = append(list, d)
		}
		sort.Ints(list)
		parts := make([]string, len(list))
		for i, d := range list {
			parts[i] = strconv.Itoa(d)
		}
		days = strings.Join(parts, ",")
	}
	return fmt.Sprintf("CRON_TZ=UTC %d %d * * %s", s.UTCMinute, s.UTCHour, days)
}

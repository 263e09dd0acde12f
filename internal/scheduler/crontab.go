// Package scheduler manages the declarative schedule records of harvest
// sources and resolves them into runs through a cron runner.
package scheduler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// cronParser validates standard 5-field cron expressions (minute, hour,
// day-of-month, month, day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Crontab holds the five schedule fields of a periodic task.
type Crontab struct {
	Minute      string
	Hour        string
	DayOfMonth  string
	MonthOfYear string
	DayOfWeek   string
}

// Parse splits a 5-field cron expression into a Crontab and validates it.
func Parse(spec string) (Crontab, error) {
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return Crontab{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	c := Crontab{
		Minute:      fields[0],
		Hour:        fields[1],
		DayOfMonth:  fields[2],
		MonthOfYear: fields[3],
		DayOfWeek:   fields[4],
	}
	if err := c.Validate(); err != nil {
		return Crontab{}, err
	}
	return c, nil
}

// String renders the crontab in standard field order.
func (c Crontab) String() string {
	return fmt.Sprintf("%s %s %s %s %s",
		c.Minute, c.Hour, c.DayOfMonth, c.MonthOfYear, c.DayOfWeek)
}

// Validate checks every field against the cron grammar.
func (c Crontab) Validate() error {
	if _, err := cronParser.Parse(c.String()); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", c.String(), err)
	}
	return nil
}

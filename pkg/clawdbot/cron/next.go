package cron

import (
	"time"

	robfig "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions with an optional
// seconds field, plus @descriptors. DOW is 0–6 with 0 = Sunday.
var cronParser = robfig.NewParser(
	robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom |
		robfig.Month | robfig.Dow | robfig.Descriptor,
)

func parseCronExpr(expr string) (robfig.Schedule, error) {
	return cronParser.Parse(expr)
}

// ComputeNextRunAtMs returns the next fire time, or false when the schedule
// never fires again. "at" and "cron" schedules return a time strictly after
// nowMs; an "every" schedule returns anchor + k*everyMs for the smallest
// k >= 1 not before nowMs, which is nowMs itself when nowMs lies exactly on
// a schedule point. The computation is monotonic:
// feeding a returned time back never yields an earlier one.
func ComputeNextRunAtMs(s Schedule, nowMs int64) (int64, bool) {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs > nowMs {
			return s.AtMs, true
		}
		return 0, false

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return 0, false
		}
		anchor := s.AnchorMs
		if anchor == 0 {
			anchor = nowMs
		}
		if nowMs < anchor {
			return anchor, true
		}
		// Smallest k >= 1 with anchor + k*every >= now.
		k := (nowMs - anchor + s.EveryMs - 1) / s.EveryMs
		if k < 1 {
			k = 1
		}
		return anchor + k*s.EveryMs, true

	case ScheduleCron:
		sched, err := parseCronExpr(s.Expr)
		if err != nil {
			return 0, false
		}
		loc := time.UTC
		if s.TZ != "" {
			if l, lerr := time.LoadLocation(s.TZ); lerr == nil {
				loc = l
			}
		}
		next := sched.Next(time.UnixMilli(nowMs).In(loc))
		if next.IsZero() {
			return 0, false
		}
		return next.UnixMilli(), true
	}
	return 0, false
}

// Package schedule computes execution instants for ONCE and RECURRING
// schedules and validates schedule requests at creation time.
//
// Cron expressions are standard 5-field specs (minute hour dom month dow),
// parsed by robfig/cron. A leading "CRON_TZ=<zone>" is accepted.
package schedule

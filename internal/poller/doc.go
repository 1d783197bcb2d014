// Package poller turns due schedules into delivery log entries.
//
// Exactly one poller may be active against a database. Two pollers would
// read the same due rows and send every message twice. A poller_lease row
// refuses a cycle while another holder's lease is fresh, which protects
// processes sharing one SQLite file; it is not a distributed lock.
package poller

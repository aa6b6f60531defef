// Package recurrence holds the structured recurrence rule and the pure engine
// that computes the next occurrence of a rule.
//
// Rules repeat by day, week or month with an interval, pin occurrences with an
// anchor (weekday set or day of month) and resolve a wall-clock time of day in
// a single IANA timezone. Skipped DST wall clocks resolve to the end of the
// gap; repeated ones resolve to the earlier instant.
package recurrence

// Package crontimer provides a recurring trigger driven by a cron expression.
//
// A Timer holds a schedule expression (five fields, or six with a leading
// seconds field), computes the next occurrence from the current instant, arms a
// one-shot delay for exactly the time remaining and re-arms itself after every
// firing. It never uses a fixed-interval ticker: occurrence spacing follows the
// calendar.
//
// Expression evaluation and the wall-clock wait are delegated to an Evaluator
// and a Delay. The defaults are robfig/cron and time.AfterFunc.
package crontimer

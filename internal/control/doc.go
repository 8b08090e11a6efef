// Package control ties the status merger, the timer set and the task engine
// together behind the operations the web layer exposes: install timers for a
// project, query spider status, and inspect or remove timers.
package control

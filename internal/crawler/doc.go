// Package crawler drives the backward crawl: one cursor per source, a single
// round-robin loop that honors per-source cooldowns, append-only persistence
// of unseen actions, and a checkpoint written after every applied step.
package crawler

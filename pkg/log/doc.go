// Package log provides structured logging for Drover built on zerolog.
// Components take child loggers via WithComponent and attach tenant, task,
// and instance ids as fields rather than embedding them in messages.
package log

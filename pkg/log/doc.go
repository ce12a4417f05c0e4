/*
Package log provides structured logging for crrmon using zerolog.

A single global Logger is configured once by Init from the daemon
configuration. Until Init is called the global logger discards everything,
so library packages and tests stay quiet by default.

Components take a child logger tagged with their name:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("record_key", key.String()).Msg("record replicated")

JSON output is intended for production, where logs are shipped to a
collector; console output is the default for interactive use:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Levels follow the usual convention. Discarded events are logged at warn,
dead-lettered signals and exhausted alarm deliveries at error.
*/
package log

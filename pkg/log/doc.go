/*
Package log provides structured logging for the CML Cloud Manager using
zerolog.

The package wraps zerolog behind a small global logger plus child-logger
helpers that attach the fields operators filter on in production: component,
worker_id, instance_id and definition_id. Output is JSON by default and a
human-readable console format when running interactively.

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

and derive component loggers where loops run:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("instance_id", id).Msg("placed instance")
*/
package log

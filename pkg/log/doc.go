/*
Package log provides structured logging for stoker using zerolog.

The package wraps zerolog with a global logger, configurable level and
format, and child-logger helpers that attach the broker's common context
fields (component, notebook_key, task_id, conn_id).

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Str("task_id", id).Msg("execution dispatched")

Structured error logging:

	log.Logger.Error().
		Err(err).
		Str("notebook_key", key).
		Msg("kernel spawn failed")

JSON output is intended for production; console output for development.
Never log submitted source code at Info level or above - it may contain
credentials pasted into a notebook cell.
*/
package log

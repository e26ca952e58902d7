/*
Package config loads the broker configuration surface.

Resolution order per key: environment variable, then the YAML file named by
STOKER_CONFIG_FILE (if any), then the built-in default. The session token is
auto-generated when absent so a fresh install is usable immediately.
*/
package config

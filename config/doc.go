// Package config loads dbguard configuration with viper.
//
// Values come from, in increasing priority: built-in defaults, a YAML file
// and DBGUARD_ environment variables (dots become underscores, so
// DBGUARD_BREAKER_FAILURE_THRESHOLD sets breaker.failure_threshold). The
// DSN may also be given as MYSQL_DSN.
//
// Secrets in the DSN and in channel settings may reference the environment
// as ${VAR}; a reference to an unset variable fails the load.
package config

// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Credentials and the journal database password may also be supplied through
// MATCHER_ACCESS_TOKEN, MATCHER_REFRESH_TOKEN and MATCHER_DB_PASSWORD, which
// take precedence over the file.
package config

package config

import "errors"

var (
	// ErrInvalidConcurrency is returned when concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	// ErrInvalidTimeout is returned when request timeout is not greater than 0
	ErrInvalidTimeout = errors.New("request_timeout must be greater than 0")
	// ErrEmptyDatabasePath is returned when database path is empty
	ErrEmptyDatabasePath = errors.New("database_path cannot be empty")
	// ErrInvalidRetryLimit is returned when retry limit is not greater than 0
	ErrInvalidRetryLimit = errors.New("retry_limit must be greater than 0")
	// ErrInvalidLeaseTimeout is returned when lease timeout is not greater than 0
	ErrInvalidLeaseTimeout = errors.New("lease_timeout must be greater than 0")
	// ErrInvalidNetworkMode is returned for a network mode other than internet or intranet
	ErrInvalidNetworkMode = errors.New("network_mode must be internet or intranet")
	// ErrInvalidHeader is returned for a header not in "Name: Value" format
	ErrInvalidHeader = errors.New("header must be in 'Name: Value' format")
)

package config

var (
	// DbUri is the database connection string
	DbUri string

	// Port is the HTTP server port
	Port int
)

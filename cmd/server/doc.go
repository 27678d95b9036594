// Package main is the entry point for the judgebox server.
//
// judgebox runs untrusted submissions (Python, Node.js, Go, C++) in pooled, resource-limited
// sandbox containers and scores them against test cases. It serves MCP over stdio, or a
// JSON/HTTP API with the MCP endpoint mounted alongside it.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration. Stopping the
// application stops the reaper and removes every sandbox container it created.
package main

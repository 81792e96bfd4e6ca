// Package tool holds the tool catalog and the execution backends.
//
// The package is split by concern:
//   - definition, schema, loader: tool definitions and their JSON Schemas
//   - registry, watcher: the live catalog and its hot reload from disk
//   - result, error: the uniform Result envelope and error codes
//   - handler: per-tool handler units and the handler cache
//   - adapter*: the backends (remote pipe, subprocess, delegated graph, workflow)
//
// Dispatch itself lives in package dispatch, which composes these pieces.
package tool

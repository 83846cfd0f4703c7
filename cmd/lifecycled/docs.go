package main

// General API documentation for swaggo. Regenerate internal/httpapi/docs with
// `swag init -g cmd/lifecycled/docs.go -o internal/httpapi/docs`.
//
// @title           lifecycled API
// @version         1.0
// @description     HTTP API for local model lifecycle management, KV-cached inference and benchmarks.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http

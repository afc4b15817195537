// Package server hosts the Fiber application shell: request IDs, access logs,
// CORS, panic recovery and the JSON error envelope that maps the errs
// taxonomy onto HTTP status codes. Route handlers live in server/routes and
// receive their dependencies explicitly.
package server

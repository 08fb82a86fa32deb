// Package api holds the JSON request and response bodies exchanged between
// the doclock server and its clients. Field names are camelCase and
// timestamps are ISO-8601 strings in UTC.
package api

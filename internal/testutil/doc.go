// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing transcripts and driving time
// deterministically. These helpers are intentionally minimal and not intended
// for production usage.
package testutil

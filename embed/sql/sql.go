package sql

import _ "embed"

// Schema is the full database schema, applied idempotently.
//
//go:embed schema.sql
var Schema string

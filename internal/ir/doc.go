// Package ir holds the ledger's data model and its canonical encoding.
//
// Every other internal package imports ir; ir imports nothing internal.
//
// Key constraints:
//   - no float values in record payloads; decimals travel as strings
//   - canonical encoding is RFC 8785 (UTF-16 key order, NFC strings)
//   - hash values are lowercase hex SHA-256 of the canonical document
//   - all JSON tags use snake_case
package ir
